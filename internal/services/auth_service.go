package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type AuthStore interface {
	FindUserByEmail(email string) (*User, error)
	AddUser(u *User) error
	AddTenant(t *Tenant) error
	GetTenant(id string) (*Tenant, error)
	GetTenantByShortcode(code string) (*Tenant, error)
}

type TokenSigner func(uid, tid, email, shortcode string, ttl time.Duration) (string, error)

type AuthService struct {
	store     AuthStore
	now       func() time.Time
	idGen     func(prefix string, n int) string
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token     string
	TenantID  string
	UserID    string
	Shortcode string
}

func NewAuthService(store AuthStore, signer TokenSigner) *AuthService {
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     func(prefix string, n int) string { return prefix + shortID(n) },
		signToken: signer,
		tokenTTL:  30 * 24 * time.Hour,
	}
}

func (s *AuthService) Register(email, password, tenantName string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	existing, err := s.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email exists")
	}
	tenantID := s.idGen("t", 7)
	shortcode, err := s.pickShortcode()
	if err != nil {
		return nil, err
	}
	if err := s.store.AddTenant(&Tenant{ID: tenantID, Name: tenantName, Shortcode: shortcode}); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	userID := s.idGen("u", 7)
	now := s.now()
	if err := s.store.AddUser(&User{ID: userID, Email: email, PassHash: hash, TenantID: tenantID, CreatedAt: now}); err != nil {
		return nil, err
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(userID, tenantID, email, shortcode, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, TenantID: tenantID, UserID: userID, Shortcode: shortcode}, nil
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	u, err := s.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(u.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	tenant, err := s.store.GetTenant(u.TenantID)
	if err != nil {
		return nil, err
	}
	shortcode := ""
	if tenant != nil {
		shortcode = tenant.Shortcode
	}
	token, err := s.signToken(u.ID, u.TenantID, u.Email, shortcode, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, TenantID: u.TenantID, UserID: u.ID, Shortcode: shortcode}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}

// pickShortcode generates an unused default webhook routing code; tenants can
// replace it later via settings.
func (s *AuthService) pickShortcode() (string, error) {
	for i := 0; i < 5; i++ {
		code := "sv" + strings.ToLower(shortID(6))
		other, err := s.store.GetTenantByShortcode(code)
		if err != nil {
			return "", err
		}
		if other == nil {
			return code, nil
		}
	}
	return "", NewUnavailableError("could not allocate shortcode")
}
