package middleware

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type authCtxKey int

const claimsKey authCtxKey = 1

// Claims carries the authenticated tenant admin: user id, tenant id, and the
// tenant's SMS shortcode so dashboards can show the survey number without an
// extra lookup.
type Claims struct {
	UID       string `json:"uid"`
	TID       string `json:"tid"`
	Email     string `json:"email"`
	Shortcode string `json:"sc,omitempty"`
	jwt.RegisteredClaims
}

func signingSecret() []byte {
	s := os.Getenv("SAUTI_JWT_SECRET")
	if s == "" {
		s = "sauti-dev-secret"
	}
	return []byte(s)
}

func SignToken(uid, tid, email, shortcode string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:       uid,
		TID:       tid,
		Email:     email,
		Shortcode: shortcode,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingSecret())
}

func verifyToken(tok string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tok, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return signingSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

// WithAuth attaches verified claims to the request context when a valid
// bearer token is present; requests without one pass through unauthenticated.
func WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := verifyToken(tok); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), claimsKey, c))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(claimsKey).(*Claims); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TenantIDFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(claimsKey).(*Claims); ok && c.TID != "" {
		return c.TID, true
	}
	return "", false
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}
