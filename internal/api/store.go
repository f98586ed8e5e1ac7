package api

import (
	"context"
	"errors"
	"time"
)

// ErrSessionConflict is returned by Store implementations when a session write
// loses an optimistic-concurrency race (stale version, or an active session
// already exists for the key).
var ErrSessionConflict = errors.New("session write conflict")

type Tenant struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Shortcode      string `json:"shortcode"`
	ClosingMessage string `json:"closing_message,omitempty"`
}

type User struct {
	ID        string
	Email     string
	PassHash  []byte
	TenantID  string
	CreatedAt time.Time
}

type Question struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id,omitempty"`
	Position int      `json:"position"`
	Type     string   `json:"type"`
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options,omitempty"`
	Min      int      `json:"min,omitempty"`
	Max      int      `json:"max,omitempty"`
	Category string   `json:"category,omitempty"`
	Active   bool     `json:"active"`
}

type Session struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	PhoneNumber  string            `json:"phone_number"`
	CurrentIndex int               `json:"current_index"`
	Answers      map[string]string `json:"answers"`
	Status       string            `json:"status"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Version      int               `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type Feedback struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	PhoneNumber string           `json:"phone_number"`
	SessionID   string           `json:"session_id"`
	CompletedAt time.Time        `json:"completed_at"`
	Answers     []FeedbackAnswer `json:"answers"`
}

type FeedbackAnswer struct {
	QuestionID string `json:"question_id"`
	TenantID   string `json:"tenant_id"`
	Category   string `json:"category"`
	Value      string `json:"value"`
}

type AuditEntry struct {
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Note   string    `json:"note,omitempty"`
}

// Store is the persistence surface the HTTP layer and the service adapters
// are built on. Session and feedback methods take a context because they sit
// on the hot webhook path; the admin side follows the simpler ctx-less shape.
type Store interface {
	AddTenant(t *Tenant) error
	GetTenant(id string) (*Tenant, error)
	GetTenantByShortcode(code string) (*Tenant, error)
	UpdateTenant(t *Tenant) error

	AddUser(u *User) error
	FindUserByEmail(email string) (*User, error)

	InsertQuestion(q *Question) (*Question, error)
	GetQuestion(id string) (*Question, error)
	UpdateQuestion(q *Question) error
	DeleteQuestion(id string) (bool, error)
	ListQuestions(tenantID string) ([]*Question, error)
	ListActiveQuestions(tenantID string) ([]*Question, error)
	ReorderQuestions(tenantID string, order []string) (bool, error)

	// FindActiveSession must treat expired or completed sessions as absent.
	FindActiveSession(ctx context.Context, tenantID, phone string) (*Session, error)
	// CreateSession returns ErrSessionConflict if an active session already
	// exists for (tenant, phone).
	CreateSession(ctx context.Context, s *Session) error
	// UpdateSession returns ErrSessionConflict when the stored version does
	// not match s.Version; on success the stored version is bumped.
	UpdateSession(ctx context.Context, s *Session) error

	// RecordCompletedSurvey is a no-op if a record for fb.SessionID exists.
	RecordCompletedSurvey(ctx context.Context, fb *Feedback) error
	ListFeedback(tenantID string) ([]*Feedback, error)

	AddAudit(e AuditEntry)
	ListAudit() []AuditEntry
}
