package api

import (
	"context"
	"errors"

	"github.com/sautiflow/sautiflow/internal/services"
)

// The adapters below bridge the Store interface to the narrow interfaces the
// services package declares, converting between the wire-facing api types and
// the service types.

func toServiceTenant(t *Tenant) *services.Tenant {
	if t == nil {
		return nil
	}
	return &services.Tenant{
		ID:             t.ID,
		Name:           t.Name,
		Shortcode:      t.Shortcode,
		ClosingMessage: t.ClosingMessage,
	}
}

func fromServiceTenant(t *services.Tenant) *Tenant {
	if t == nil {
		return nil
	}
	return &Tenant{
		ID:             t.ID,
		Name:           t.Name,
		Shortcode:      t.Shortcode,
		ClosingMessage: t.ClosingMessage,
	}
}

func toServiceQuestion(q *Question) *services.Question {
	if q == nil {
		return nil
	}
	return &services.Question{
		ID:       q.ID,
		TenantID: q.TenantID,
		Position: q.Position,
		Type:     services.QuestionType(q.Type),
		Prompt:   q.Prompt,
		Options:  append([]string(nil), q.Options...),
		Min:      q.Min,
		Max:      q.Max,
		Category: q.Category,
		Active:   q.Active,
	}
}

func fromServiceQuestion(q *services.Question) *Question {
	if q == nil {
		return nil
	}
	return &Question{
		ID:       q.ID,
		TenantID: q.TenantID,
		Position: q.Position,
		Type:     string(q.Type),
		Prompt:   q.Prompt,
		Options:  append([]string(nil), q.Options...),
		Min:      q.Min,
		Max:      q.Max,
		Category: q.Category,
		Active:   q.Active,
	}
}

func toServiceSession(s *Session) *services.Session {
	if s == nil {
		return nil
	}
	answers := map[string]string{}
	for k, v := range s.Answers {
		answers[k] = v
	}
	return &services.Session{
		ID:           s.ID,
		TenantID:     s.TenantID,
		PhoneNumber:  s.PhoneNumber,
		CurrentIndex: s.CurrentIndex,
		Answers:      answers,
		Status:       services.SessionStatus(s.Status),
		ExpiresAt:    s.ExpiresAt,
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func fromServiceSession(s *services.Session) *Session {
	if s == nil {
		return nil
	}
	answers := map[string]string{}
	for k, v := range s.Answers {
		answers[k] = v
	}
	return &Session{
		ID:           s.ID,
		TenantID:     s.TenantID,
		PhoneNumber:  s.PhoneNumber,
		CurrentIndex: s.CurrentIndex,
		Answers:      answers,
		Status:       string(s.Status),
		ExpiresAt:    s.ExpiresAt,
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func fromServiceFeedback(fb *services.FinalizedFeedback) *Feedback {
	if fb == nil {
		return nil
	}
	answers := make([]FeedbackAnswer, 0, len(fb.Answers))
	for _, a := range fb.Answers {
		answers = append(answers, FeedbackAnswer{
			QuestionID: a.QuestionID,
			TenantID:   a.TenantID,
			Category:   a.Category,
			Value:      a.Value,
		})
	}
	return &Feedback{
		ID:          fb.ID,
		TenantID:    fb.TenantID,
		PhoneNumber: fb.PhoneNumber,
		SessionID:   fb.SessionID,
		CompletedAt: fb.CompletedAt,
		Answers:     answers,
	}
}

func toServiceFeedback(fb *Feedback) *services.FinalizedFeedback {
	if fb == nil {
		return nil
	}
	answers := make([]services.FeedbackAnswer, 0, len(fb.Answers))
	for _, a := range fb.Answers {
		answers = append(answers, services.FeedbackAnswer{
			QuestionID: a.QuestionID,
			TenantID:   a.TenantID,
			Category:   a.Category,
			Value:      a.Value,
		})
	}
	return &services.FinalizedFeedback{
		ID:          fb.ID,
		TenantID:    fb.TenantID,
		PhoneNumber: fb.PhoneNumber,
		SessionID:   fb.SessionID,
		CompletedAt: fb.CompletedAt,
		Answers:     answers,
	}
}

// catalogAdapter implements services.TenantCatalog.
type catalogAdapter struct{ store Store }

func (a catalogAdapter) GetTenant(_ context.Context, id string) (*services.Tenant, error) {
	t, err := a.store.GetTenant(id)
	if err != nil {
		return nil, err
	}
	return toServiceTenant(t), nil
}

func (a catalogAdapter) ListActiveQuestions(_ context.Context, tenantID string) ([]*services.Question, error) {
	qs, err := a.store.ListActiveQuestions(tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*services.Question, 0, len(qs))
	for _, q := range qs {
		out = append(out, toServiceQuestion(q))
	}
	return out, nil
}

// sessionAdapter implements services.SessionStore, translating the store's
// conflict sentinel into the one the engine retries on.
type sessionAdapter struct{ store Store }

func (a sessionAdapter) FindActiveSession(ctx context.Context, tenantID, phone string) (*services.Session, error) {
	s, err := a.store.FindActiveSession(ctx, tenantID, phone)
	if err != nil {
		return nil, err
	}
	return toServiceSession(s), nil
}

func (a sessionAdapter) CreateSession(ctx context.Context, s *services.Session) error {
	err := a.store.CreateSession(ctx, fromServiceSession(s))
	if errors.Is(err, ErrSessionConflict) {
		return services.ErrVersionConflict
	}
	return err
}

func (a sessionAdapter) UpdateSession(ctx context.Context, s *services.Session) error {
	err := a.store.UpdateSession(ctx, fromServiceSession(s))
	if errors.Is(err, ErrSessionConflict) {
		return services.ErrVersionConflict
	}
	return err
}

// archiveAdapter implements services.FeedbackArchive.
type archiveAdapter struct{ store Store }

func (a archiveAdapter) RecordCompletedSurvey(ctx context.Context, fb *services.FinalizedFeedback) error {
	return a.store.RecordCompletedSurvey(ctx, fromServiceFeedback(fb))
}

// adminAdapter implements services.QuestionAdminStore.
type adminAdapter struct{ store Store }

func (a adminAdapter) GetTenant(id string) (*services.Tenant, error) {
	t, err := a.store.GetTenant(id)
	if err != nil {
		return nil, err
	}
	return toServiceTenant(t), nil
}

func (a adminAdapter) GetTenantByShortcode(code string) (*services.Tenant, error) {
	t, err := a.store.GetTenantByShortcode(code)
	if err != nil {
		return nil, err
	}
	return toServiceTenant(t), nil
}

func (a adminAdapter) UpdateTenant(t *services.Tenant) error {
	return a.store.UpdateTenant(fromServiceTenant(t))
}

func (a adminAdapter) GetQuestion(id string) (*services.Question, error) {
	q, err := a.store.GetQuestion(id)
	if err != nil {
		return nil, err
	}
	return toServiceQuestion(q), nil
}

func (a adminAdapter) InsertQuestion(q *services.Question) (*services.Question, error) {
	stored, err := a.store.InsertQuestion(fromServiceQuestion(q))
	if err != nil {
		return nil, err
	}
	return toServiceQuestion(stored), nil
}

func (a adminAdapter) UpdateQuestion(q *services.Question) error {
	return a.store.UpdateQuestion(fromServiceQuestion(q))
}

func (a adminAdapter) DeleteQuestion(id string) (bool, error) {
	return a.store.DeleteQuestion(id)
}

func (a adminAdapter) ListQuestions(tenantID string) ([]*services.Question, error) {
	qs, err := a.store.ListQuestions(tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*services.Question, 0, len(qs))
	for _, q := range qs {
		out = append(out, toServiceQuestion(q))
	}
	return out, nil
}

func (a adminAdapter) ReorderQuestions(tenantID string, order []string) (bool, error) {
	return a.store.ReorderQuestions(tenantID, order)
}

func (a adminAdapter) AddAudit(entry services.AuditEntry) {
	a.store.AddAudit(AuditEntry{
		Time:   entry.Time,
		Actor:  entry.Actor,
		Action: entry.Action,
		Target: entry.Target,
		Note:   entry.Note,
	})
}

// authAdapter implements services.AuthStore.
type authAdapter struct{ store Store }

func (a authAdapter) FindUserByEmail(email string) (*services.User, error) {
	u, err := a.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	return &services.User{
		ID:        u.ID,
		Email:     u.Email,
		PassHash:  u.PassHash,
		TenantID:  u.TenantID,
		CreatedAt: u.CreatedAt,
	}, nil
}

func (a authAdapter) AddUser(u *services.User) error {
	return a.store.AddUser(&User{
		ID:        u.ID,
		Email:     u.Email,
		PassHash:  u.PassHash,
		TenantID:  u.TenantID,
		CreatedAt: u.CreatedAt,
	})
}

func (a authAdapter) AddTenant(t *services.Tenant) error {
	return a.store.AddTenant(fromServiceTenant(t))
}

func (a authAdapter) GetTenant(id string) (*services.Tenant, error) {
	t, err := a.store.GetTenant(id)
	if err != nil {
		return nil, err
	}
	return toServiceTenant(t), nil
}

func (a authAdapter) GetTenantByShortcode(code string) (*services.Tenant, error) {
	t, err := a.store.GetTenantByShortcode(code)
	if err != nil {
		return nil, err
	}
	return toServiceTenant(t), nil
}
