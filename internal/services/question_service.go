package services

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// QuestionAdminStore abstracts persistence for tenant-side survey management.
type QuestionAdminStore interface {
	GetTenant(id string) (*Tenant, error)
	GetTenantByShortcode(code string) (*Tenant, error)
	UpdateTenant(t *Tenant) error
	GetQuestion(id string) (*Question, error)
	InsertQuestion(q *Question) (*Question, error)
	UpdateQuestion(q *Question) error
	DeleteQuestion(id string) (bool, error)
	ListQuestions(tenantID string) ([]*Question, error)
	ReorderQuestions(tenantID string, order []string) (bool, error)
	AddAudit(entry AuditEntry)
}

type QuestionService struct {
	store QuestionAdminStore
	now   func() time.Time
}

func NewQuestionService(store QuestionAdminStore) *QuestionService {
	return &QuestionService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var shortcodeRe = regexp.MustCompile(`^[a-z0-9*#]{2,16}$`)

func (s *QuestionService) CreateQuestion(tenantID string, q *Question) (*Question, error) {
	if tenantID == "" {
		return nil, NewForbiddenError("unauthorized")
	}
	if q == nil {
		return nil, NewInvalidError("question required")
	}
	if err := validateQuestion(q); err != nil {
		return nil, err
	}
	if q.ID == "" {
		q.ID = shortID(8)
	}
	q.TenantID = tenantID
	created, err := s.store.InsertQuestion(q)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return q, nil
	}
	return created, nil
}

func (s *QuestionService) UpdateQuestion(tenantID string, q *Question) (*Question, error) {
	if tenantID == "" {
		return nil, NewForbiddenError("unauthorized")
	}
	if q == nil || strings.TrimSpace(q.ID) == "" {
		return nil, NewInvalidError("question id required")
	}
	existing, err := s.store.GetQuestion(q.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, NewNotFoundError("question not found")
	}
	if existing.TenantID != tenantID {
		return nil, NewForbiddenError("forbidden")
	}
	if err := validateQuestion(q); err != nil {
		return nil, err
	}
	q.TenantID = tenantID
	if err := s.store.UpdateQuestion(q); err != nil {
		return nil, err
	}
	return q, nil
}

func (s *QuestionService) DeleteQuestion(tenantID, id string) error {
	if tenantID == "" {
		return NewForbiddenError("unauthorized")
	}
	existing, err := s.store.GetQuestion(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return NewNotFoundError("question not found")
	}
	if existing.TenantID != tenantID {
		return NewForbiddenError("forbidden")
	}
	ok, err := s.store.DeleteQuestion(id)
	if err != nil {
		return err
	}
	if !ok {
		return NewNotFoundError("question not found")
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: tenantID, Action: "delete_question", Target: id})
	return nil
}

func (s *QuestionService) ListQuestions(tenantID string) ([]*Question, error) {
	if tenantID == "" {
		return nil, NewForbiddenError("unauthorized")
	}
	return s.store.ListQuestions(tenantID)
}

func (s *QuestionService) ReorderQuestions(tenantID string, order []string) (int, error) {
	if tenantID == "" {
		return 0, NewForbiddenError("unauthorized")
	}
	if len(order) == 0 {
		return 0, NewInvalidError("order required")
	}
	for _, id := range order {
		q, err := s.store.GetQuestion(id)
		if err != nil {
			return 0, err
		}
		if q == nil || q.TenantID != tenantID {
			return 0, NewForbiddenError("forbidden")
		}
	}
	ok, err := s.store.ReorderQuestions(tenantID, order)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, NewInvalidError("reorder failed")
	}
	return len(order), nil
}

// UpdateTenantSettings changes the webhook routing shortcode and the closing
// message sent when a survey completes.
func (s *QuestionService) UpdateTenantSettings(tenantID, shortcode, closingMessage string) (*Tenant, error) {
	if tenantID == "" {
		return nil, NewForbiddenError("unauthorized")
	}
	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, NewNotFoundError("tenant not found")
	}
	shortcode = strings.TrimSpace(strings.ToLower(shortcode))
	if shortcode != "" {
		if !shortcodeRe.MatchString(shortcode) {
			return nil, NewInvalidError("shortcode must be 2-16 chars of a-z, 0-9, * or #")
		}
		if other, err := s.store.GetTenantByShortcode(shortcode); err != nil {
			return nil, err
		} else if other != nil && other.ID != tenantID {
			return nil, NewConflictError("shortcode already in use")
		}
		tenant.Shortcode = shortcode
	}
	tenant.ClosingMessage = strings.TrimSpace(closingMessage)
	if err := s.store.UpdateTenant(tenant); err != nil {
		return nil, err
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: tenantID, Action: "update_settings", Target: tenant.Shortcode})
	return tenant, nil
}

func validateQuestion(q *Question) error {
	if strings.TrimSpace(q.Prompt) == "" {
		return NewInvalidError("prompt required")
	}
	switch q.Type {
	case QuestionText:
	case QuestionNumericScale:
		if q.Min >= q.Max {
			return NewInvalidError("numeric_scale requires min < max, got " +
				strconv.Itoa(q.Min) + ".." + strconv.Itoa(q.Max))
		}
	case QuestionSingleChoice:
		if len(q.Options) < 2 {
			return NewInvalidError("single_choice requires at least two options")
		}
		for _, opt := range q.Options {
			if strings.TrimSpace(opt) == "" {
				return NewInvalidError("options must not be blank")
			}
		}
	default:
		return NewInvalidError("unknown question type " + strconv.Quote(string(q.Type)))
	}
	return nil
}
