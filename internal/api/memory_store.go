package api

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store, used in tests and as the
// zero-setup development backend.
type MemoryStore struct {
	mu          sync.RWMutex
	tenants     map[string]*Tenant
	users       map[string]*User // keyed by lowercase email
	questions   map[string]*Question
	sessions    map[string]*Session // keyed by tenant|phone
	feedback    []*Feedback
	feedbackIDs map[string]bool // session ids already archived
	audit       []AuditEntry
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     map[string]*Tenant{},
		users:       map[string]*User{},
		questions:   map[string]*Question{},
		sessions:    map[string]*Session{},
		feedback:    []*Feedback{},
		feedbackIDs: map[string]bool{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func sessionKey(tenantID, phone string) string { return tenantID + "|" + phone }

func copySession(s *Session) *Session {
	cp := *s
	cp.Answers = map[string]string{}
	for k, v := range s.Answers {
		cp.Answers[k] = v
	}
	return &cp
}

func copyQuestion(q *Question) *Question {
	cp := *q
	cp.Options = append([]string(nil), q.Options...)
	return &cp
}

// --- tenants & users ---

func (s *MemoryStore) AddTenant(t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTenant(id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetTenantByShortcode(code string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Shortcode == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateTenant(t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) AddUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[strings.ToLower(u.Email)] = &cp
	return nil
}

func (s *MemoryStore) FindUserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[strings.ToLower(email)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

// --- questions ---

func (s *MemoryStore) InsertQuestion(q *Question) (*Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyQuestion(q)
	if cp.Position == 0 {
		max := 0
		for _, other := range s.questions {
			if other.TenantID == cp.TenantID && other.Position > max {
				max = other.Position
			}
		}
		cp.Position = max + 1
	}
	s.questions[cp.ID] = cp
	return copyQuestion(cp), nil
}

func (s *MemoryStore) GetQuestion(id string) (*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.questions[id]; ok {
		return copyQuestion(q), nil
	}
	return nil, nil
}

func (s *MemoryStore) UpdateQuestion(q *Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = copyQuestion(q)
	return nil
}

func (s *MemoryStore) DeleteQuestion(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[id]; !ok {
		return false, nil
	}
	delete(s.questions, id)
	return true, nil
}

func (s *MemoryStore) ListQuestions(tenantID string) ([]*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Question{}
	for _, q := range s.questions {
		if q.TenantID == tenantID {
			out = append(out, copyQuestion(q))
		}
	}
	sortQuestionSlice(out)
	return out, nil
}

func (s *MemoryStore) ListActiveQuestions(tenantID string) ([]*Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Question{}
	for _, q := range s.questions {
		if q.TenantID == tenantID && q.Active {
			out = append(out, copyQuestion(q))
		}
	}
	sortQuestionSlice(out)
	return out, nil
}

func (s *MemoryStore) ReorderQuestions(tenantID string, order []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := 1
	seen := map[string]bool{}
	for _, id := range order {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		q, ok := s.questions[id]
		if !ok || q.TenantID != tenantID {
			continue
		}
		q.Position = pos
		seen[id] = true
		pos++
	}
	// Remaining questions keep their relative order after the listed ones.
	rest := []*Question{}
	for _, q := range s.questions {
		if q.TenantID == tenantID && !seen[q.ID] {
			rest = append(rest, q)
		}
	}
	sortQuestionSlice(rest)
	for _, q := range rest {
		q.Position = pos
		pos++
	}
	return true, nil
}

func sortQuestionSlice(qs []*Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Position == qs[j].Position {
			return qs[i].ID < qs[j].ID
		}
		return qs[i].Position < qs[j].Position
	})
}

// --- sessions ---

func (s *MemoryStore) FindActiveSession(_ context.Context, tenantID, phone string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.sessions[sessionKey(tenantID, phone)]
	if stored == nil || stored.Status != "in_progress" || !s.now().Before(stored.ExpiresAt) {
		return nil, nil
	}
	return copySession(stored), nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(sess.TenantID, sess.PhoneNumber)
	if stored := s.sessions[key]; stored != nil && stored.Status == "in_progress" && s.now().Before(stored.ExpiresAt) {
		return ErrSessionConflict
	}
	s.sessions[key] = copySession(sess)
	return nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(sess.TenantID, sess.PhoneNumber)
	stored := s.sessions[key]
	if stored == nil || stored.ID != sess.ID || stored.Version != sess.Version {
		return ErrSessionConflict
	}
	cp := copySession(sess)
	cp.Version++
	s.sessions[key] = cp
	return nil
}

// --- feedback ---

func (s *MemoryStore) RecordCompletedSurvey(_ context.Context, fb *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feedbackIDs[fb.SessionID] {
		return nil
	}
	cp := *fb
	cp.Answers = append([]FeedbackAnswer(nil), fb.Answers...)
	s.feedback = append(s.feedback, &cp)
	s.feedbackIDs[fb.SessionID] = true
	return nil
}

func (s *MemoryStore) ListFeedback(tenantID string) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Feedback{}
	for _, fb := range s.feedback {
		if fb.TenantID == tenantID {
			cp := *fb
			cp.Answers = append([]FeedbackAnswer(nil), fb.Answers...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- audit ---

func (s *MemoryStore) AddAudit(e AuditEntry) {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
}

func (s *MemoryStore) ListAudit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
