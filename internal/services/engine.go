package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrVersionConflict is returned by SessionStore.CreateSession when an active
// session already exists for the key, and by UpdateSession when the stored
// session changed since it was read.
var ErrVersionConflict = errors.New("session version conflict")

// TenantCatalog is the read-only side the engine needs: tenant settings and
// the ordered active question list. The list is assumed stable for the
// duration of one invocation.
type TenantCatalog interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListActiveQuestions(ctx context.Context, tenantID string) ([]*Question, error)
}

// SessionStore persists survey sessions keyed by (tenant, phone number).
// FindActiveSession must treat expired sessions as absent.
type SessionStore interface {
	FindActiveSession(ctx context.Context, tenantID, phone string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
}

// FeedbackArchive receives the finalized record of a completed survey.
// RecordCompletedSurvey must be idempotent with respect to SessionID so that
// a retried finalization never duplicates output.
type FeedbackArchive interface {
	RecordCompletedSurvey(ctx context.Context, fb *FinalizedFeedback) error
}

type ReplyKind string

const (
	ReplyContinue ReplyKind = "continue"
	ReplyEnd      ReplyKind = "end"
)

// Reply is the single outbound message produced per inbound message. The
// transport layer renders Kind as its gateway convention (CON/END).
type Reply struct {
	Kind ReplyKind
	Text string
}

const (
	sessionTTL  = 30 * time.Minute
	stopKeyword = "STOP"

	defaultClosingMessage = "Thank you for your feedback!"
	defaultCategory       = "general"

	msgNoSurvey      = "There is no survey available right now. Goodbye."
	msgUnavailable   = "This survey is not available right now. Please try again later."
	msgStopConfirmed = "You have opted out of this survey. Goodbye."
)

// SurveyEngine walks one respondent through a tenant's question list, one
// inbound message at a time, over a stateless request/response transport.
type SurveyEngine struct {
	catalog  TenantCatalog
	sessions SessionStore
	archive  FeedbackArchive
	now      func() time.Time
	idGen    func() string
}

func NewSurveyEngine(catalog TenantCatalog, sessions SessionStore, archive FeedbackArchive) *SurveyEngine {
	return &SurveyEngine{
		catalog:  catalog,
		sessions: sessions,
		archive:  archive,
		now:      func() time.Time { return time.Now().UTC() },
		idGen:    func() string { return shortID(12) },
	}
}

// HandleMessage processes one inbound message and returns exactly one reply.
// Storage failures are returned as errors; everything else becomes a
// respondent-visible Reply.
func (e *SurveyEngine) HandleMessage(ctx context.Context, tenantID, phone, text string) (*Reply, error) {
	tenant, err := e.catalog.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return nil, NewNotFoundError("tenant not found")
	}
	questions, err := e.catalog.ListActiveQuestions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	sortQuestions(questions)
	if len(questions) == 0 {
		log.Printf("survey engine: tenant %s has no active questions", tenantID)
		return &Reply{Kind: ReplyEnd, Text: msgNoSurvey}, nil
	}
	if err := checkQuestionSet(questions); err != nil {
		log.Printf("survey engine: tenant %s question config: %v", tenantID, err)
		return &Reply{Kind: ReplyEnd, Text: msgUnavailable}, nil
	}

	sess, err := e.sessions.FindActiveSession(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	reply, err := e.step(ctx, tenant, questions, sess, phone, text)
	if errors.Is(err, ErrVersionConflict) {
		// Another invocation advanced the session between our read and write
		// (duplicate gateway delivery). Do not consume the message again:
		// re-read and repeat whatever the session now awaits. The recovery
		// pass is read-only, so it cannot conflict in turn.
		return e.reprompt(ctx, tenant, questions, tenantID, phone)
	}
	return reply, err
}

// step runs one read-modify-write pass over the session. A ErrVersionConflict
// from the store means this pass lost a race and made no changes.
func (e *SurveyEngine) step(ctx context.Context, tenant *Tenant, questions []*Question, sess *Session, phone, text string) (*Reply, error) {
	now := e.now()

	if sess == nil {
		sess = &Session{
			ID:           e.idGen(),
			TenantID:     tenant.ID,
			PhoneNumber:  phone,
			CurrentIndex: 0,
			Answers:      map[string]string{},
			Status:       SessionInProgress,
			ExpiresAt:    now.Add(sessionTTL),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.sessions.CreateSession(ctx, sess); err != nil {
			return nil, err
		}
		return &Reply{Kind: ReplyContinue, Text: FormatPrompt(questions[0])}, nil
	}

	if strings.EqualFold(strings.TrimSpace(text), stopKeyword) {
		sess.Status = SessionCompleted
		sess.UpdatedAt = now
		if err := e.sessions.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
		return &Reply{Kind: ReplyEnd, Text: msgStopConfirmed}, nil
	}

	if sess.CurrentIndex < len(questions) {
		q := questions[sess.CurrentIndex]
		value, verr := ParseAnswer(q, text)
		if verr != nil {
			// Validation failure: same question again, nothing persisted.
			return &Reply{Kind: ReplyContinue, Text: verr.Error() + "\n" + FormatPrompt(q)}, nil
		}
		sess.Answers[q.ID] = value
		sess.CurrentIndex++
		sess.ExpiresAt = now.Add(sessionTTL)
		sess.UpdatedAt = now
	}

	if sess.CurrentIndex < len(questions) {
		if err := e.sessions.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
		return &Reply{Kind: ReplyContinue, Text: FormatPrompt(questions[sess.CurrentIndex])}, nil
	}

	// Survey exhausted: archive first (idempotent on session id), then mark
	// the session completed. A crash in between leaves the session
	// in_progress; the retried message re-archives as a no-op and completes.
	if err := e.archive.RecordCompletedSurvey(ctx, e.buildFeedback(sess, questions, now)); err != nil {
		return nil, fmt.Errorf("record feedback: %w", err)
	}
	sess.Status = SessionCompleted
	sess.UpdatedAt = now
	if err := e.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &Reply{Kind: ReplyEnd, Text: closingMessage(tenant)}, nil
}

// reprompt re-reads the session after a lost race and repeats its current
// prompt without recording anything.
func (e *SurveyEngine) reprompt(ctx context.Context, tenant *Tenant, questions []*Question, tenantID, phone string) (*Reply, error) {
	sess, err := e.sessions.FindActiveSession(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if sess == nil || sess.CurrentIndex >= len(questions) {
		// The racing invocation finished the survey.
		return &Reply{Kind: ReplyEnd, Text: closingMessage(tenant)}, nil
	}
	return &Reply{Kind: ReplyContinue, Text: FormatPrompt(questions[sess.CurrentIndex])}, nil
}

func (e *SurveyEngine) buildFeedback(sess *Session, questions []*Question, completedAt time.Time) *FinalizedFeedback {
	fb := &FinalizedFeedback{
		ID:          e.idGen(),
		TenantID:    sess.TenantID,
		PhoneNumber: sess.PhoneNumber,
		SessionID:   sess.ID,
		CompletedAt: completedAt,
	}
	// One child per recorded answer, in question order.
	for _, q := range questions {
		value, ok := sess.Answers[q.ID]
		if !ok {
			continue
		}
		category := q.Category
		if category == "" {
			category = defaultCategory
		}
		fb.Answers = append(fb.Answers, FeedbackAnswer{
			QuestionID: q.ID,
			TenantID:   sess.TenantID,
			Category:   category,
			Value:      value,
		})
	}
	return fb
}

func closingMessage(t *Tenant) string {
	if strings.TrimSpace(t.ClosingMessage) != "" {
		return t.ClosingMessage
	}
	return defaultClosingMessage
}

func sortQuestions(qs []*Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Position == qs[j].Position {
			return qs[i].ID < qs[j].ID
		}
		return qs[i].Position < qs[j].Position
	})
}

// checkQuestionSet rejects malformed question metadata up front so the engine
// never has to guess mid-survey.
func checkQuestionSet(qs []*Question) error {
	for _, q := range qs {
		switch q.Type {
		case QuestionText:
		case QuestionNumericScale:
			if q.Min >= q.Max {
				return fmt.Errorf("question %s: numeric_scale bounds %d..%d", q.ID, q.Min, q.Max)
			}
		case QuestionSingleChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("question %s: single_choice without options", q.ID)
			}
		default:
			return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
		}
	}
	return nil
}

// ParseAnswer validates text against the question's type and returns the value
// to record. The returned error is respondent-facing.
func ParseAnswer(q *Question, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	switch q.Type {
	case QuestionText:
		return trimmed, nil
	case QuestionNumericScale:
		n, err := strconv.Atoi(trimmed)
		if err != nil || n < q.Min || n > q.Max {
			return "", fmt.Errorf("Please reply with a number between %d and %d.", q.Min, q.Max)
		}
		return strconv.Itoa(n), nil
	case QuestionSingleChoice:
		if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(q.Options) {
			return q.Options[n-1], nil
		}
		for _, opt := range q.Options {
			if strings.EqualFold(opt, trimmed) {
				return opt, nil
			}
		}
		return "", errors.New("Please reply with the number of one of the listed options.")
	default:
		return "", errors.New("This question cannot be answered right now.")
	}
}

// FormatPrompt renders the outbound prompt for a question: numeric scales get
// their allowed range appended, choices a numbered option list.
func FormatPrompt(q *Question) string {
	switch q.Type {
	case QuestionNumericScale:
		return fmt.Sprintf("%s (%d-%d)", q.Prompt, q.Min, q.Max)
	case QuestionSingleChoice:
		var b strings.Builder
		b.WriteString(q.Prompt)
		for i, opt := range q.Options {
			b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt))
		}
		return b.String()
	default:
		return q.Prompt
	}
}
