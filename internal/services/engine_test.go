package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubCatalog struct {
	tenant    *Tenant
	questions []*Question
}

func (c *stubCatalog) GetTenant(_ context.Context, id string) (*Tenant, error) {
	if c.tenant != nil && c.tenant.ID == id {
		cp := *c.tenant
		return &cp, nil
	}
	return nil, nil
}

func (c *stubCatalog) ListActiveQuestions(_ context.Context, tenantID string) ([]*Question, error) {
	out := make([]*Question, 0, len(c.questions))
	for _, q := range c.questions {
		if q.TenantID == tenantID && q.Active {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

type stubSessionStore struct {
	sessions map[string]*Session
	now      func() time.Time

	// interceptUpdate, when set, runs before an update is applied; returning a
	// non-nil error rejects the write. Cleared after one use.
	interceptUpdate func(stored *Session) error

	// interceptCreate, when set, runs before a create; it can install a
	// racing winner's session and reject the write. Cleared after one use.
	interceptCreate func() error
}

func newStubSessionStore(now func() time.Time) *stubSessionStore {
	return &stubSessionStore{sessions: map[string]*Session{}, now: now}
}

func sessKey(tenantID, phone string) string { return tenantID + "|" + phone }

func (s *stubSessionStore) FindActiveSession(_ context.Context, tenantID, phone string) (*Session, error) {
	stored := s.sessions[sessKey(tenantID, phone)]
	if stored == nil || stored.Status != SessionInProgress || !s.now().Before(stored.ExpiresAt) {
		return nil, nil
	}
	cp := *stored
	cp.Answers = map[string]string{}
	for k, v := range stored.Answers {
		cp.Answers[k] = v
	}
	return &cp, nil
}

func (s *stubSessionStore) CreateSession(ctx context.Context, sess *Session) error {
	if s.interceptCreate != nil {
		hook := s.interceptCreate
		s.interceptCreate = nil
		if err := hook(); err != nil {
			return err
		}
	}
	if existing, _ := s.FindActiveSession(ctx, sess.TenantID, sess.PhoneNumber); existing != nil {
		return ErrVersionConflict
	}
	cp := *sess
	s.sessions[sessKey(sess.TenantID, sess.PhoneNumber)] = &cp
	return nil
}

func (s *stubSessionStore) UpdateSession(_ context.Context, sess *Session) error {
	key := sessKey(sess.TenantID, sess.PhoneNumber)
	stored := s.sessions[key]
	if stored == nil || stored.ID != sess.ID {
		return ErrVersionConflict
	}
	if s.interceptUpdate != nil {
		hook := s.interceptUpdate
		s.interceptUpdate = nil
		if err := hook(stored); err != nil {
			return err
		}
	}
	if stored.Version != sess.Version {
		return ErrVersionConflict
	}
	cp := *sess
	cp.Version++
	cp.Answers = map[string]string{}
	for k, v := range sess.Answers {
		cp.Answers[k] = v
	}
	s.sessions[key] = &cp
	return nil
}

type stubArchive struct {
	records []*FinalizedFeedback
	failErr error
}

func (a *stubArchive) RecordCompletedSurvey(_ context.Context, fb *FinalizedFeedback) error {
	if a.failErr != nil {
		err := a.failErr
		a.failErr = nil
		return err
	}
	for _, r := range a.records {
		if r.SessionID == fb.SessionID {
			return nil // idempotent
		}
	}
	cp := *fb
	cp.Answers = append([]FeedbackAnswer(nil), fb.Answers...)
	a.records = append(a.records, &cp)
	return nil
}

type engineFixture struct {
	engine   *SurveyEngine
	catalog  *stubCatalog
	sessions *stubSessionStore
	archive  *stubArchive
	clock    time.Time
}

func newEngineFixture(t *testing.T, questions []*Question) *engineFixture {
	t.Helper()
	f := &engineFixture{
		catalog: &stubCatalog{
			tenant:    &Tenant{ID: "t1", Name: "Acme", Shortcode: "sv001"},
			questions: questions,
		},
		archive: &stubArchive{},
		clock:   time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
	}
	f.sessions = newStubSessionStore(func() time.Time { return f.clock })
	f.engine = NewSurveyEngine(f.catalog, f.sessions, f.archive)
	f.engine.now = func() time.Time { return f.clock }
	n := 0
	f.engine.idGen = func() string {
		n++
		return "id" + strings.Repeat("0", 3) + string(rune('a'+n-1))
	}
	return f
}

func (f *engineFixture) send(t *testing.T, text string) *Reply {
	t.Helper()
	reply, err := f.engine.HandleMessage(context.Background(), "t1", "+254700000001", text)
	if err != nil {
		t.Fatalf("HandleMessage(%q) returned error: %v", text, err)
	}
	return reply
}

func (f *engineFixture) session() *Session {
	return f.sessions.sessions[sessKey("t1", "+254700000001")]
}

func twoQuestions() []*Question {
	return []*Question{
		{ID: "q0", TenantID: "t1", Position: 1, Type: QuestionNumericScale, Prompt: "Rate us", Min: 1, Max: 5, Active: true},
		{ID: "q1", TenantID: "t1", Position: 2, Type: QuestionText, Prompt: "Any comments?", Active: true},
	}
}

func TestSurveyWalkthrough(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())

	reply := f.send(t, "")
	if reply.Kind != ReplyContinue || reply.Text != "Rate us (1-5)" {
		t.Fatalf("first contact reply = %+v", reply)
	}

	reply = f.send(t, "7")
	if reply.Kind != ReplyContinue || !strings.Contains(reply.Text, "Rate us (1-5)") {
		t.Fatalf("out-of-range reply = %+v", reply)
	}
	if sess := f.session(); sess.CurrentIndex != 0 || len(sess.Answers) != 0 {
		t.Fatalf("validation failure advanced session: %+v", sess)
	}

	reply = f.send(t, "4")
	if reply.Kind != ReplyContinue || reply.Text != "Any comments?" {
		t.Fatalf("advance reply = %+v", reply)
	}
	sess := f.session()
	if sess.CurrentIndex != 1 || sess.Answers["q0"] != "4" {
		t.Fatalf("session after first answer: %+v", sess)
	}

	reply = f.send(t, "great service")
	if reply.Kind != ReplyEnd || reply.Text != defaultClosingMessage {
		t.Fatalf("final reply = %+v", reply)
	}
	sess = f.session()
	if sess.Status != SessionCompleted {
		t.Fatalf("session not completed: %+v", sess)
	}
	if len(f.archive.records) != 1 {
		t.Fatalf("archive records = %d, want 1", len(f.archive.records))
	}
	rec := f.archive.records[0]
	if rec.SessionID != sess.ID || rec.PhoneNumber != "+254700000001" {
		t.Fatalf("finalized record = %+v", rec)
	}
	if len(rec.Answers) != 2 {
		t.Fatalf("finalized answers = %d, want 2", len(rec.Answers))
	}
	if rec.Answers[0].QuestionID != "q0" || rec.Answers[0].Value != "4" {
		t.Fatalf("answer 0 = %+v", rec.Answers[0])
	}
	if rec.Answers[1].QuestionID != "q1" || rec.Answers[1].Value != "great service" {
		t.Fatalf("answer 1 = %+v", rec.Answers[1])
	}
	if rec.Answers[0].Category != defaultCategory {
		t.Fatalf("category = %q, want %q", rec.Answers[0].Category, defaultCategory)
	}
}

func TestStopCancelsSessionWithoutFeedback(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())
	f.send(t, "")
	f.send(t, "4")

	reply := f.send(t, "  stop ")
	if reply.Kind != ReplyEnd || reply.Text != msgStopConfirmed {
		t.Fatalf("stop reply = %+v", reply)
	}
	if sess := f.session(); sess.Status != SessionCompleted {
		t.Fatalf("stop did not complete session: %+v", sess)
	}
	if len(f.archive.records) != 0 {
		t.Fatalf("cancelled session produced feedback: %+v", f.archive.records)
	}

	// Next contact starts over rather than resuming the cancelled session.
	reply = f.send(t, "")
	if reply.Kind != ReplyContinue || reply.Text != "Rate us (1-5)" {
		t.Fatalf("post-stop reply = %+v", reply)
	}
	if sess := f.session(); sess.CurrentIndex != 0 || len(sess.Answers) != 0 {
		t.Fatalf("post-stop session = %+v", sess)
	}
}

func TestCompletedSessionIsNeverResurrected(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())
	f.send(t, "")
	f.send(t, "4")
	f.send(t, "fine")

	completedID := f.session().ID
	reply := f.send(t, "hello again")
	if reply.Kind != ReplyContinue || reply.Text != "Rate us (1-5)" {
		t.Fatalf("reply after completion = %+v", reply)
	}
	sess := f.session()
	if sess.ID == completedID {
		t.Fatalf("completed session was reused")
	}
	if sess.CurrentIndex != 0 || len(sess.Answers) != 0 {
		t.Fatalf("fresh session = %+v", sess)
	}
	if len(f.archive.records) != 1 {
		t.Fatalf("archive records = %d, want 1", len(f.archive.records))
	}
}

func TestExpiredSessionIsTreatedAsAbsent(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())
	f.send(t, "")
	staleID := f.session().ID

	f.clock = f.clock.Add(31 * time.Minute)
	reply := f.send(t, "4")
	if reply.Kind != ReplyContinue || reply.Text != "Rate us (1-5)" {
		t.Fatalf("reply after expiry = %+v", reply)
	}
	sess := f.session()
	if sess.ID == staleID {
		t.Fatalf("expired session was resumed")
	}
	if len(sess.Answers) != 0 {
		t.Fatalf("message after expiry was recorded as answer: %+v", sess.Answers)
	}
}

func TestAnswerRefreshesExpiry(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())
	f.send(t, "")
	f.clock = f.clock.Add(20 * time.Minute)
	f.send(t, "4")
	want := f.clock.Add(sessionTTL)
	if got := f.session().ExpiresAt; !got.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", got, want)
	}
}

func TestZeroQuestionsCreatesNoSession(t *testing.T) {
	f := newEngineFixture(t, nil)
	reply := f.send(t, "")
	if reply.Kind != ReplyEnd || reply.Text != msgNoSurvey {
		t.Fatalf("reply = %+v", reply)
	}
	if len(f.sessions.sessions) != 0 {
		t.Fatalf("session row created for tenant with no questions")
	}
}

func TestMalformedQuestionConfig(t *testing.T) {
	cases := []*Question{
		{ID: "bad", TenantID: "t1", Position: 1, Type: QuestionNumericScale, Prompt: "Rate", Active: true}, // missing bounds
		{ID: "bad", TenantID: "t1", Position: 1, Type: QuestionSingleChoice, Prompt: "Pick", Active: true}, // no options
		{ID: "bad", TenantID: "t1", Position: 1, Type: "emoji", Prompt: "React", Active: true},
	}
	for _, q := range cases {
		f := newEngineFixture(t, []*Question{q})
		reply := f.send(t, "")
		if reply.Kind != ReplyEnd || reply.Text != msgUnavailable {
			t.Fatalf("type %q: reply = %+v", q.Type, reply)
		}
		if len(f.sessions.sessions) != 0 {
			t.Fatalf("type %q: session created despite bad config", q.Type)
		}
	}
}

func TestUnknownTenant(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())
	_, err := f.engine.HandleMessage(context.Background(), "nope", "+254700000001", "")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("err = %v, want not_found service error", err)
	}
}

func TestSingleChoiceAnswers(t *testing.T) {
	questions := []*Question{
		{ID: "c0", TenantID: "t1", Position: 1, Type: QuestionSingleChoice, Prompt: "How did you hear about us?",
			Options: []string{"Radio", "A friend", "Online"}, Active: true},
	}
	f := newEngineFixture(t, questions)

	reply := f.send(t, "")
	want := "How did you hear about us?\n1. Radio\n2. A friend\n3. Online"
	if reply.Text != want {
		t.Fatalf("choice prompt = %q, want %q", reply.Text, want)
	}

	reply = f.send(t, "maybe")
	if reply.Kind != ReplyContinue || !strings.Contains(reply.Text, "1. Radio") {
		t.Fatalf("invalid choice reply = %+v", reply)
	}

	reply = f.send(t, "2")
	if reply.Kind != ReplyEnd {
		t.Fatalf("choice by index reply = %+v", reply)
	}
	if got := f.archive.records[0].Answers[0].Value; got != "A friend" {
		t.Fatalf("recorded choice = %q, want %q", got, "A friend")
	}
}

func TestSingleChoiceByText(t *testing.T) {
	questions := []*Question{
		{ID: "c0", TenantID: "t1", Position: 1, Type: QuestionSingleChoice, Prompt: "Pick one",
			Options: []string{"Yes", "No"}, Active: true},
	}
	f := newEngineFixture(t, questions)
	f.send(t, "")
	f.send(t, "no")
	if got := f.archive.records[0].Answers[0].Value; got != "No" {
		t.Fatalf("recorded choice = %q, want %q", got, "No")
	}
}

func TestDuplicateDeliveryAdvancesOnce(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())
	f.send(t, "")

	// Simulate a racing duplicate: the other invocation records the same
	// answer and bumps the version just before our write lands.
	f.sessions.interceptUpdate = func(stored *Session) error {
		stored.Answers["q0"] = "4"
		stored.CurrentIndex = 1
		stored.Version++
		return nil
	}
	reply := f.send(t, "4")
	if reply.Kind != ReplyContinue || reply.Text != "Any comments?" {
		t.Fatalf("loser reply = %+v, want re-prompt of advanced question", reply)
	}
	sess := f.session()
	if sess.CurrentIndex != 1 || len(sess.Answers) != 1 || sess.Answers["q0"] != "4" {
		t.Fatalf("session after duplicate delivery = %+v", sess)
	}
}

func TestFirstContactRaceReprompts(t *testing.T) {
	f := newEngineFixture(t, twoQuestions())

	// Simulate racing first contacts: the other invocation's session lands
	// just before our insert, which the store rejects.
	f.sessions.interceptCreate = func() error {
		now := f.clock
		f.sessions.sessions[sessKey("t1", "+254700000001")] = &Session{
			ID: "winner", TenantID: "t1", PhoneNumber: "+254700000001",
			Answers: map[string]string{}, Status: SessionInProgress,
			ExpiresAt: now.Add(30 * time.Minute), CreatedAt: now, UpdatedAt: now,
		}
		return ErrVersionConflict
	}

	reply := f.send(t, "")
	if reply.Kind != ReplyContinue || reply.Text != "Rate us (1-5)" {
		t.Fatalf("loser reply = %+v, want re-prompt of first question", reply)
	}
	if sess := f.session(); sess == nil || sess.ID != "winner" {
		t.Fatalf("losing create clobbered the winner: %+v", sess)
	}
}

func TestQuestionOrderingByPositionThenID(t *testing.T) {
	questions := []*Question{
		{ID: "zz", TenantID: "t1", Position: 2, Type: QuestionText, Prompt: "Second", Active: true},
		{ID: "b", TenantID: "t1", Position: 1, Type: QuestionText, Prompt: "Tie B", Active: true},
		{ID: "a", TenantID: "t1", Position: 1, Type: QuestionText, Prompt: "Tie A", Active: true},
	}
	f := newEngineFixture(t, questions)
	if reply := f.send(t, ""); reply.Text != "Tie A" {
		t.Fatalf("first prompt = %q, want %q", reply.Text, "Tie A")
	}
	if reply := f.send(t, "x"); reply.Text != "Tie B" {
		t.Fatalf("second prompt = %q, want %q", reply.Text, "Tie B")
	}
	if reply := f.send(t, "y"); reply.Text != "Second" {
		t.Fatalf("third prompt = %q, want %q", reply.Text, "Second")
	}
}

func TestTenantClosingMessage(t *testing.T) {
	f := newEngineFixture(t, []*Question{
		{ID: "q0", TenantID: "t1", Position: 1, Type: QuestionText, Prompt: "Say hi", Active: true},
	})
	f.catalog.tenant.ClosingMessage = "Asante sana!"
	f.send(t, "")
	reply := f.send(t, "hi")
	if reply.Kind != ReplyEnd || reply.Text != "Asante sana!" {
		t.Fatalf("closing reply = %+v", reply)
	}
}

func TestFinalizationRetriesAfterArchiveFailure(t *testing.T) {
	f := newEngineFixture(t, []*Question{
		{ID: "q0", TenantID: "t1", Position: 1, Type: QuestionText, Prompt: "Say hi", Active: true},
	})
	f.send(t, "")

	f.archive.failErr = errors.New("archive down")
	if _, err := f.engine.HandleMessage(context.Background(), "t1", "+254700000001", "hi"); err == nil {
		t.Fatalf("expected error while archive is down")
	}
	if sess := f.session(); sess.Status != SessionInProgress {
		t.Fatalf("session completed despite archive failure: %+v", sess)
	}

	// Gateway retry of the same message: archives and completes.
	reply := f.send(t, "hi")
	if reply.Kind != ReplyEnd {
		t.Fatalf("retry reply = %+v", reply)
	}
	if len(f.archive.records) != 1 {
		t.Fatalf("archive records = %d, want 1", len(f.archive.records))
	}
	if got := len(f.archive.records[0].Answers); got != 1 {
		t.Fatalf("finalized answers = %d, want 1", got)
	}
	if sess := f.session(); sess.Status != SessionCompleted {
		t.Fatalf("retry did not complete session: %+v", sess)
	}
}

func TestParseAnswerTable(t *testing.T) {
	numeric := &Question{Type: QuestionNumericScale, Min: 1, Max: 5}
	choice := &Question{Type: QuestionSingleChoice, Options: []string{"Red", "Blue"}}
	text := &Question{Type: QuestionText}

	cases := []struct {
		name    string
		q       *Question
		in      string
		want    string
		wantErr bool
	}{
		{"numeric ok", numeric, " 3 ", "3", false},
		{"numeric low", numeric, "0", "", true},
		{"numeric high", numeric, "6", "", true},
		{"numeric junk", numeric, "three", "", true},
		{"choice index", choice, "1", "Red", false},
		{"choice text", choice, "blue", "Blue", false},
		{"choice bad index", choice, "3", "", true},
		{"choice junk", choice, "green", "", true},
		{"text passthrough", text, "  anything goes  ", "anything goes", false},
		{"text empty", text, "", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAnswer(tc.q, tc.in)
		if tc.wantErr != (err != nil) {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: value = %q, want %q", tc.name, got, tc.want)
		}
	}
}
