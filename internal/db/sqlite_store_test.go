package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sautiflow/sautiflow/internal/api"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := RunMigrations(conn, ""); err != nil {
		t.Fatal(err)
	}
	store, err := NewSQLiteStore(conn)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func seedTenant(t *testing.T, store *SQLiteStore) *api.Tenant {
	t.Helper()
	tenant := &api.Tenant{ID: "t1", Name: "Mama Njeri Cafe", Shortcode: "sv001", ClosingMessage: "Asante sana!"}
	if err := store.AddTenant(tenant); err != nil {
		t.Fatal(err)
	}
	return tenant
}

func TestSQLiteTenantLookup(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store)

	got, err := store.GetTenantByShortcode("sv001")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "t1" || got.ClosingMessage != "Asante sana!" {
		t.Fatalf("unexpected tenant: %+v", got)
	}
	missing, err := store.GetTenant("nope")
	if err != nil || missing != nil {
		t.Fatalf("missing tenant = %+v, %v", missing, err)
	}
}

func TestSQLiteQuestionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store)

	q := &api.Question{ID: "q1", TenantID: "t1", Type: "single_choice", Prompt: "Visit again?", Options: []string{"Yes", "No"}, Active: true}
	if _, err := store.InsertQuestion(q); err != nil {
		t.Fatal(err)
	}
	if q.Position != 1 {
		t.Fatalf("auto position = %d, want 1", q.Position)
	}
	q2 := &api.Question{ID: "q2", TenantID: "t1", Type: "text", Prompt: "Any comments?", Active: false}
	if _, err := store.InsertQuestion(q2); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.GetQuestion("q1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Options) != 2 || loaded.Options[1] != "No" {
		t.Fatalf("options lost in round trip: %+v", loaded)
	}

	active, err := store.ListActiveQuestions("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "q1" {
		t.Fatalf("active list = %+v", active)
	}

	if ok, err := store.DeleteQuestion("q1"); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, _ := store.DeleteQuestion("q1"); ok {
		t.Fatal("second delete reported success")
	}
}

func TestSQLiteSessionCAS(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store)
	ctx := context.Background()
	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	sess := &api.Session{
		ID: "s1", TenantID: "t1", PhoneNumber: "+254700000001",
		Answers: map[string]string{}, Status: "in_progress",
		ExpiresAt: base.Add(30 * time.Minute), CreatedAt: base, UpdatedAt: base,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	dup := *sess
	dup.ID = "s2"
	if err := store.CreateSession(ctx, &dup); !errors.Is(err, api.ErrSessionConflict) {
		t.Fatalf("duplicate create err = %v", err)
	}

	loaded, err := store.FindActiveSession(ctx, "t1", "+254700000001")
	if err != nil || loaded == nil {
		t.Fatalf("find: %+v, %v", loaded, err)
	}
	loaded.CurrentIndex = 1
	loaded.Answers["q1"] = "4"
	if err := store.UpdateSession(ctx, loaded); err != nil {
		t.Fatal(err)
	}

	stale := *sess // still version 0
	stale.CurrentIndex = 9
	if err := store.UpdateSession(ctx, &stale); !errors.Is(err, api.ErrSessionConflict) {
		t.Fatalf("stale update err = %v", err)
	}

	reloaded, _ := store.FindActiveSession(ctx, "t1", "+254700000001")
	if reloaded.Version != 1 || reloaded.CurrentIndex != 1 || reloaded.Answers["q1"] != "4" {
		t.Fatalf("unexpected session: %+v", reloaded)
	}

	// Past the expiry the row is invisible and the slot reusable.
	store.now = func() time.Time { return base.Add(31 * time.Minute) }
	if got, _ := store.FindActiveSession(ctx, "t1", "+254700000001"); got != nil {
		t.Fatalf("expired session visible: %+v", got)
	}
	fresh := *sess
	fresh.ID = "s3"
	fresh.ExpiresAt = base.Add(61 * time.Minute)
	if err := store.CreateSession(ctx, &fresh); err != nil {
		t.Fatalf("create over expired row: %v", err)
	}
	if got, _ := store.FindActiveSession(ctx, "t1", "+254700000001"); got == nil || got.ID != "s3" {
		t.Fatalf("fresh session not visible: %+v", got)
	}
}

func TestSQLiteFirstContactRace(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store)
	ctx := context.Background()
	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := &api.Session{
				ID: "race-" + string(rune('a'+i)), TenantID: "t1", PhoneNumber: "+254700000009",
				Answers: map[string]string{}, Status: "in_progress",
				ExpiresAt: base.Add(30 * time.Minute), CreatedAt: base, UpdatedAt: base,
			}
			errs[i] = store.CreateSession(ctx, sess)
		}(i)
	}
	wg.Wait()

	created := 0
	for i, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, api.ErrSessionConflict):
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if created != 1 {
		t.Fatalf("racing creates succeeded %d times, want exactly 1", created)
	}
	var live int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM sms_sessions
		WHERE tenant_id = 't1' AND phone_number = '+254700000009' AND status = 'in_progress'`).Scan(&live); err != nil {
		t.Fatal(err)
	}
	if live != 1 {
		t.Fatalf("in_progress rows = %d, want 1", live)
	}
}

func TestSQLiteFeedbackDedupe(t *testing.T) {
	store := newTestStore(t)
	seedTenant(t, store)
	ctx := context.Background()
	completed := time.Date(2025, 11, 3, 10, 5, 0, 0, time.UTC)

	fb := &api.Feedback{
		ID: "f1", TenantID: "t1", PhoneNumber: "+254700000001", SessionID: "s1", CompletedAt: completed,
		Answers: []api.FeedbackAnswer{
			{QuestionID: "q1", TenantID: "t1", Category: "satisfaction", Value: "4"},
			{QuestionID: "q2", TenantID: "t1", Category: "general", Value: "great service"},
		},
	}
	if err := store.RecordCompletedSurvey(ctx, fb); err != nil {
		t.Fatal(err)
	}
	retry := *fb
	retry.ID = "f2"
	if err := store.RecordCompletedSurvey(ctx, &retry); err != nil {
		t.Fatal(err)
	}

	out, err := store.ListFeedback("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "f1" {
		t.Fatalf("dedupe failed: %+v", out)
	}
	if len(out[0].Answers) != 2 || out[0].Answers[0].Value != "4" {
		t.Fatalf("answers lost: %+v", out[0].Answers)
	}
}
