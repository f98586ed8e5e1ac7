package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/sautiflow/sautiflow/internal/api"
)

const timeFormat = time.RFC3339Nano

// SQLiteStore implements api.Store on a single sqlite database. Session
// updates rely on a compare-and-swap over the version column.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func NewStore(db *sql.DB) (api.Store, error) {
	return NewSQLiteStore(db)
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- tenants & users ---

func (s *SQLiteStore) AddTenant(t *api.Tenant) error {
	_, err := s.db.Exec(`INSERT INTO tenants (id, name, shortcode, closing_message) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Shortcode, t.ClosingMessage)
	return err
}

func (s *SQLiteStore) GetTenant(id string) (*api.Tenant, error) {
	return s.scanTenant(s.db.QueryRow(`SELECT id, name, shortcode, closing_message FROM tenants WHERE id = ?`, id))
}

func (s *SQLiteStore) GetTenantByShortcode(code string) (*api.Tenant, error) {
	return s.scanTenant(s.db.QueryRow(`SELECT id, name, shortcode, closing_message FROM tenants WHERE shortcode = ?`, code))
}

func (s *SQLiteStore) scanTenant(row *sql.Row) (*api.Tenant, error) {
	var t api.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Shortcode, &t.ClosingMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateTenant(t *api.Tenant) error {
	_, err := s.db.Exec(`UPDATE tenants SET name = ?, shortcode = ?, closing_message = ? WHERE id = ?`,
		t.Name, t.Shortcode, t.ClosingMessage, t.ID)
	return err
}

func (s *SQLiteStore) AddUser(u *api.User) error {
	_, err := s.db.Exec(`INSERT INTO users (id, email, pass_hash, tenant_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PassHash, u.TenantID, fmtTime(u.CreatedAt))
	return err
}

func (s *SQLiteStore) FindUserByEmail(email string) (*api.User, error) {
	var u api.User
	var created string
	err := s.db.QueryRow(`SELECT id, email, pass_hash, tenant_id, created_at FROM users WHERE email = ? COLLATE NOCASE`, email).
		Scan(&u.ID, &u.Email, &u.PassHash, &u.TenantID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// --- questions ---

func (s *SQLiteStore) InsertQuestion(q *api.Question) (*api.Question, error) {
	if q.Position == 0 {
		var max sql.NullInt64
		if err := s.db.QueryRow(`SELECT MAX(position) FROM questions WHERE tenant_id = ?`, q.TenantID).Scan(&max); err != nil {
			return nil, err
		}
		q.Position = int(max.Int64) + 1
	}
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO questions (id, tenant_id, position, type, prompt, options, min, max, category, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TenantID, q.Position, q.Type, q.Prompt, string(opts), q.Min, q.Max, q.Category, boolToInt(q.Active))
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *SQLiteStore) GetQuestion(id string) (*api.Question, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, position, type, prompt, options, min, max, category, active
		FROM questions WHERE id = ?`, id)
	q, err := scanQuestion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

func (s *SQLiteStore) UpdateQuestion(q *api.Question) error {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE questions SET position = ?, type = ?, prompt = ?, options = ?, min = ?, max = ?, category = ?, active = ?
		WHERE id = ?`,
		q.Position, q.Type, q.Prompt, string(opts), q.Min, q.Max, q.Category, boolToInt(q.Active), q.ID)
	return err
}

func (s *SQLiteStore) DeleteQuestion(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM questions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListQuestions(tenantID string) ([]*api.Question, error) {
	return s.queryQuestions(`SELECT id, tenant_id, position, type, prompt, options, min, max, category, active
		FROM questions WHERE tenant_id = ? ORDER BY position, id`, tenantID)
}

func (s *SQLiteStore) ListActiveQuestions(tenantID string) ([]*api.Question, error) {
	return s.queryQuestions(`SELECT id, tenant_id, position, type, prompt, options, min, max, category, active
		FROM questions WHERE tenant_id = ? AND active = 1 ORDER BY position, id`, tenantID)
}

func (s *SQLiteStore) queryQuestions(query string, args ...any) ([]*api.Question, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*api.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanQuestion(scan func(dest ...any) error) (*api.Question, error) {
	var q api.Question
	var opts string
	var active int
	if err := scan(&q.ID, &q.TenantID, &q.Position, &q.Type, &q.Prompt, &opts, &q.Min, &q.Max, &q.Category, &active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
		log.Printf("sqlite store: question %s options: %v", q.ID, err)
		q.Options = nil
	}
	q.Active = active != 0
	return &q, nil
}

func (s *SQLiteStore) ReorderQuestions(tenantID string, order []string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	pos := 1
	for _, id := range order {
		res, err := tx.Exec(`UPDATE questions SET position = ? WHERE id = ? AND tenant_id = ?`, pos, id, tenantID)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			pos++
		}
	}
	return true, tx.Commit()
}

// --- sessions ---

func (s *SQLiteStore) FindActiveSession(ctx context.Context, tenantID, phone string) (*api.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, phone_number, current_index, answers, status, expires_at, version, created_at, updated_at
		FROM sms_sessions WHERE tenant_id = ? AND phone_number = ? AND status = 'in_progress'
		ORDER BY created_at DESC LIMIT 1`, tenantID, phone)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Lazy expiry: expired rows are simply invisible.
	if !s.now().Before(sess.ExpiresAt) {
		return nil, nil
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *api.Session) error {
	// An expired in_progress row would trip the unique active-session index,
	// so retire it first. The update is id-scoped; racing creators retiring
	// the same row is harmless.
	var staleID, staleExpires string
	err := s.db.QueryRowContext(ctx, `SELECT id, expires_at FROM sms_sessions
		WHERE tenant_id = ? AND phone_number = ? AND status = 'in_progress'`,
		sess.TenantID, sess.PhoneNumber).Scan(&staleID, &staleExpires)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil {
		if s.now().Before(parseTime(staleExpires)) {
			return api.ErrSessionConflict
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE sms_sessions SET status = 'expired', updated_at = ?
			WHERE id = ? AND status = 'in_progress'`, fmtTime(s.now()), staleID); err != nil {
			return err
		}
	}
	answers, err := json.Marshal(sess.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sms_sessions (id, tenant_id, phone_number, current_index, answers, status, expires_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.PhoneNumber, sess.CurrentIndex, string(answers), sess.Status,
		fmtTime(sess.ExpiresAt), sess.Version, fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt))
	// The unique active-session index serializes racing first contacts: the
	// loser's insert fails the constraint and surfaces as a conflict.
	if isConstraintErr(err) {
		return api.ErrSessionConflict
	}
	return err
}

func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *api.Session) error {
	answers, err := json.Marshal(sess.Answers)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sms_sessions
		SET current_index = ?, answers = ?, status = ?, expires_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		sess.CurrentIndex, string(answers), sess.Status, fmtTime(sess.ExpiresAt), fmtTime(sess.UpdatedAt),
		sess.ID, sess.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrSessionConflict
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (*api.Session, error) {
	var sess api.Session
	var answers, expires, created, updated string
	if err := scan(&sess.ID, &sess.TenantID, &sess.PhoneNumber, &sess.CurrentIndex, &answers,
		&sess.Status, &expires, &sess.Version, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &sess.Answers); err != nil {
		return nil, fmt.Errorf("decode session %s answers: %w", sess.ID, err)
	}
	sess.ExpiresAt = parseTime(expires)
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

// --- feedback ---

func (s *SQLiteStore) RecordCompletedSurvey(ctx context.Context, fb *api.Feedback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO feedback (id, tenant_id, phone_number, session_id, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		fb.ID, fb.TenantID, fb.PhoneNumber, fb.SessionID, fmtTime(fb.CompletedAt))
	if err != nil {
		return err
	}
	// Zero rows means this session was already archived; the retry is a no-op.
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}
	for i, a := range fb.Answers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO feedback_answers (feedback_id, pos, question_id, tenant_id, category, value)
			VALUES (?, ?, ?, ?, ?, ?)`,
			fb.ID, i, a.QuestionID, a.TenantID, a.Category, a.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListFeedback(tenantID string) ([]*api.Feedback, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, phone_number, session_id, completed_at
		FROM feedback WHERE tenant_id = ? ORDER BY completed_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*api.Feedback{}
	byID := map[string]*api.Feedback{}
	for rows.Next() {
		var fb api.Feedback
		var completed string
		if err := rows.Scan(&fb.ID, &fb.TenantID, &fb.PhoneNumber, &fb.SessionID, &completed); err != nil {
			return nil, err
		}
		fb.CompletedAt = parseTime(completed)
		fb.Answers = []api.FeedbackAnswer{}
		out = append(out, &fb)
		byID[fb.ID] = &fb
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.Query(`SELECT fa.feedback_id, fa.question_id, fa.tenant_id, fa.category, fa.value
		FROM feedback_answers fa JOIN feedback f ON f.id = fa.feedback_id
		WHERE f.tenant_id = ? ORDER BY fa.feedback_id, fa.pos`, tenantID)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		var fid string
		var a api.FeedbackAnswer
		if err := arows.Scan(&fid, &a.QuestionID, &a.TenantID, &a.Category, &a.Value); err != nil {
			return nil, err
		}
		if fb, ok := byID[fid]; ok {
			fb.Answers = append(fb.Answers, a)
		}
	}
	return out, arows.Err()
}

// --- audit ---

func (s *SQLiteStore) AddAudit(e api.AuditEntry) {
	_, err := s.db.Exec(`INSERT INTO audit_log (ts, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		fmtTime(e.Time), e.Actor, e.Action, e.Target, e.Note)
	if err != nil {
		log.Printf("sqlite store: add audit: %v", err)
	}
}

func (s *SQLiteStore) ListAudit() []api.AuditEntry {
	rows, err := s.db.Query(`SELECT ts, actor, action, target, note FROM audit_log ORDER BY ts`)
	if err != nil {
		log.Printf("sqlite store: list audit: %v", err)
		return nil
	}
	defer rows.Close()
	out := []api.AuditEntry{}
	for rows.Next() {
		var e api.AuditEntry
		var ts string
		if err := rows.Scan(&ts, &e.Actor, &e.Action, &e.Target, &e.Note); err != nil {
			log.Printf("sqlite store: scan audit: %v", err)
			return out
		}
		e.Time = parseTime(ts)
		out = append(out, e)
	}
	return out
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ api.Store = (*SQLiteStore)(nil)
