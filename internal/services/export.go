package services

import (
	"bytes"
	"encoding/csv"
)

// FeedbackRow is one answer of one finalized survey, flattened for export.
type FeedbackRow struct {
	FeedbackID  string
	PhoneNumber string
	QuestionID  string
	Category    string
	Value       string
	CompletedAt string // ISO8601; string for CSV simplicity
}

// ExportFeedbackCSV renders finalized answers into a long-format CSV, one row
// per (survey, question) pair.
func ExportFeedbackCSV(rows []FeedbackRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"feedback_id", "phone_number", "question_id", "category", "value", "completed_at"})
	for _, r := range rows {
		rec := []string{
			r.FeedbackID,
			r.PhoneNumber,
			r.QuestionID,
			r.Category,
			r.Value,
			r.CompletedAt,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// FlattenFeedback expands finalized records into export rows, preserving the
// record order and the per-record answer order.
func FlattenFeedback(records []*FinalizedFeedback) []FeedbackRow {
	rows := make([]FeedbackRow, 0, len(records))
	for _, rec := range records {
		ts := rec.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		for _, a := range rec.Answers {
			rows = append(rows, FeedbackRow{
				FeedbackID:  rec.ID,
				PhoneNumber: rec.PhoneNumber,
				QuestionID:  a.QuestionID,
				Category:    a.Category,
				Value:       a.Value,
				CompletedAt: ts,
			})
		}
	}
	return rows
}
