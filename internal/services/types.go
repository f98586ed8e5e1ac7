package services

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type QuestionType string

const (
	QuestionText         QuestionType = "text"
	QuestionNumericScale QuestionType = "numeric_scale"
	QuestionSingleChoice QuestionType = "single_choice"
)

// Question is one entry in a tenant's ordered survey.
type Question struct {
	ID       string
	TenantID string
	Position int
	Type     QuestionType
	Prompt   string
	Options  []string // single_choice only
	Min      int      // numeric_scale only
	Max      int      // numeric_scale only
	Category string
	Active   bool
}

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// Session is the durable state of one respondent's walk through a tenant's
// question list. Version backs optimistic concurrency on updates.
type Session struct {
	ID           string
	TenantID     string
	PhoneNumber  string
	CurrentIndex int
	Answers      map[string]string // question id -> recorded value
	Status       SessionStatus
	ExpiresAt    time.Time
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FinalizedFeedback is written exactly once when a session completes naturally.
type FinalizedFeedback struct {
	ID          string
	TenantID    string
	PhoneNumber string
	SessionID   string
	CompletedAt time.Time
	Answers     []FeedbackAnswer
}

type FeedbackAnswer struct {
	QuestionID string
	TenantID   string
	Category   string
	Value      string
}

type Tenant struct {
	ID             string
	Name           string
	Shortcode      string
	ClosingMessage string
}

type User struct {
	ID        string
	Email     string
	PassHash  []byte
	TenantID  string
	CreatedAt time.Time
}

type AuditEntry struct {
	Time   time.Time
	Actor  string
	Action string
	Target string
	Note   string
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
