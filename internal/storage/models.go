package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SourceRef identifies a record cited by an assistant turn.
type SourceRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Turn is one side of a question/answer exchange in a conversation.
type Turn struct {
	ConversationID string
	SequenceKey    string // "<timestamp>_<role>"
	Role           string
	Text           string
	Sources        []SourceRef
	CreatedAt      time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobStats counts jobs by status.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
