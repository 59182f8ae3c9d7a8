// Package session owns the per-run Session record and its secret token.
// The token is the anti-gaming anchor: every prompt embeds it and every
// completion signal must echo it, proving the claim came from a genuine
// turn of this run rather than a stale transcript or a fabricated tag.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Session is created once per run and owned exclusively by the task loop.
// Only Status and CurrentTaskID mutate after creation.
type Session struct {
	ID               string    `yaml:"id"`
	Token            string    `yaml:"-"` // never persisted
	StartedAt        time.Time `yaml:"started_at"`
	TaskSourceRef    string    `yaml:"task_source_ref"`
	Status           Status    `yaml:"status"`
	CurrentTaskID    string    `yaml:"current_task_id"`
	CompletedTaskIDs []string  `yaml:"completed_task_ids"`
	PendingTaskIDs   []string  `yaml:"pending_task_ids"`
}

// New creates a running session with a fresh token.
func New(taskSourceRef string) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:            ulid.Make().String(),
		Token:         token,
		StartedAt:     time.Now(),
		TaskSourceRef: taskSourceRef,
		Status:        StatusRunning,
	}, nil
}

// GenerateToken derives an unguessable hex token from the current time
// and 32 bytes of crypto/rand entropy, hashed so the raw entropy never
// appears in prompts.
func GenerateToken() (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to read token entropy: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(time.Now().Format(time.RFC3339Nano)))
	h.Write(entropy)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarkCompleted transitions the session to its terminal success state.
func (s *Session) MarkCompleted() {
	s.Status = StatusCompleted
	s.CurrentTaskID = ""
}

// MarkFailed transitions the session to its terminal failure state.
func (s *Session) MarkFailed() {
	s.Status = StatusFailed
}

// MarkAborted records an operator interrupt.
func (s *Session) MarkAborted() {
	s.Status = StatusAborted
}
