// Package timeline is the append-only audit trail of a run. Every state
// transition, signal outcome, guardrail event, gate result and service
// event gets one JSONL record; the file is never rewritten, only
// appended, so a partial run still leaves a forensically usable log.
package timeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// EventType classifies timeline records.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionFinished  EventType = "session_finished"
	EventTaskTransition   EventType = "task_transition"
	EventSignalOutcome    EventType = "signal_outcome"
	EventGuardrailRevert  EventType = "guardrail_revert"
	EventGateReport       EventType = "gate_report"
	EventServiceEvent     EventType = "service_event"
	EventFixLoopIteration EventType = "fixloop_iteration"
)

// Event is one audit record. Detail is free-shape but must be
// JSON-marshalable; signal tokens must never appear in it.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Timeline appends events to a local JSONL file. It is used from the
// single loop goroutine only and carries no lock.
type Timeline struct {
	sessionID string
	path      string
	file      *os.File
	w         *bufio.Writer
}

// Open creates or appends to the timeline file at path.
func Open(path, sessionID string) (*Timeline, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, werr.New(werr.Internal, "failed to create timeline directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, werr.New(werr.Internal, "failed to open timeline", err)
	}
	return &Timeline{
		sessionID: sessionID,
		path:      path,
		file:      f,
		w:         bufio.NewWriter(f),
	}, nil
}

// Append records one event. Append failures are logged, not returned:
// the audit trail must never block or fail the run it documents.
func (t *Timeline) Append(evType EventType, taskID string, detail map[string]any) {
	ev := Event{
		ID:        ulid.Make().String(),
		SessionID: t.sessionID,
		Type:      evType,
		TaskID:    taskID,
		At:        time.Now(),
		Detail:    detail,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal timeline event", "type", evType, "error", err)
		return
	}
	if _, err := t.w.Write(append(data, '\n')); err != nil {
		slog.Warn("failed to append timeline event", "type", evType, "error", err)
	}
}

// Flush forces buffered events to disk.
func (t *Timeline) Flush() error {
	if err := t.w.Flush(); err != nil {
		return werr.New(werr.Internal, "failed to flush timeline", err)
	}
	return t.file.Sync()
}

// Close flushes and closes the underlying file.
func (t *Timeline) Close() error {
	if err := t.Flush(); err != nil {
		_ = t.file.Close()
		return err
	}
	return t.file.Close()
}

// Archive copies the closed timeline to the storage backend under
// timelines/<session-id>.jsonl. Call after Close.
func (t *Timeline) Archive(ctx context.Context, store storage.Storage) error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return werr.New(werr.Internal, "failed to read timeline for archive", err)
	}
	key := fmt.Sprintf("timelines/%s.jsonl", t.sessionID)
	if err := store.Write(ctx, key, data); err != nil {
		return werr.New(werr.Internal, "failed to archive timeline", err)
	}
	slog.Info("timeline archived", "key", key, "bytes", len(data))
	return nil
}
