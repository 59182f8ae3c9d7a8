package task

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskwarden/internal/integrity"
	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// Store is the sole writer of task status transitions. All reads of the
// status store are preceded by a digest check and all writes are followed
// by a digest recomputation; the two are never separated.
//
// The store is touched only by the loop goroutine, so it carries no lock.
// External readers must treat the files as eventually-consistent
// snapshots, never as a transactional API.
type Store struct {
	storage    storage.Storage
	guard      *integrity.Guard
	source     *Source
	statusPath string

	doc    *SourceDoc
	status *StatusFile
	// byID indexes every task, including subtasks.
	byID map[string]*Task
	// declOrder maps task id to its position in the flattened declaration
	// order, used to break priority ties.
	declOrder map[string]int
}

// NewStore loads the task source and binds the status store at statusPath.
// If the status store exists it is verified and resumed; otherwise a fresh
// one is created and its digest stored.
func NewStore(ctx context.Context, s storage.Storage, guard *integrity.Guard, source *Source, statusPath, sessionID string) (*Store, error) {
	doc, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}

	st := &Store{
		storage:    s,
		guard:      guard,
		source:     source,
		statusPath: statusPath,
		doc:        doc,
		byID:       make(map[string]*Task),
		declOrder:  make(map[string]int),
	}
	st.index()

	exists, err := s.Exists(ctx, statusPath)
	if err != nil {
		return nil, werr.New(werr.Internal, "failed to stat status store", err)
	}
	if exists {
		if err := st.loadStatus(ctx); err != nil {
			return nil, err
		}
	} else {
		st.status = &StatusFile{
			SessionID: sessionID,
			UpdatedAt: time.Now(),
			Entries:   make(map[string]*StatusEntry),
		}
		for id, t := range st.byID {
			st.status.Entries[id] = &StatusEntry{Passes: t.Passes}
		}
		if err := st.writeStatus(ctx); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (st *Store) index() {
	pos := 0
	var walk func(tasks []*Task)
	walk = func(tasks []*Task) {
		for _, t := range tasks {
			st.byID[t.ID] = t
			st.declOrder[t.ID] = pos
			pos++
			walk(t.Subtasks)
		}
	}
	walk(st.doc.Tasks)
}

// loadStatus verifies the digest and parses the status store.
func (st *Store) loadStatus(ctx context.Context) error {
	if err := st.guard.Check(ctx, st.statusPath); err != nil {
		return err
	}
	data, err := st.storage.Read(ctx, st.statusPath)
	if err != nil {
		return werr.New(werr.Internal, "failed to read status store", err)
	}
	var sf StatusFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return werr.New(werr.Invalid, "status store is not valid YAML", err)
	}
	if sf.Entries == nil {
		sf.Entries = make(map[string]*StatusEntry)
	}
	// Tasks added to the source since the last run get fresh entries.
	for id, t := range st.byID {
		if _, ok := sf.Entries[id]; !ok {
			sf.Entries[id] = &StatusEntry{Passes: t.Passes}
		}
	}
	// Resume: the status store is authoritative over the source copy.
	for id, entry := range sf.Entries {
		if t, ok := st.byID[id]; ok {
			t.Passes = entry.Passes
		}
	}
	st.status = &sf
	return nil
}

// writeStatus persists the status file and recomputes its digest as one
// unit. Callers must have verified the digest before mutating.
func (st *Store) writeStatus(ctx context.Context) error {
	st.status.UpdatedAt = time.Now()
	data, err := yaml.Marshal(st.status)
	if err != nil {
		return werr.New(werr.Internal, "failed to marshal status store", err)
	}
	if err := st.storage.Write(ctx, st.statusPath, data); err != nil {
		return werr.New(werr.Internal, "failed to write status store", err)
	}
	if err := st.guard.Store(ctx, st.statusPath); err != nil {
		return werr.New(werr.Internal, "failed to store status digest", err)
	}
	return nil
}

// NextPending returns the next task to work on: lowest priority value
// first, declaration order breaking ties. A parent with pending subtasks
// is not eligible until every subtask passes. Returns nil when no task
// is pending.
func (st *Store) NextPending() *Task {
	var candidates []*Task
	var walk func(tasks []*Task)
	walk = func(tasks []*Task) {
		for _, t := range tasks {
			walk(t.Subtasks)
			if t.Passes {
				continue
			}
			if subtasksPending(t) {
				continue // subtasks first
			}
			candidates = append(candidates, t)
		}
	}
	walk(st.doc.Tasks)
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return st.declOrder[candidates[i].ID] < st.declOrder[candidates[j].ID]
	})
	return candidates[0]
}

func subtasksPending(t *Task) bool {
	for _, sub := range t.Subtasks {
		if sub.Pending() {
			return true
		}
	}
	return false
}

// PendingIDs lists every task id that still needs work, in selection order.
func (st *Store) PendingIDs() []string {
	var ids []string
	var walk func(tasks []*Task)
	walk = func(tasks []*Task) {
		for _, t := range tasks {
			if t.Pending() {
				ids = append(ids, t.ID)
			}
			walk(t.Subtasks)
		}
	}
	walk(st.doc.Tasks)
	return ids
}

// AllComplete reports whether every task in the source passes.
func (st *Store) AllComplete() bool {
	return len(st.PendingIDs()) == 0
}

// Get returns the task with the given id.
func (st *Store) Get(id string) (*Task, error) {
	t, ok := st.byID[id]
	if !ok {
		return nil, werr.Newf(werr.NotFound, "task %s not found", id)
	}
	return t, nil
}

// Entry returns the status entry for a task id.
func (st *Store) Entry(id string) (*StatusEntry, error) {
	entry, ok := st.status.Entries[id]
	if !ok {
		return nil, werr.Newf(werr.NotFound, "status entry %s not found", id)
	}
	return entry, nil
}

// MarkStarted stamps started_at on first pickup of a task.
func (st *Store) MarkStarted(ctx context.Context, id string) error {
	return st.mutate(ctx, id, func(entry *StatusEntry) {
		if entry.StartedAt == nil {
			now := time.Now()
			entry.StartedAt = &now
		}
	})
}

// IncrementIteration bumps the per-task iteration counter and returns the
// new value.
func (st *Store) IncrementIteration(ctx context.Context, id string) (int, error) {
	var count int
	err := st.mutate(ctx, id, func(entry *StatusEntry) {
		entry.IterationCount++
		count = entry.IterationCount
	})
	return count, err
}

// RecordFailure stores the reason the last iteration was rejected.
func (st *Store) RecordFailure(ctx context.Context, id, reason string) error {
	return st.mutate(ctx, id, func(entry *StatusEntry) {
		entry.LastFailureReason = reason
	})
}

// mutate performs verify → mutate → recompute as one unit.
func (st *Store) mutate(ctx context.Context, id string, fn func(entry *StatusEntry)) error {
	if err := st.guard.Check(ctx, st.statusPath); err != nil {
		return err
	}
	entry, err := st.Entry(id)
	if err != nil {
		return err
	}
	fn(entry)
	return st.writeStatus(ctx)
}

// MarkComplete flips the task to passing and commits both the status
// store (with digest recomputation) and the task-source document. The
// commit is transactional: if either write fails, the already-written
// file is restored and the in-memory state rolled back, so neither side
// is considered committed.
func (st *Store) MarkComplete(ctx context.Context, id string) error {
	if err := st.guard.Check(ctx, st.statusPath); err != nil {
		return err
	}
	t, err := st.Get(id)
	if err != nil {
		return err
	}
	entry, err := st.Entry(id)
	if err != nil {
		return err
	}

	prevStatus, err := st.storage.Read(ctx, st.statusPath)
	if err != nil {
		return werr.New(werr.Internal, "failed to snapshot status store", err)
	}

	now := time.Now()
	prevPasses, prevCompleted := entry.Passes, entry.CompletedAt
	t.Passes = true
	entry.Passes = true
	entry.CompletedAt = &now
	entry.LastFailureReason = ""

	rollback := func() {
		t.Passes = prevPasses
		entry.Passes = prevPasses
		entry.CompletedAt = prevCompleted
	}

	if err := st.writeStatus(ctx); err != nil {
		rollback()
		return err
	}
	if err := st.source.Rewrite(ctx, st.doc); err != nil {
		// Undo the status commit so the two documents stay consistent.
		rollback()
		if restoreErr := st.storage.Write(ctx, st.statusPath, prevStatus); restoreErr == nil {
			_ = st.guard.Store(ctx, st.statusPath)
		}
		return fmt.Errorf("task source commit failed, status rolled back: %w", err)
	}
	return nil
}
