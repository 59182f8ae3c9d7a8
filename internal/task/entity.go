package task

import "time"

// Task is a work unit loaded from the task source. Passes flips only on
// commit by the task loop, never by the agent.
type Task struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	Priority           int      `yaml:"priority"` // lower runs earlier
	Passes             bool     `yaml:"passes"`
	Notes              string   `yaml:"notes,omitempty"`
	Subtasks           []*Task  `yaml:"subtasks,omitempty"`
}

// Pending reports whether the task still needs work. A parent with
// subtasks is complete only once every subtask passes.
func (t *Task) Pending() bool {
	if len(t.Subtasks) > 0 {
		for _, sub := range t.Subtasks {
			if sub.Pending() {
				return true
			}
		}
		return !t.Passes
	}
	return !t.Passes
}

// StatusEntry is the per-task record in the checksummed status store.
type StatusEntry struct {
	Passes            bool       `yaml:"passes"`
	StartedAt         *time.Time `yaml:"started_at,omitempty"`
	CompletedAt       *time.Time `yaml:"completed_at,omitempty"`
	IterationCount    int        `yaml:"iteration_count"`
	LastFailureReason string     `yaml:"last_failure_reason,omitempty"`
}

// StatusFile is the on-disk shape of the status store.
type StatusFile struct {
	SessionID string                  `yaml:"session_id"`
	UpdatedAt time.Time               `yaml:"updated_at"`
	Entries   map[string]*StatusEntry `yaml:"entries"`
}
