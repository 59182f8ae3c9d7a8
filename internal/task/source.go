package task

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskwarden/pkg/storage"
	"github.com/kazz187/taskwarden/pkg/werr"
)

// SourceDoc is the task-source document: parsed once at start, rewritten
// exactly at each commit. The in-memory shape stays fixed even if the
// surface file format ever changes.
type SourceDoc struct {
	Version int     `yaml:"version,omitempty"`
	Tasks   []*Task `yaml:"tasks"`
}

// Source reads and rewrites the task-source document through storage.
type Source struct {
	storage storage.Storage
	path    string
}

func NewSource(s storage.Storage, path string) *Source {
	return &Source{storage: s, path: path}
}

// Path returns the storage path of the source document.
func (s *Source) Path() string {
	return s.path
}

// Load parses the task-source document. Declaration order is preserved;
// the store relies on it for priority tie-breaking.
func (s *Source) Load(ctx context.Context) (*SourceDoc, error) {
	data, err := s.storage.Read(ctx, s.path)
	if err != nil {
		return nil, werr.New(werr.NotFound, fmt.Sprintf("task source %s not readable", s.path), err)
	}
	var doc SourceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, werr.New(werr.Invalid, fmt.Sprintf("task source %s is not valid YAML", s.path), err)
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Rewrite writes the document back. Storage writes are atomic
// (temp + rename), so a crash leaves the previous version intact.
func (s *Source) Rewrite(ctx context.Context, doc *SourceDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return werr.New(werr.Internal, "failed to marshal task source", err)
	}
	if err := s.storage.Write(ctx, s.path, data); err != nil {
		return werr.New(werr.Internal, fmt.Sprintf("failed to rewrite task source %s", s.path), err)
	}
	return nil
}

func validate(doc *SourceDoc) error {
	seen := make(map[string]bool)
	var walk func(tasks []*Task) error
	walk = func(tasks []*Task) error {
		for _, t := range tasks {
			if t.ID == "" {
				return werr.Newf(werr.Invalid, "task %q has no id", t.Title)
			}
			if seen[t.ID] {
				return werr.Newf(werr.AlreadyExists, "duplicate task id %s", t.ID)
			}
			seen[t.ID] = true
			if err := walk(t.Subtasks); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(doc.Tasks)
}
