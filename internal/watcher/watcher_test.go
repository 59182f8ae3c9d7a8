package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mkProject(t *testing.T, root, name, marker string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, marker), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestInitialScanFindsProjects(t *testing.T) {
	root := t.TempDir()
	goProj := mkProject(t, root, "svc-a", "go.mod")
	nodeProj := mkProject(t, root, "web", "package.json")
	if err := os.MkdirAll(filepath.Join(root, "not-a-project"), 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		w.Wait()
	}()

	got := w.Snapshot()
	want := []string{goProj, nodeProj}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDiscoversNewProject(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		w.Wait()
	}()

	if len(w.Snapshot()) != 0 {
		t.Fatal("expected an empty snapshot")
	}
	proj := mkProject(t, root, "new-svc", "go.mod")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := w.Snapshot()
		if len(snap) == 1 && snap[0] == proj {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("project %s never discovered", proj)
}
