package session

import "testing"

func TestNewSession(t *testing.T) {
	s, err := New("tasks.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == "" {
		t.Error("session needs an id")
	}
	if len(s.Token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(s.Token))
	}
	if s.Status != StatusRunning {
		t.Errorf("status = %s, want running", s.Status)
	}
}

func TestTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		if err != nil {
			t.Fatal(err)
		}
		if seen[token] {
			t.Fatal("token collision")
		}
		seen[token] = true
	}
}

func TestTerminalTransitions(t *testing.T) {
	s, err := New("tasks.yaml")
	if err != nil {
		t.Fatal(err)
	}
	s.CurrentTaskID = "T-001"
	s.MarkCompleted()
	if s.Status != StatusCompleted || s.CurrentTaskID != "" {
		t.Errorf("after MarkCompleted: %+v", s)
	}

	s.MarkFailed()
	if s.Status != StatusFailed {
		t.Errorf("status = %s", s.Status)
	}
	s.MarkAborted()
	if s.Status != StatusAborted {
		t.Errorf("status = %s", s.Status)
	}
}
