package agent

import (
	"strings"
	"testing"

	"github.com/kazz187/taskwarden/internal/signal"
	"github.com/kazz187/taskwarden/internal/task"
)

const token = "f00dbabe"

func sampleTask() *task.Task {
	return &task.Task{
		ID:                 "T-007",
		Title:              "Add login throttling",
		Description:        "Limit failed logins per account.",
		AcceptanceCriteria: []string{"lockout after 5 failures", "audit log entry per lockout"},
	}
}

func TestPromptEmbedsExactMarkers(t *testing.T) {
	for _, role := range []Role{RoleImplement, RoleTestAuthor, RoleReview, RolePlan, RoleFix} {
		t.Run(role.String(), func(t *testing.T) {
			prompt := BuildPrompt(role, PromptInput{Task: sampleTask(), Token: token})
			for _, kind := range ContractFor(role).Accepts {
				marker := signal.Marker(kind, token)
				if !strings.Contains(prompt, marker) {
					t.Errorf("prompt must contain %s verbatim", marker)
				}
			}
		})
	}
}

func TestPromptCarriesTaskDetail(t *testing.T) {
	prompt := BuildPrompt(RoleImplement, PromptInput{Task: sampleTask(), Token: token})
	for _, want := range []string{"T-007", "Add login throttling", "lockout after 5 failures"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPromptAppendsFeedbackAndWarning(t *testing.T) {
	prompt := BuildPrompt(RoleImplement, PromptInput{
		Task:     sampleTask(),
		Token:    token,
		Feedback: "gate lint failed: unused variable",
		Warning:  InvalidTokenWarning,
	})
	if !strings.Contains(prompt, "gate lint failed") {
		t.Error("rejection feedback must appear in the retry prompt")
	}
	if !strings.Contains(prompt, "SECURITY WARNING") {
		t.Error("the escalation warning must appear after a token forgery")
	}
}

func TestReadOnlyRolesAreMarked(t *testing.T) {
	for _, role := range []Role{RoleReview, RolePlan} {
		if ContractFor(role).WritesAllowed {
			t.Errorf("%s must be read-only", role)
		}
		prompt := BuildPrompt(role, PromptInput{Task: sampleTask(), Token: token})
		if !strings.Contains(prompt, "must not modify") {
			t.Errorf("%s prompt must state the read-only constraint", role)
		}
	}
}

func TestContractsAreClosed(t *testing.T) {
	seen := map[signal.Kind]Role{}
	for _, role := range []Role{RoleImplement, RoleTestAuthor, RoleReview, RolePlan, RoleFix} {
		c := ContractFor(role)
		if len(c.Accepts) == 0 {
			t.Errorf("%s accepts no signals", role)
		}
		if c.DefaultTimeout <= 0 {
			t.Errorf("%s has no default timeout", role)
		}
		for _, kind := range c.Accepts {
			if prev, dup := seen[kind]; dup {
				t.Errorf("signal %s claimed by both %s and %s", kind, prev, role)
			}
			seen[kind] = role
		}
	}
}
