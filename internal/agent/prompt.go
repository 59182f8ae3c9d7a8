package agent

import (
	"fmt"
	"strings"

	"github.com/kazz187/taskwarden/internal/signal"
	"github.com/kazz187/taskwarden/internal/task"
)

// PromptInput is everything a role prompt is built from. Feedback carries
// the structured rejection context of the previous iteration; Warning is
// the escalation appended after an invalid-token security event.
type PromptInput struct {
	Task     *task.Task
	Token    string
	Feedback string
	Warning  string
	// Plan carries the planning role's output into the fix role.
	Plan string
	// CheckOutput carries failing check output into the planning role.
	CheckOutput string
}

// BuildPrompt renders the role-specific prompt. Every prompt embeds the
// session token and the exact completion markers the role must emit;
// an agent that cannot echo the token cannot claim completion.
func BuildPrompt(role Role, in PromptInput) string {
	var b strings.Builder

	switch role {
	case RoleImplement:
		b.WriteString("You are the implementation agent.\n\n")
		writeTask(&b, in.Task)
		b.WriteString("Implement this task completely. Do not write tests; a separate role does that.\n")
	case RoleTestAuthor:
		b.WriteString("You are the test-authoring agent.\n\n")
		writeTask(&b, in.Task)
		b.WriteString("Write tests covering the acceptance criteria. " +
			"You may only create or modify test files; any other change will be reverted.\n")
	case RoleReview:
		b.WriteString("You are the review agent. You must not modify any files.\n\n")
		writeTask(&b, in.Task)
		b.WriteString("Review the implementation and tests against the acceptance criteria.\n")
	case RolePlan:
		b.WriteString("You are the diagnostic planning agent. You must not modify any files.\n\n")
		if in.CheckOutput != "" {
			b.WriteString("The following checks are failing:\n")
			b.WriteString(in.CheckOutput)
			b.WriteString("\n")
		}
		b.WriteString("Diagnose the failures and propose a concrete fix plan.\n")
	case RoleFix:
		b.WriteString("You are the fix agent.\n\n")
		if in.Plan != "" {
			b.WriteString("Apply this plan:\n")
			b.WriteString(in.Plan)
			b.WriteString("\n")
		}
		if in.CheckOutput != "" {
			b.WriteString("Failing check output:\n")
			b.WriteString(in.CheckOutput)
			b.WriteString("\n")
		}
	}

	if in.Feedback != "" {
		b.WriteString("\nYour previous attempt was rejected:\n")
		b.WriteString(in.Feedback)
		b.WriteString("\n")
	}
	if in.Warning != "" {
		b.WriteString("\n")
		b.WriteString(in.Warning)
		b.WriteString("\n")
	}

	b.WriteString("\nWhen you are done, emit exactly one of the following markers as the last line of your output:\n")
	for _, kind := range ContractFor(role).Accepts {
		fmt.Fprintf(&b, "  %s\n", signal.Marker(kind, in.Token))
	}
	b.WriteString("The token must be echoed exactly as shown. Emitting a marker without finishing the work is a protocol violation and will be detected.\n")
	return b.String()
}

func writeTask(b *strings.Builder, t *task.Task) {
	if t == nil {
		return
	}
	fmt.Fprintf(b, "Task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(b, "%s\n", t.Description)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, ac := range t.AcceptanceCriteria {
			fmt.Fprintf(b, "- %s\n", ac)
		}
	}
	if t.Notes != "" {
		fmt.Fprintf(b, "Notes: %s\n", t.Notes)
	}
	b.WriteString("\n")
}

// InvalidTokenWarning is the escalation injected after a signal carried
// the wrong token.
const InvalidTokenWarning = "SECURITY WARNING: your previous completion marker carried a token that does not " +
	"belong to this session. Completion claims are only accepted with the exact token from this prompt. " +
	"Do not fabricate, reuse or guess tokens."
