// Package signal extracts and validates the completion markers an agent
// emits to claim a phase is done. The grammar is a closed set and token
// comparison is exact: a tag with the right shape but the wrong token is
// rejected as a security event, and no fuzzy or partial matching is ever
// performed.
package signal

import (
	"fmt"
	"regexp"
)

// Kind identifies one of the closed set of signal kinds.
type Kind string

const (
	TaskDone       Kind = "task-done"
	TestsDone      Kind = "tests-done"
	ReviewApproved Kind = "review-approved"
	ReviewRejected Kind = "review-rejected"
	FixDone        Kind = "fix-done"
	PlanReady      Kind = "plan-ready"
	PlanBlocked    Kind = "plan-blocked"
)

var knownKinds = map[Kind]bool{
	TaskDone:       true,
	TestsDone:      true,
	ReviewApproved: true,
	ReviewRejected: true,
	FixDone:        true,
	PlanReady:      true,
	PlanBlocked:    true,
}

// Outcome classifies a validation attempt.
type Outcome int

const (
	// Valid: the expected kind appeared with an exactly matching token.
	Valid Outcome = iota
	// InvalidToken: correct shape, wrong token. Security event; the
	// iteration is rejected with a stronger warning in the next prompt.
	InvalidToken
	// NoSignal: no tag of an expected kind was present. Generic retry.
	NoSignal
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case InvalidToken:
		return "invalid_token"
	case NoSignal:
		return "no_signal"
	}
	return "unknown"
}

// Signal is an ephemeral marker extracted from agent output. It is never
// persisted.
type Signal struct {
	Kind  Kind
	Token string
}

// Marker renders the tag an agent must emit for kind with token.
// Prompts include this verbatim so the agent has no excuse to improvise.
func Marker(kind Kind, token string) string {
	return fmt.Sprintf("[[taskwarden:%s token=%s]]", kind, token)
}

// tagPattern matches the full signal shape. The token charset is wider
// than hex on purpose: a tag carrying a malformed token must classify as
// invalid_token, not disappear into no_signal.
var tagPattern = regexp.MustCompile(`\[\[taskwarden:([a-z-]+) token=([A-Za-z0-9_-]+)\]\]`)

// Extract scans raw output for tags of the given kinds and returns the
// last occurrence, mirroring how an agent's final claim supersedes
// anything it said earlier in the turn.
func Extract(output string, kinds ...Kind) (Signal, bool) {
	wanted := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var found Signal
	var ok bool
	for _, m := range tagPattern.FindAllStringSubmatch(output, -1) {
		kind := Kind(m[1])
		if !knownKinds[kind] {
			continue
		}
		if len(wanted) > 0 && !wanted[kind] {
			continue
		}
		found = Signal{Kind: kind, Token: m[2]}
		ok = true
	}
	return found, ok
}

// Validator checks extracted signals against the session token.
type Validator struct {
	token string
}

func NewValidator(sessionToken string) *Validator {
	return &Validator{token: sessionToken}
}

// Validate scans output for one of the accepted kinds and classifies the
// result. When the outcome is Valid the returned signal carries the kind
// that matched.
func (v *Validator) Validate(output string, accepted ...Kind) (Signal, Outcome) {
	sig, ok := Extract(output, accepted...)
	if !ok {
		return Signal{}, NoSignal
	}
	if sig.Token != v.token {
		return sig, InvalidToken
	}
	return sig, Valid
}
