package werr

// Code classifies an error according to the loop's recovery policy.
type Code int

const (
	OK Code = iota

	// Integrity means the status store digest did not match. Fatal: the
	// run aborts immediately and the error is never retried.
	Integrity

	// SignalMissing means the agent turn produced no completion tag.
	// Recoverable with generic retry feedback.
	SignalMissing

	// SignalInvalid means a tag had the right shape but the wrong token.
	// Recoverable, but flagged as a security event.
	SignalInvalid

	// Guardrail means the test-authoring role touched paths outside its
	// allow-list. The changes are reverted and the turn retried.
	Guardrail

	// Gate means a quality gate failed. Its captured output becomes
	// retry feedback for the implementation role.
	Gate

	// Service means a managed service failed to start or turn healthy.
	// Recoverable inside the fix loop's own budget.
	Service

	// Timeout means a subprocess exceeded its hard deadline. Treated as
	// SignalMissing at the loop level.
	Timeout

	// Exhausted means an iteration budget ran out. Terminal for that
	// task or phase.
	Exhausted

	// Infrastructure codes.
	NotFound
	AlreadyExists
	Invalid
	Internal
)

var codeNames = map[Code]string{
	OK:            "ok",
	Integrity:     "integrity",
	SignalMissing: "signal_missing",
	SignalInvalid: "signal_invalid",
	Guardrail:     "guardrail",
	Gate:          "gate",
	Service:       "service",
	Timeout:       "timeout",
	Exhausted:     "exhausted",
	NotFound:      "not_found",
	AlreadyExists: "already_exists",
	Invalid:       "invalid",
	Internal:      "internal",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Fatal reports whether errors with this code must abort the run without
// any further agent interaction.
func (c Code) Fatal() bool {
	return c == Integrity
}

// Recoverable reports whether the loop may retry after this error.
func (c Code) Recoverable() bool {
	switch c {
	case SignalMissing, SignalInvalid, Guardrail, Gate, Service, Timeout:
		return true
	}
	return false
}
