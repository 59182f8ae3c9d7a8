package agent

import (
	"time"

	"github.com/kazz187/taskwarden/internal/signal"
)

// Role is the closed set of agent roles. Representing roles as a tagged
// enum with a static table makes an unknown role a compile-time concern
// rather than a runtime lookup failure.
type Role int

const (
	RoleImplement Role = iota
	RoleTestAuthor
	RoleReview
	RolePlan
	RoleFix
)

func (r Role) String() string {
	switch r {
	case RoleImplement:
		return "implement"
	case RoleTestAuthor:
		return "test-author"
	case RoleReview:
		return "review"
	case RolePlan:
		return "plan"
	case RoleFix:
		return "fix"
	}
	return "unknown"
}

// Contract is the static per-role configuration: which signals the role
// may emit, whether it may write files, and its default budget.
type Contract struct {
	// Accepts lists the signal kinds that count as this role's answer.
	Accepts []signal.Kind
	// WritesAllowed distinguishes read-only roles (review, plan) from
	// roles that modify the working tree.
	WritesAllowed bool
	// DefaultTimeout bounds one turn when configuration doesn't override.
	DefaultTimeout time.Duration
}

var contracts = map[Role]Contract{
	RoleImplement: {
		Accepts:        []signal.Kind{signal.TaskDone},
		WritesAllowed:  true,
		DefaultTimeout: 20 * time.Minute,
	},
	RoleTestAuthor: {
		Accepts:        []signal.Kind{signal.TestsDone},
		WritesAllowed:  true,
		DefaultTimeout: 15 * time.Minute,
	},
	RoleReview: {
		Accepts:        []signal.Kind{signal.ReviewApproved, signal.ReviewRejected},
		WritesAllowed:  false,
		DefaultTimeout: 10 * time.Minute,
	},
	RolePlan: {
		Accepts:        []signal.Kind{signal.PlanReady, signal.PlanBlocked},
		WritesAllowed:  false,
		DefaultTimeout: 10 * time.Minute,
	},
	RoleFix: {
		Accepts:        []signal.Kind{signal.FixDone},
		WritesAllowed:  true,
		DefaultTimeout: 20 * time.Minute,
	},
}

// ContractFor returns the static contract of a role.
func ContractFor(r Role) Contract {
	return contracts[r]
}
