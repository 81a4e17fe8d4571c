package entities

import "time"

type Reason string

const (
	ReasonNone                   Reason = "none"
	ReasonUserLimitExceeded      Reason = "user_limit_exceeded"
	ReasonNoAccountAvailable     Reason = "no_account_available"
	ReasonSystemLocked           Reason = "system_locked"
	ReasonInsufficientPermission Reason = "insufficient_permission"
)

// SafetyDecision is the gate's verdict for one send. Account is set iff Allowed.
type SafetyDecision struct {
	Allowed bool     `json:"allowed"`
	Reason  Reason   `json:"reason"`
	Account *Account `json:"selected_account,omitempty"`
}

func Deny(r Reason) SafetyDecision {
	return SafetyDecision{Reason: r}
}

func Allow(a Account) SafetyDecision {
	return SafetyDecision{Allowed: true, Reason: ReasonNone, Account: &a}
}

type LockKind string

const (
	LockManual LockKind = "manual"
	LockLimit  LockKind = "limit"
)

// LockState is the persisted global safety lock.
type LockState struct {
	Locked   bool      `json:"locked"`
	Kind     LockKind  `json:"kind,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	LockedAt time.Time `json:"locked_at,omitempty"`
}
