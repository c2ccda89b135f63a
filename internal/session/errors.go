package session

import "errors"

// Control-call errors returned synchronously to the caller. They never leave
// the session row in a partial state.
var (
	ErrPlanNotEligible   = errors.New("subscription plan does not allow auto-trading")
	ErrModeNotAllowed    = errors.New("trading mode not allowed by subscription plan")
	ErrInvalidDuration   = errors.New("pause duration must be between 1 and 1440 minutes")
	ErrNotPaused         = errors.New("session is not paused")
	ErrAlreadyDisabled   = errors.New("session is already disabled")
	ErrInvalidTransition = errors.New("illegal session state transition")
)
