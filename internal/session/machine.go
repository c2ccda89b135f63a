package session

import (
	"time"

	"autotrade-core/pkg/db"
)

// transitions is the legal edge set of the session state machine. Every write
// to auto_sessions goes through CanTransition; nothing bypasses it.
var transitions = map[string][]string{
	db.SessionDisabled:         {db.SessionActive},
	db.SessionActive:           {db.SessionPaused, db.SessionEmergencyStopped, db.SessionDisabled},
	db.SessionPaused:           {db.SessionActive, db.SessionEmergencyStopped, db.SessionDisabled},
	db.SessionEmergencyStopped: {db.SessionActive, db.SessionDisabled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EffectiveStatus resolves lazy pause expiry: a paused session whose deadline
// has passed reads as active. Pure; identical whether observed via polling or
// the periodic sweep.
func EffectiveStatus(s db.Session, now time.Time) string {
	if s.Status == db.SessionPaused && s.PausedUntil != nil && !now.Before(*s.PausedUntil) {
		return db.SessionActive
	}
	return s.Status
}
