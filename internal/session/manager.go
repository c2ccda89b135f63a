// Package session owns the per-user auto-trading session state machine.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"autotrade-core/internal/events"
	"autotrade-core/internal/evaluator"
	"autotrade-core/internal/notify"
	"autotrade-core/pkg/db"
)

// Canceller cancels every pending trade for a user; invoked on emergency stop.
// Implemented by the orchestrator so broker wiring stays out of this package.
type Canceller interface {
	CancelAllPending(ctx context.Context, userID, reason string) (int, error)
}

// Manager serializes all session transitions and counter mutations per user.
// One mutex per user; the orchestrator runs its evaluate-and-execute sequence
// under the same mutex, so a concurrent pause or emergency stop lands strictly
// before or strictly after a tick, never inside it.
type Manager struct {
	queries   *db.UserQueries
	publisher *notify.Publisher
	canceller Canceller

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates the session manager.
func NewManager(queries *db.UserQueries, publisher *notify.Publisher) *Manager {
	return &Manager{
		queries:   queries,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetCanceller wires the pending-trade canceller (done late to avoid a
// construction cycle with the orchestrator).
func (m *Manager) SetCanceller(c Canceller) {
	m.canceller = c
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// WithUserLock runs fn while holding the user's session lock.
func (m *Manager) WithUserLock(userID string, fn func() error) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// load returns the session row, defaulting to disabled when none exists yet.
func (m *Manager) load(ctx context.Context, userID string) (db.Session, error) {
	s, err := m.queries.GetSession(ctx, userID)
	if err == db.ErrNotFound {
		return db.Session{UserID: userID, Status: db.SessionDisabled}, nil
	}
	return s, err
}

func (m *Manager) persist(ctx context.Context, s db.Session, to, reason string, pausedUntil *time.Time) (db.Session, error) {
	if !CanTransition(s.Status, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.PausedUntil = pausedUntil
	s.LastReason = reason
	s.LastTransitionAt = time.Now().UTC()
	if err := m.queries.UpsertSession(ctx, s); err != nil {
		return s, fmt.Errorf("persist session: %w", err)
	}
	return s, nil
}

// resolveExpiry applies lazy pause expiry under the caller-held lock,
// persisting the auto-resume so polling and push observe the same state.
func (m *Manager) resolveExpiry(ctx context.Context, s db.Session) (db.Session, error) {
	if EffectiveStatus(s, time.Now()) == s.Status {
		return s, nil
	}
	resumed, err := m.persist(ctx, s, db.SessionActive, "pause expired", nil)
	if err != nil {
		return s, err
	}
	log.Printf("session: user %s auto-resumed after pause expiry", s.UserID)
	m.publisher.Publish(s.UserID, events.EventSessionChange, map[string]any{
		"status": resumed.Status,
		"reason": resumed.LastReason,
	})
	return resumed, nil
}

// Enable moves the user to active. Valid from disabled or emergency_stopped;
// requires the mode to be allowed by the user's plan.
func (m *Manager) Enable(ctx context.Context, userID, mode string) error {
	parsedMode, err := evaluator.ParseMode(mode)
	if err != nil {
		return err
	}

	plan, err := m.queries.GetPlanForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}
	if plan.DailyTradeLimit == 0 {
		return ErrPlanNotEligible
	}
	if !plan.AllowsMode(string(parsedMode)) {
		return ErrModeNotAllowed
	}

	return m.WithUserLock(userID, func() error {
		s, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		if s.Status != db.SessionDisabled && s.Status != db.SessionEmergencyStopped {
			return fmt.Errorf("%w: enable from %s", ErrInvalidTransition, s.Status)
		}
		if _, err := m.persist(ctx, s, db.SessionActive, "enabled", nil); err != nil {
			return err
		}
		if err := m.queries.UpsertTradingConfig(ctx, db.TradingConfig{
			UserID:  userID,
			Enabled: true,
			Mode:    string(parsedMode),
		}); err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
		m.publisher.Publish(userID, events.EventSessionChange, map[string]any{
			"status": db.SessionActive,
			"mode":   string(parsedMode),
		})
		return nil
	})
}

// Disable is a soft stop: pending orders are left untouched, only future
// ticks are gated. Valid from any state except already disabled.
func (m *Manager) Disable(ctx context.Context, userID string) error {
	return m.WithUserLock(userID, func() error {
		s, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		if s.Status == db.SessionDisabled {
			return ErrAlreadyDisabled
		}
		if _, err := m.persist(ctx, s, db.SessionDisabled, "disabled", nil); err != nil {
			return err
		}
		if err := m.queries.UpsertTradingConfig(ctx, db.TradingConfig{
			UserID:  userID,
			Enabled: false,
			Mode:    m.currentMode(ctx, userID),
		}); err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
		m.publisher.Publish(userID, events.EventSessionChange, map[string]any{
			"status": db.SessionDisabled,
		})
		return nil
	})
}

func (m *Manager) currentMode(ctx context.Context, userID string) string {
	cfg, err := m.queries.GetTradingConfig(ctx, userID)
	if err != nil {
		return string(evaluator.ModeConservative)
	}
	return cfg.Mode
}

// Pause gates future ticks until the deadline. Valid only from active;
// in-flight pending orders are not cancelled.
func (m *Manager) Pause(ctx context.Context, userID string, durationMinutes int, reason string) error {
	if durationMinutes < 1 || durationMinutes > 1440 {
		return ErrInvalidDuration
	}
	return m.WithUserLock(userID, func() error {
		s, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		s, err = m.resolveExpiry(ctx, s)
		if err != nil {
			return err
		}
		if s.Status != db.SessionActive {
			return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.Status)
		}
		until := time.Now().UTC().Add(time.Duration(durationMinutes) * time.Minute)
		if _, err := m.persist(ctx, s, db.SessionPaused, reason, &until); err != nil {
			return err
		}
		m.publisher.Publish(userID, events.EventSessionChange, map[string]any{
			"status":       db.SessionPaused,
			"paused_until": until,
			"reason":       reason,
		})
		return nil
	})
}

// Resume clears a pause. Valid only from paused.
func (m *Manager) Resume(ctx context.Context, userID string) error {
	return m.WithUserLock(userID, func() error {
		s, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		// Resuming an already-expired pause is still a resume, not an error:
		// resolve expiry only after the state check.
		if s.Status != db.SessionPaused {
			return ErrNotPaused
		}
		if _, err := m.persist(ctx, s, db.SessionActive, "resumed", nil); err != nil {
			return err
		}
		m.publisher.Publish(userID, events.EventSessionChange, map[string]any{
			"status": db.SessionActive,
		})
		return nil
	})
}

// EmergencyStop transitions to emergency_stopped, cancels every pending trade,
// and emits a high-priority notification. Idempotent: a second call is a
// no-op. The state transition is forced even when broker cancellation fails;
// cancellation is then retried asynchronously by the orchestrator.
func (m *Manager) EmergencyStop(ctx context.Context, userID, reason string) error {
	return m.WithUserLock(userID, func() error {
		s, err := m.load(ctx, userID)
		if err != nil {
			return err
		}
		if s.Status == db.SessionEmergencyStopped {
			return nil
		}
		if s.Status != db.SessionActive && s.Status != db.SessionPaused {
			return fmt.Errorf("%w: emergency stop from %s", ErrInvalidTransition, s.Status)
		}
		if _, err := m.persist(ctx, s, db.SessionEmergencyStopped, reason, nil); err != nil {
			return err
		}

		cancelled := 0
		if m.canceller != nil {
			n, err := m.canceller.CancelAllPending(ctx, userID, "emergency_stop: "+reason)
			cancelled = n
			if err != nil {
				// State is already forced; the cancel queue keeps retrying.
				log.Printf("session: emergency cancel for user %s incomplete: %v", userID, err)
			}
		}

		m.publisher.PublishHigh(userID, events.EventEmergencyStop, map[string]any{
			"reason":           reason,
			"cancelled_trades": cancelled,
		})
		return nil
	})
}

// Status returns the session with lazy pause expiry resolved and persisted.
func (m *Manager) Status(ctx context.Context, userID string) (db.Session, error) {
	var out db.Session
	err := m.WithUserLock(userID, func() error {
		s, err := m.StatusLocked(ctx, userID)
		out = s
		return err
	})
	return out, err
}

// StatusLocked is Status for callers that already hold the user lock via
// WithUserLock, such as the orchestrator inside a tick.
func (m *Manager) StatusLocked(ctx context.Context, userID string) (db.Session, error) {
	s, err := m.load(ctx, userID)
	if err != nil {
		return s, err
	}
	return m.resolveExpiry(ctx, s)
}

// Sweep auto-resumes expired pauses for users with no recent ticks, so pause
// expiry behaves identically whether anyone is polling or not.
func (m *Manager) Sweep(ctx context.Context) {
	ids, err := m.queries.SchedulableUserIDs(ctx)
	if err != nil {
		log.Printf("session: sweep query failed: %v", err)
		return
	}
	for _, userID := range ids {
		if _, err := m.Status(ctx, userID); err != nil {
			log.Printf("session: sweep resolve for user %s: %v", userID, err)
		}
	}
}

// StartSweeper runs Sweep on an interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}
