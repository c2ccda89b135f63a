package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"autotrade-core/pkg/db"
)

// FundsService caches per-user buying power in front of the broker adapter
// and mirrors it onto the user's broker_links row. A disconnected link yields
// ErrDisconnected without touching the adapter.
type FundsService struct {
	adapter      Adapter
	queries      *db.UserQueries
	syncInterval time.Duration

	mu    sync.RWMutex
	cache map[string]fundsEntry
}

type fundsEntry struct {
	funds    Funds
	syncedAt time.Time
}

// NewFundsService creates the cache. syncInterval bounds staleness; a fetch
// inside the window is served from memory.
func NewFundsService(adapter Adapter, queries *db.UserQueries, syncInterval time.Duration) *FundsService {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	return &FundsService{
		adapter:      adapter,
		queries:      queries,
		syncInterval: syncInterval,
		cache:        make(map[string]fundsEntry),
	}
}

// Fetch returns the user's funds, refreshing from the broker when stale.
func (s *FundsService) Fetch(ctx context.Context, userID string) (Funds, error) {
	link, err := s.queries.GetPrimaryBrokerLink(ctx, userID)
	if err != nil {
		if err == db.ErrNotFound {
			return Funds{}, ErrDisconnected
		}
		return Funds{}, fmt.Errorf("load broker link: %w", err)
	}
	if !link.Connected {
		return Funds{}, ErrDisconnected
	}

	s.mu.RLock()
	entry, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok && time.Since(entry.syncedAt) < s.syncInterval {
		return entry.funds, nil
	}

	funds, err := s.adapter.GetFunds(ctx, userID)
	if err != nil {
		// Fall back to the persisted snapshot on transient outages so one
		// flaky balance call does not stall every tick.
		if IsTransient(err) && ok {
			log.Printf("funds: transient balance error for user %s, using cache: %v", userID, err)
			return entry.funds, nil
		}
		return Funds{}, err
	}

	s.mu.Lock()
	s.cache[userID] = fundsEntry{funds: funds, syncedAt: time.Now()}
	s.mu.Unlock()

	if err := s.queries.UpdateBrokerFunds(ctx, userID, link.ID, funds.Available, funds.BuyingPower, true); err != nil {
		log.Printf("funds: persist snapshot for user %s: %v", userID, err)
	}
	return funds, nil
}

// Invalidate drops the cached snapshot, forcing the next Fetch to hit the broker.
func (s *FundsService) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}
