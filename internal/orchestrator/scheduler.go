package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler fans ticks out to a bounded worker pool. Users run in parallel;
// the per-user session lock inside Tick keeps each user serialized.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	workers  chan struct{}
}

// NewScheduler creates a scheduler with the given tick interval and worker
// slot count.
func NewScheduler(orch *Orchestrator, interval time.Duration, workers int) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if workers <= 0 {
		workers = 8
	}
	return &Scheduler{
		orch:     orch,
		interval: interval,
		workers:  make(chan struct{}, workers),
	}
}

// Run ticks every schedulable user on the interval until ctx is done. Each
// round waits for its workers before the next one starts, so a slow broker
// cannot pile overlapping rounds onto the pool.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRound(ctx)
		}
	}
}

func (s *Scheduler) runRound(ctx context.Context) {
	ids, err := s.orch.queries.SchedulableUserIDs(ctx)
	if err != nil {
		log.Printf("scheduler: list users: %v", err)
		return
	}
	s.orch.metrics.SetSchedulableUsers(len(ids))

	var wg sync.WaitGroup
	for _, userID := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case s.workers <- struct{}{}:
		}

		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			defer func() { <-s.workers }()
			if err := s.orch.Tick(ctx, userID); err != nil {
				log.Printf("scheduler: tick for user %s: %v", userID, err)
			}
		}(userID)
	}
	wg.Wait()
}
