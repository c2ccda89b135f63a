package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/events"
	"autotrade-core/internal/notify"
	"autotrade-core/pkg/db"
)

const cancelMaxAttempts = 5

type cancelJob struct {
	UserID   string
	TradeID  string
	OrderID  string
	Reason   string
	Attempts int
}

// CancelQueue retries broker cancellations that failed during an emergency
// stop. The session transition is already forced by the time a job lands
// here; the queue only chases the broker side until it acknowledges.
type CancelQueue struct {
	queries   *db.UserQueries
	adapter   broker.Adapter
	publisher *notify.Publisher
	ch        chan cancelJob
}

// NewCancelQueue creates the queue.
func NewCancelQueue(queries *db.UserQueries, adapter broker.Adapter, publisher *notify.Publisher) *CancelQueue {
	return &CancelQueue{
		queries:   queries,
		adapter:   adapter,
		publisher: publisher,
		ch:        make(chan cancelJob, 100),
	}
}

// Enqueue submits a failed cancellation for retry. Drops on overflow; the
// fill poller is the backstop for anything lost here.
func (q *CancelQueue) Enqueue(job cancelJob) {
	select {
	case q.ch <- job:
	default:
		log.Printf("cancel-queue: full, dropping retry for trade %s", job.TradeID)
	}
}

// Run drains the queue until ctx is done.
func (q *CancelQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.ch:
			q.process(ctx, job)
		}
	}
}

func (q *CancelQueue) process(ctx context.Context, job cancelJob) {
	err := q.adapter.Cancel(ctx, job.UserID, job.OrderID)
	if err != nil {
		job.Attempts++
		if job.Attempts >= cancelMaxAttempts {
			log.Printf("cancel-queue: giving up on order %s after %d attempts: %v", job.OrderID, job.Attempts, err)
			return
		}
		log.Printf("cancel-queue: cancel order %s failed (attempt %d): %v", job.OrderID, job.Attempts, err)
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(job.Attempts) * 2 * time.Second):
				q.Enqueue(job)
			}
		}()
		return
	}

	if err := q.queries.MarkTradeCancelled(ctx, job.UserID, job.TradeID, job.Reason); err != nil {
		if !errors.Is(err, db.ErrTradeTerminal) {
			log.Printf("cancel-queue: mark trade %s cancelled: %v", job.TradeID, err)
		}
		return
	}
	q.publisher.Publish(job.UserID, events.EventTradeCancelled, map[string]any{
		"trade_id": job.TradeID,
		"reason":   job.Reason,
	})
	log.Printf("cancel-queue: order %s cancelled for user %s", job.OrderID, job.UserID)
}
