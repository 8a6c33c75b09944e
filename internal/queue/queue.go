// Package queue is the worker-message queue boundary: the scheduler locks a
// message per dispatch, and the worker supervisor's commit or rollback
// settles it. The queue is the only mutable shared resource outside the
// record store.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/tabflow/internal/models"
)

// Handle identifies one locked message.
type Handle struct {
	ID string
}

// Queue is the dispatch surface the scheduler consumes.
type Queue interface {
	// Lock stages a message for exactly-once delivery. A second lock for the
	// same function run fails with ErrDispatchConflict.
	Lock(ctx context.Context, m *models.WorkerMessage) (Handle, error)
	// Commit hands the locked message to the worker side.
	Commit(ctx context.Context, h Handle) error
	// Rollback discards the locked message; the run will be re-polled.
	Rollback(ctx context.Context, h Handle) error
	// Locked enumerates currently locked messages, for idempotent re-polling.
	Locked(ctx context.Context) ([]*models.WorkerMessage, error)
}

// Memory is an in-process Queue. Committed messages are handed to
// subscribers on a bounded worker pool.
type Memory struct {
	mu     sync.Mutex
	locked map[string]*models.WorkerMessage // handle id -> message
	byRun  map[string]string                // run id -> handle id

	pool *ants.Pool
	subs []func(*models.WorkerMessage)
}

// NewMemory creates a queue delivering to at most workers concurrent
// subscriber callbacks.
func NewMemory(workers int) (*Memory, error) {
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		log.Printf("worker delivery panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery pool: %w", err)
	}
	return &Memory{
		locked: make(map[string]*models.WorkerMessage),
		byRun:  make(map[string]string),
		pool:   pool,
	}, nil
}

// Subscribe registers a delivery callback for committed messages.
func (q *Memory) Subscribe(fn func(*models.WorkerMessage)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, fn)
}

// Lock stages the message. At most one locked, undispatched message may
// exist per function run.
func (q *Memory) Lock(ctx context.Context, m *models.WorkerMessage) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byRun[m.FunctionRunID]; ok {
		return Handle{}, fmt.Errorf("run %s already has a locked message: %w",
			m.FunctionRunID, models.ErrDispatchConflict)
	}
	cp := *m
	q.locked[m.ID] = &cp
	q.byRun[m.FunctionRunID] = m.ID
	return Handle{ID: m.ID}, nil
}

func (q *Memory) take(h Handle) (*models.WorkerMessage, error) {
	m, ok := q.locked[h.ID]
	if !ok {
		return nil, fmt.Errorf("message %s is not locked: %w", h.ID, models.ErrNotFound)
	}
	delete(q.locked, h.ID)
	delete(q.byRun, m.FunctionRunID)
	return m, nil
}

// Commit settles the lock and delivers the message to subscribers.
func (q *Memory) Commit(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	m, err := q.take(h)
	subs := q.subs
	q.mu.Unlock()
	if err != nil {
		return err
	}

	m.Status = models.MessageCommitted
	for _, fn := range subs {
		fn := fn
		if err := q.pool.Submit(func() { fn(m) }); err != nil {
			log.Printf("Failed to deliver worker message %s: %v", m.ID, err)
		}
	}
	return nil
}

// Rollback discards the lock.
func (q *Memory) Rollback(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.take(h)
	return err
}

// Locked lists currently locked messages.
func (q *Memory) Locked(ctx context.Context) ([]*models.WorkerMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.WorkerMessage, 0, len(q.locked))
	for _, m := range q.locked {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// Close releases the delivery pool.
func (q *Memory) Close() {
	q.pool.Release()
}
