// Package queue implements the Network Queue: an in-memory
// FIFO of enriched events with a hard size cap, timer- and
// threshold-driven batched flush, and retry with exponential backoff
// against the failure taxonomy the backend client's errors report.
// The buffer is a mutex-guarded FIFO slice rather than a channel:
// drop-oldest overflow, serialized flush attempts, and manual flush
// while paused all need direct control over ordering and draining that
// channels don't expose.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/errs"
	"github.com/nuxie/growth-core/internal/events"
	"github.com/nuxie/growth-core/internal/logger"
	"golang.org/x/time/rate"
)

// Sender delivers one batch to the backend. Implementations translate
// transport/HTTP failures into an *errs.NetworkError so the queue can
// consult Retryable().
type Sender interface {
	SendBatch(ctx context.Context, batch []*events.Event) error
}

// Config carries the subset of the host configuration the queue needs;
// kept as its own struct so this package never imports internal/config
// (leaf-package discipline, same reasoning as internal/ir).
type Config struct {
	FlushAt        int
	FlushInterval  time.Duration
	MaxQueueSize   int
	MaxBatchSize   int
	MaxRetries     int
	BaseRetryDelay time.Duration
}

// Queue is the Network Queue. Safe for concurrent use.
type Queue struct {
	cfg    Config
	sender Sender
	log    *logger.Logger

	mu     sync.Mutex
	items  []*events.Event
	paused bool

	flushingMu sync.Mutex
	flushing   bool

	attempt      int
	nextRetryAt  time.Time
	pacer        *rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Network Queue. Call Start to begin the timer-driven
// flush loop; Stop to end it.
func New(cfg Config, sender Sender, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	return &Queue{
		cfg:    cfg,
		sender: sender,
		log:    log,
		// the pacer bounds how often Enqueue may spawn a
		// threshold-triggered flush; one token per BaseRetryDelay, burst 1.
		pacer:  rate.NewLimiter(rate.Every(cfg.BaseRetryDelay), 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue appends an event, dropping the oldest queued event first if
// the queue is already at MaxQueueSize.
func (q *Queue) Enqueue(e *events.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.MaxQueueSize {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.log.Warn("network queue full, dropping oldest event", "dropped_event_id", dropped.ID)
	}
	q.items = append(q.items, e)

	// pacer bounds how often a burst of enqueues can each spawn their own
	// threshold-triggered flush goroutine; the timer loop in Start picks
	// up anything a suppressed trigger misses. Pause suspends timer-driven
	// flushes only, so the threshold trigger fires regardless.
	if len(q.items) >= q.cfg.FlushAt && q.pacer.Allow() {
		go q.Flush(context.Background())
	}
}

// Len reports the number of queued, unflushed events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pause suspends timer-driven flushes only; threshold-triggered and
// manual Flush calls still go through.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables timer-driven flushes.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Flush drains up to MaxBatchSize events in FIFO order and sends them as
// one request. Concurrent calls are serialized: a caller that observes
// an in-flight flush returns false immediately without duplicating the
// batch. Flush works even while paused.
func (q *Queue) Flush(ctx context.Context) bool {
	q.flushingMu.Lock()
	if q.flushing {
		q.flushingMu.Unlock()
		return false
	}
	q.flushing = true
	q.flushingMu.Unlock()

	defer func() {
		q.flushingMu.Lock()
		q.flushing = false
		q.flushingMu.Unlock()
	}()

	q.mu.Lock()
	if time.Now().Before(q.nextRetryAt) {
		// still backing off from a prior failure
		q.mu.Unlock()
		return false
	}
	n := len(q.items)
	if n > q.cfg.MaxBatchSize {
		n = q.cfg.MaxBatchSize
	}
	if n == 0 {
		q.mu.Unlock()
		return true
	}
	batch := make([]*events.Event, n)
	copy(batch, q.items[:n])
	q.mu.Unlock()

	if err := q.sender.SendBatch(ctx, batch); err != nil {
		q.handleFailure(err, n)
		return false
	}

	q.mu.Lock()
	q.items = q.items[n:]
	q.attempt = 0
	q.nextRetryAt = time.Time{}
	q.mu.Unlock()
	q.log.Debug("network queue flushed batch", "count", n)
	return true
}

// handleFailure applies the failure taxonomy: a non-retryable
// failure drops the batch; a retryable one keeps it queued and schedules
// the next attempt with exponential backoff, capped at maxRetries.
func (q *Queue) handleFailure(err error, batchSize int) {
	retryable := true
	if ne, ok := err.(*errs.NetworkError); ok {
		retryable = ne.Retryable()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !retryable {
		q.log.Warn("network queue batch rejected, dropping", "count", batchSize, "error", err)
		if batchSize <= len(q.items) {
			q.items = q.items[batchSize:]
		}
		q.attempt = 0
		q.nextRetryAt = time.Time{}
		return
	}

	q.attempt++
	if q.attempt > q.cfg.MaxRetries {
		q.log.Error("network queue batch exhausted retries, dropping", "count", batchSize, "attempts", q.attempt, "error", err)
		if batchSize <= len(q.items) {
			q.items = q.items[batchSize:]
		}
		q.attempt = 0
		q.nextRetryAt = time.Time{}
		return
	}

	delay := backoffDelay(q.cfg.BaseRetryDelay, q.attempt)
	q.nextRetryAt = time.Now().Add(delay)
	q.log.Warn("network queue batch failed, retrying with backoff", "count", batchSize, "attempt", q.attempt, "delay", delay, "error", err)
}

// backoffDelay computes baseRetryDelay * 2^attempt, capped at 5 minutes.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 5 * time.Minute
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Start begins the timer-driven flush loop; it runs until Stop is
// called or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.doneCh)
		ticker := time.NewTicker(q.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.mu.Lock()
				paused := q.paused
				q.mu.Unlock()
				if !paused {
					q.Flush(ctx)
				}
			}
		}
	}()
}

// Stop ends the timer-driven flush loop and waits for it to exit.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}
