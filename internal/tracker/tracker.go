// Package tracker buffers telemetry events and delivers them in batches.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"example.com/telemetry/internal/domain"
)

// SendFunc delivers a batch to the surrounding application's transport. The
// tracker never imposes a timeout on it; bounding the send is the transport's
// responsibility.
type SendFunc func(ctx context.Context, batch domain.Batch) error

// Config holds the batching thresholds.
type Config struct {
	// BatchSize triggers an immediate flush when the pending queue reaches it.
	// A value of 1 degenerates to sending every event on its own.
	BatchSize int
	// BatchTimeout bounds the latency of a partially filled batch. Zero means
	// flush on the next tick.
	BatchTimeout time.Duration
	// TTL is the maximum age a pending event may reach before cleanup drops it.
	TTL time.Duration
	// AutoCleanup enables periodic TTL housekeeping while the tracker runs.
	AutoCleanup bool
}

// Validate rejects configurations the tracker cannot operate with.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return errors.New("batch size must be >= 1")
	}
	if c.BatchTimeout < 0 {
		return errors.New("batch timeout must not be negative")
	}
	if c.AutoCleanup && c.TTL <= 0 {
		return errors.New("ttl must be positive when auto cleanup is enabled")
	}
	return nil
}

// Snapshot is a point-in-time copy of tracker state.
type Snapshot struct {
	Pending       domain.Batch
	Active        bool
	LastBatchSent time.Time
	EventsTracked uint64
	EventsSent    uint64
}

// Option configures optional behaviour for the Tracker.
type Option func(*Tracker)

// WithLogger overrides the logger used to report delivery problems.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock injects a clock, used by tests to control timers.
func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithBatchSent registers a callback invoked after each successful delivery.
func WithBatchSent(fn func(domain.Batch)) Option {
	return func(t *Tracker) {
		t.onBatchSent = fn
	}
}

// WithErrorHandler registers a callback invoked on delivery failures.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Tracker) {
		t.onError = fn
	}
}

// Tracker accumulates events and flushes them when either the size or the time
// threshold is reached, whichever comes first. At most one flush is ever in
// flight; overlapping triggers coalesce into a no-op. Failed batches return to
// the front of the queue and are retried on the next trigger.
type Tracker struct {
	cfg         Config
	send        SendFunc
	logger      *log.Logger
	clock       quartz.Clock
	onBatchSent func(domain.Batch)
	onError     func(error)

	mu            sync.Mutex
	pending       []domain.Event
	active        bool
	inFlight      bool
	lastBatchSent time.Time
	tracked       uint64
	sent          uint64
	flushTimer    *quartz.Timer
	cleanupTimer  *quartz.Timer
	baseCtx       context.Context
}

// New constructs a Tracker. Configuration problems are reported here rather
// than surfacing later as silent misbehaviour.
func New(cfg Config, send SendFunc, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	if send == nil {
		return nil, errors.New("send function is required")
	}

	t := &Tracker{
		cfg:     cfg,
		send:    send,
		logger:  log.New(log.Writer(), "[tracker] ", log.LstdFlags),
		clock:   quartz.NewReal(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start begins accepting events. The context bounds background deliveries
// triggered by timers and size thresholds. Double starts are silent no-ops.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return
	}
	t.active = true
	t.baseCtx = ctx

	if t.cfg.AutoCleanup {
		t.cleanupTimer = t.clock.AfterFunc(t.cfg.TTL, t.runCleanup)
	}
}

// Stop stops accepting events and cancels armed timers. Pending events are
// retained; use Clear to discard them. Idempotent. A delivery already in
// flight still completes and settles state when it returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}
	t.active = false
	t.stopFlushTimerLocked()
	if t.cleanupTimer != nil {
		t.cleanupTimer.Stop()
		t.cleanupTimer = nil
	}
}

// TrackEvent stamps the event and appends it to the pending queue. While the
// tracker is stopped events are dropped rather than queued, so a disabled
// tracker never grows without bound.
func (t *Tracker) TrackEvent(event domain.Event) {
	t.mu.Lock()

	if !t.active {
		t.mu.Unlock()
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.OccurredAt = t.clock.Now().UTC()

	t.pending = append(t.pending, event)
	t.tracked++
	trackedCounter.Inc()
	pendingGauge.Set(float64(len(t.pending)))

	if len(t.pending) >= t.cfg.BatchSize {
		t.stopFlushTimerLocked()
		ctx := t.baseCtx
		t.mu.Unlock()
		go func() {
			_ = t.flush(ctx)
		}()
		return
	}

	if t.flushTimer == nil {
		t.flushTimer = t.clock.AfterFunc(t.cfg.BatchTimeout, t.onFlushTimeout)
	}
	t.mu.Unlock()
}

// Flush delivers all pending events immediately. An empty queue and a flush
// already in flight are both no-ops.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.flush(ctx)
}

// Clear discards pending events without sending them. Lifetime counters are
// untouched.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = nil
	t.stopFlushTimerLocked()
	pendingGauge.Set(0)
}

// Snapshot returns a copy of the tracker state. The returned pending slice is
// owned by the caller.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make(domain.Batch, len(t.pending))
	copy(pending, t.pending)

	return Snapshot{
		Pending:       pending,
		Active:        t.active,
		LastBatchSent: t.lastBatchSent,
		EventsTracked: t.tracked,
		EventsSent:    t.sent,
	}
}

func (t *Tracker) onFlushTimeout() {
	t.mu.Lock()
	t.flushTimer = nil
	ctx := t.baseCtx
	t.mu.Unlock()

	_ = t.flush(ctx)
}

// flush takes the whole pending queue as one batch, clears it optimistically,
// and hands the batch to the send function without holding the lock. On
// failure the batch is prepended back so insertion order is preserved ahead of
// anything tracked during the attempt.
func (t *Tracker) flush(ctx context.Context) error {
	t.mu.Lock()
	if t.inFlight || len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.inFlight = true
	batch := domain.Batch(t.pending)
	t.pending = nil
	t.stopFlushTimerLocked()
	pendingGauge.Set(0)
	t.mu.Unlock()

	start := t.clock.Now()
	err := t.send(ctx, batch)
	flushDuration.Observe(t.clock.Since(start).Seconds())

	t.mu.Lock()
	t.inFlight = false

	if err != nil {
		requeued := make([]domain.Event, 0, len(batch)+len(t.pending))
		requeued = append(requeued, batch...)
		requeued = append(requeued, t.pending...)
		t.pending = requeued
		pendingGauge.Set(float64(len(t.pending)))
		sendFailures.Inc()

		// Bound retry latency: the failed batch is picked up again on the
		// next timeout even if no further events arrive.
		if t.active && t.flushTimer == nil {
			t.flushTimer = t.clock.AfterFunc(t.cfg.BatchTimeout, t.onFlushTimeout)
		}
		onError := t.onError
		t.mu.Unlock()

		t.logger.Printf("batch delivery failed (events=%d): %v", len(batch), err)
		if onError != nil {
			onError(err)
		}
		return err
	}

	t.sent += uint64(len(batch))
	t.lastBatchSent = t.clock.Now().UTC()
	sentCounter.Add(float64(len(batch)))

	// Events tracked during the send may already have crossed the size
	// threshold; their trigger coalesced into this in-flight send.
	refire := t.active && len(t.pending) >= t.cfg.BatchSize
	onBatchSent := t.onBatchSent
	t.mu.Unlock()

	if onBatchSent != nil {
		onBatchSent(batch)
	}
	if refire {
		go func() {
			_ = t.flush(ctx)
		}()
	}
	return nil
}

// runCleanup drops pending events older than TTL and re-arms itself. This
// bounds memory when the tracker keeps accumulating but never successfully
// flushes, and doubles as the give-up policy for batches that fail delivery
// repeatedly.
func (t *Tracker) runCleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}

	cutoff := t.clock.Now().UTC().Add(-t.cfg.TTL)
	kept := t.pending[:0]
	expired := 0
	for _, event := range t.pending {
		if event.OccurredAt.Before(cutoff) {
			expired++
			continue
		}
		kept = append(kept, event)
	}
	t.pending = kept
	pendingGauge.Set(float64(len(t.pending)))

	if expired > 0 {
		expiredCounter.Add(float64(expired))
		t.logger.Printf("dropped %d events older than %s", expired, t.cfg.TTL)
	}

	t.cleanupTimer = t.clock.AfterFunc(t.cfg.TTL, t.runCleanup)
}

func (t *Tracker) stopFlushTimerLocked() {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
}
