// Package schedule drives a recurring poll action on a cadence that adapts to
// observed user activity.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// State enumerates the poller lifecycle. Exactly one state holds at any time.
type State string

const (
	StateStopped State = "stopped"
	StateDefault State = "default"
	StateActive  State = "active"
	StateIdle    State = "idle"
)

// PollFunc is the caller-supplied action invoked on each elapsed interval. Its
// outcome is opaque to the poller; a failure is reported and the schedule
// continues.
type PollFunc func(ctx context.Context) error

// Source is an activity-signal feed the poller subscribes to while running.
// Subscribe registers the callback and returns a function that removes it.
type Source interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Config holds the three cadences and the inactivity threshold. The expected
// ordering is ActiveInterval < DefaultInterval < IdleInterval, but it is not
// enforced; all four durations simply have to be positive.
type Config struct {
	DefaultInterval time.Duration
	ActiveInterval  time.Duration
	IdleInterval    time.Duration
	IdleTimeout     time.Duration
}

// Validate rejects non-positive durations.
func (c Config) Validate() error {
	if c.DefaultInterval <= 0 || c.ActiveInterval <= 0 || c.IdleInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}
	return nil
}

// Option configures optional behaviour for the Poller.
type Option func(*Poller)

// WithLogger overrides the logger used to report poll failures.
func WithLogger(logger *log.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithClock injects a clock, used by tests to control timers.
func WithClock(clock quartz.Clock) Option {
	return func(p *Poller) {
		p.clock = clock
	}
}

// WithErrorHandler registers a callback invoked when the poll action fails.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Poller) {
		p.onError = fn
	}
}

// Poller is a timer-driven state machine: stopped until Start, then default;
// any activity signal moves it to active and tightens the cadence; IdleTimeout
// without activity relaxes it to idle. The poll action never overlaps itself,
// and a failing poll never stops the schedule.
type Poller struct {
	cfg     Config
	poll    PollFunc
	source  Source
	clock   quartz.Clock
	logger  *log.Logger
	onError func(error)

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	pollTimer    *quartz.Timer
	idleTimer    *quartz.Timer
	inFlight     bool
	unsubscribe  func()
	baseCtx      context.Context
}

// New constructs a Poller around the provided poll action and activity source.
func New(cfg Config, poll PollFunc, source Source, opts ...Option) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poller config: %w", err)
	}
	if poll == nil {
		return nil, errors.New("poll function is required")
	}
	if source == nil {
		return nil, errors.New("activity source is required")
	}

	p := &Poller{
		cfg:     cfg,
		poll:    poll,
		source:  source,
		clock:   quartz.NewReal(),
		logger:  log.New(log.Writer(), "[poller] ", log.LstdFlags),
		state:   StateStopped,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start transitions stopped -> default, subscribes to the activity source, and
// arms the first poll and the idle check. Any other current state makes Start
// a no-op. The context bounds timer-driven polls.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		return
	}
	p.state = StateDefault
	p.baseCtx = ctx
	p.lastActivity = p.clock.Now()
	p.unsubscribe = p.source.Subscribe(p.onActivity)
	p.pollTimer = p.clock.AfterFunc(p.cfg.DefaultInterval, p.onPollTimer)
	p.idleTimer = p.clock.AfterFunc(p.cfg.IdleTimeout, p.onIdleCheck)
	transitionCounter.WithLabelValues(string(StateDefault)).Inc()
}

// Stop cancels both timers, unsubscribes from the activity source, and returns
// to stopped. No timer fires after Stop returns; a poll already in flight
// still finishes but schedules nothing further. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	if p.pollTimer != nil {
		p.pollTimer.Stop()
		p.pollTimer = nil
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// PollNow runs the poll action immediately, subject to the same in-flight
// guard as timer-driven polls. The schedule of the next timer poll is left
// untouched.
func (p *Poller) PollNow(ctx context.Context) error {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	p.mu.Unlock()

	return p.finishPoll(p.poll(ctx))
}

// State reports the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CurrentInterval reports the cadence for the current state.
func (p *Poller) CurrentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalLocked()
}

func (p *Poller) intervalLocked() time.Duration {
	switch p.state {
	case StateActive:
		return p.cfg.ActiveInterval
	case StateIdle:
		return p.cfg.IdleInterval
	default:
		return p.cfg.DefaultInterval
	}
}

// onActivity handles one signal from the source: record the activity, tighten
// the cadence if not already active, and push the idle check out. Rescheduling
// deliberately discards the remaining wait of the prior timer in exchange for
// responsiveness.
func (p *Poller) onActivity() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return
	}

	p.lastActivity = p.clock.Now()

	if p.state != StateActive {
		p.state = StateActive
		p.pollTimer.Reset(p.cfg.ActiveInterval)
		transitionCounter.WithLabelValues(string(StateActive)).Inc()
	}

	p.idleTimer.Reset(p.cfg.IdleTimeout)
}

// onIdleCheck compares staleness against IdleTimeout. Without a transition it
// re-arms itself, polling its own staleness at IdleTimeout granularity; on
// transition the idle check stays disarmed until the next activity signal.
func (p *Poller) onIdleCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStopped {
		return
	}

	if p.clock.Since(p.lastActivity) >= p.cfg.IdleTimeout {
		if p.state != StateIdle {
			p.state = StateIdle
			p.pollTimer.Reset(p.cfg.IdleInterval)
			transitionCounter.WithLabelValues(string(StateIdle)).Inc()
		}
		return
	}

	p.idleTimer.Reset(p.cfg.IdleTimeout)
}

// onPollTimer re-arms the poll timer at the current cadence before running the
// poll, so a slow poll action does not stretch the schedule. A poll still in
// flight from a previous trigger is not duplicated.
func (p *Poller) onPollTimer() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.pollTimer.Reset(p.intervalLocked())

	if p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	ctx := p.baseCtx
	p.mu.Unlock()

	_ = p.finishPoll(p.poll(ctx))
}

func (p *Poller) finishPoll(err error) error {
	p.mu.Lock()
	p.inFlight = false
	onError := p.onError
	p.mu.Unlock()

	pollCounter.Inc()
	if err != nil {
		pollErrors.Inc()
		p.logger.Printf("poll failed: %v", err)
		if onError != nil {
			onError(err)
		}
	}
	return err
}
