package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

// testConfig keeps the idle check off the poll deadlines so advances stay
// unambiguous.
func testConfig() Config {
	return Config{
		DefaultInterval: 30 * time.Second,
		ActiveInterval:  10 * time.Second,
		IdleInterval:    60 * time.Second,
		IdleTimeout:     65 * time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.ActiveInterval = 0
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.IdleTimeout = -time.Second
	require.Error(t, cfg.Validate())
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	poll := func(context.Context) error { return nil }

	_, err := New(testConfig(), nil, &stubSource{})
	require.Error(t, err)

	_, err = New(testConfig(), poll, nil)
	require.Error(t, err)

	_, err = New(Config{}, poll, &stubSource{})
	require.Error(t, err)
}

func TestPollsAtDefaultCadence(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{}

	p, err := New(testConfig(), poll.run, &stubSource{},
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	require.Equal(t, StateStopped, p.State())
	p.Start(ctx)
	require.Equal(t, StateDefault, p.State())
	require.Equal(t, 30*time.Second, p.CurrentInterval())
	require.Zero(t, poll.calls())

	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, 1, poll.calls())

	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, 2, poll.calls())
}

func TestActivityTightensCadence(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{}
	source := &stubSource{}

	p, err := New(testConfig(), poll.run, source,
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	p.Start(ctx)
	source.signal()
	require.Equal(t, StateActive, p.State())
	require.Equal(t, 10*time.Second, p.CurrentInterval())

	// The pending default poll was rescheduled to the active cadence.
	clock.Advance(10 * time.Second).MustWait(ctx)
	require.Equal(t, 1, poll.calls())
	clock.Advance(10 * time.Second).MustWait(ctx)
	require.Equal(t, 2, poll.calls())

	// Further signals while already active keep the state and cadence.
	source.signal()
	require.Equal(t, StateActive, p.State())
	clock.Advance(10 * time.Second).MustWait(ctx)
	require.Equal(t, 3, poll.calls())
}

func TestIdleAfterInactivity(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{}

	p, err := New(testConfig(), poll.run, &stubSource{},
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	p.Start(ctx)

	// Two default polls pass before the idle check at 65s.
	clock.Advance(30 * time.Second).MustWait(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, StateDefault, p.State())

	clock.Advance(5 * time.Second).MustWait(ctx)
	require.Equal(t, StateIdle, p.State())
	require.Equal(t, 60*time.Second, p.CurrentInterval())

	// The idle transition rescheduled the pending poll to the idle cadence.
	clock.Advance(60 * time.Second).MustWait(ctx)
	require.Equal(t, 3, poll.calls())
}

func TestActivityWakesFromIdle(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{}
	source := &stubSource{}

	p, err := New(testConfig(), poll.run, source,
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	p.Start(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	clock.Advance(5 * time.Second).MustWait(ctx)
	require.Equal(t, StateIdle, p.State())

	source.signal()
	require.Equal(t, StateActive, p.State())
	require.Equal(t, 10*time.Second, p.CurrentInterval())

	calls := poll.calls()
	clock.Advance(10 * time.Second).MustWait(ctx)
	require.Equal(t, calls+1, poll.calls())
}

func TestStopSilencesTimers(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{}
	source := &stubSource{}

	p, err := New(testConfig(), poll.run, source,
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	p.Start(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, 1, poll.calls())

	p.Stop()
	require.Equal(t, StateStopped, p.State())
	require.True(t, source.unsubscribed())

	// Neither the poll timer nor the idle check fires after Stop.
	clock.Advance(10 * time.Minute).MustWait(ctx)
	require.Equal(t, 1, poll.calls())

	// Signals after Stop are ignored even if the source still holds the
	// callback.
	source.signal()
	require.Equal(t, StateStopped, p.State())

	// Stop is idempotent and a stopped poller can be started again.
	p.Stop()
	p.Start(ctx)
	require.Equal(t, StateDefault, p.State())
	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, 2, poll.calls())
}

func TestPollNowSkipsWhenInFlight(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	release := make(chan error)
	poll := &stubPoll{block: release}

	p, err := New(testConfig(), poll.run, &stubSource{},
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	p.Start(ctx)

	done := make(chan error, 1)
	go func() {
		done <- p.PollNow(ctx)
	}()
	require.Eventually(t, func() bool { return poll.calls() == 1 }, 5*time.Second, time.Millisecond)

	// Overlapping manual poll coalesces into the in-flight one.
	require.NoError(t, p.PollNow(ctx))
	require.Equal(t, 1, poll.calls())

	pollErr := errors.New("upstream gone")
	release <- pollErr
	require.ErrorIs(t, <-done, pollErr)
}

func TestPollErrorKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{err: errors.New("flaky upstream")}

	var mu sync.Mutex
	var reported []error
	p, err := New(testConfig(), poll.run, &stubSource{},
		WithClock(clock), WithLogger(testLogger(t)),
		WithErrorHandler(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}))
	require.NoError(t, err)

	p.Start(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)

	require.Equal(t, 2, poll.calls())
	require.Equal(t, StateDefault, p.State())
	mu.Lock()
	require.Len(t, reported, 2)
	mu.Unlock()
}

func TestDoubleStartIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	poll := &stubPoll{}
	source := &stubSource{}

	p, err := New(testConfig(), poll.run, source,
		WithClock(clock), WithLogger(testLogger(t)))
	require.NoError(t, err)

	p.Start(ctx)
	p.Start(ctx)
	require.Equal(t, 1, source.subscribes())

	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, 1, poll.calls())
}

// stubPoll counts invocations, optionally blocking until released.
type stubPoll struct {
	mu    sync.Mutex
	count int
	err   error
	block chan error
}

func (s *stubPoll) run(context.Context) error {
	s.mu.Lock()
	s.count++
	block := s.block
	err := s.err
	s.mu.Unlock()

	if block != nil {
		return <-block
	}
	return err
}

func (s *stubPoll) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// stubSource hands the subscribed callback back to the test.
type stubSource struct {
	mu     sync.Mutex
	fn     func()
	subs   int
	unsubs int
}

func (s *stubSource) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	s.subs++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubs++
	}
}

func (s *stubSource) signal() {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *stubSource) subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

func (s *stubSource) unsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs > 0
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
