// Package fallback exercises breaker transitions and fallback strategies.
package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSource struct {
	mu    sync.Mutex
	name  string
	calls int
	fail  bool
	block bool
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) ListCaptures(ctx context.Context, _ archiver.ListRequest) (archiver.ListResult, error) {
	s.mu.Lock()
	s.calls++
	fail, block := s.fail, s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return archiver.ListResult{}, ctx.Err()
	}
	if fail {
		return archiver.ListResult{}, &archiver.TransientError{Source: s.name, Op: "list", Err: errors.New("boom")}
	}
	return archiver.ListResult{Captures: []archiver.CaptureRecord{{Source: s.name}}}, nil
}

func (s *fakeSource) FetchContent(context.Context, archiver.CaptureRecord) ([]byte, error) {
	return []byte(s.name), nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// TestBreakerOpensAtThreshold walks closed → open → half-open → closed.
func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var changes []StateChange
	b := NewBreaker("wayback", 3, 300*time.Second, clk, func(c StateChange) { changes = append(changes, c) })

	for range 3 {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	// Still inside the cooldown.
	clk.Advance(299 * time.Second)
	require.False(t, b.Allow())

	// Cooldown over: exactly one trial admitted.
	clk.Advance(2 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())
	require.False(t, b.Allow())

	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())

	require.Equal(t, []BreakerState{StateOpen, StateHalfOpen, StateClosed}, transitionsTo(changes))
}

// TestBreakerTrialFailureRestartsCooldown verifies a failed trial reopens the
// breaker for a fresh cooldown.
func TestBreakerTrialFailureRestartsCooldown(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("commoncrawl", 3, 300*time.Second, clk, nil)
	for range 3 {
		b.RecordFailure()
	}
	clk.Advance(301 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())
	clk.Advance(301 * time.Second)
	require.True(t, b.Allow())
}

// TestBreakerAbortedTrialReleasesSlot: a trial abandoned on caller
// cancellation leaves the breaker half-open and willing to admit the next
// trial, rather than waiting forever for a verdict that never comes.
func TestBreakerAbortedTrialReleasesSlot(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	b := NewBreaker("wayback", 3, 300*time.Second, clk, nil)
	for range 3 {
		b.RecordFailure()
	}
	clk.Advance(301 * time.Second)
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	// The trial call was cancelled before the backend answered.
	b.AbortTrial()
	require.Equal(t, StateHalfOpen, b.State())

	// Even much later the backend must still be probed again.
	clk.Advance(24 * time.Hour)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
}

func transitionsTo(changes []StateChange) []BreakerState {
	out := make([]BreakerState, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.To)
	}
	return out
}

// TestSequentialFallsBack: after the first backend fails three consecutive
// calls its breaker opens, and subsequent calls route straight to the second
// backend without re-attempting the first.
func TestSequentialFallsBack(t *testing.T) {
	t.Parallel()

	cc := &fakeSource{name: "commoncrawl", fail: true}
	wb := &fakeSource{name: "wayback"}
	clk := newFakeClock()
	ctrl, err := New(
		[]archiver.ArchiveSource{cc, wb},
		Config{Strategy: archiver.FallbackSequential, Threshold: 3, Cooldown: 300 * time.Second},
		clk, zap.NewNop(), nil,
	)
	require.NoError(t, err)

	for range 3 {
		res, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{Domain: "example.com"})
		require.NoError(t, err)
		require.Equal(t, "wayback", res.Captures[0].Source)
	}
	require.Equal(t, 3, cc.callCount())

	state, ok := ctrl.BreakerState("commoncrawl")
	require.True(t, ok)
	require.Equal(t, StateOpen, state)

	// Inside the cooldown the failing backend is skipped entirely.
	for range 5 {
		res, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{Domain: "example.com"})
		require.NoError(t, err)
		require.Equal(t, "wayback", res.Captures[0].Source)
	}
	require.Equal(t, 3, cc.callCount())

	// After recovery_time one trial call reaches the backend again.
	clk.Advance(301 * time.Second)
	cc.mu.Lock()
	cc.fail = false
	cc.mu.Unlock()
	res, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{Domain: "example.com"})
	require.NoError(t, err)
	require.Equal(t, "commoncrawl", res.Captures[0].Source)
	require.Equal(t, 4, cc.callCount())
}

// TestSequentialAllFail surfaces ErrSourceUnavailable, never an empty result.
func TestSequentialAllFail(t *testing.T) {
	t.Parallel()

	ctrl, err := New(
		[]archiver.ArchiveSource{
			&fakeSource{name: "commoncrawl", fail: true},
			&fakeSource{name: "wayback", fail: true},
		},
		Config{Strategy: archiver.FallbackSequential, Threshold: 3, Cooldown: time.Minute},
		newFakeClock(), zap.NewNop(), nil,
	)
	require.NoError(t, err)

	_, err = ctrl.ListCaptures(context.Background(), archiver.ListRequest{Domain: "example.com"})
	require.ErrorIs(t, err, archiver.ErrSourceUnavailable)
}

// TestParallelFirstSuccessWins checks the parallel strategy accepts the first
// success and cancels the slower backend.
func TestParallelFirstSuccessWins(t *testing.T) {
	t.Parallel()

	slow := &fakeSource{name: "commoncrawl", block: true}
	fast := &fakeSource{name: "wayback"}
	ctrl, err := New(
		[]archiver.ArchiveSource{slow, fast},
		Config{Strategy: archiver.FallbackParallel, Threshold: 3, Cooldown: time.Minute},
		newFakeClock(), zap.NewNop(), nil,
	)
	require.NoError(t, err)

	res, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{Domain: "example.com"})
	require.NoError(t, err)
	require.Equal(t, "wayback", res.Captures[0].Source)
}

// TestParallelAllOpenBreakers rejects immediately when nothing is callable.
func TestParallelAllOpenBreakers(t *testing.T) {
	t.Parallel()

	failing := &fakeSource{name: "wayback", fail: true}
	clk := newFakeClock()
	ctrl, err := New(
		[]archiver.ArchiveSource{failing},
		Config{Strategy: archiver.FallbackParallel, Threshold: 1, Cooldown: time.Hour},
		clk, zap.NewNop(), nil,
	)
	require.NoError(t, err)

	_, err = ctrl.ListCaptures(context.Background(), archiver.ListRequest{})
	require.ErrorIs(t, err, archiver.ErrSourceUnavailable)

	_, err = ctrl.ListCaptures(context.Background(), archiver.ListRequest{})
	require.ErrorIs(t, err, archiver.ErrSourceUnavailable)
	require.Equal(t, 1, failing.callCount())
}

// TestSequentialCancellation aborts without recording a backend failure.
func TestSequentialCancellation(t *testing.T) {
	t.Parallel()

	blocking := &fakeSource{name: "wayback", block: true}
	ctrl, err := New(
		[]archiver.ArchiveSource{blocking},
		Config{Strategy: archiver.FallbackSequential, Threshold: 1, Cooldown: time.Hour},
		newFakeClock(), zap.NewNop(), nil,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = ctrl.ListCaptures(ctx, archiver.ListRequest{})
	require.Error(t, err)
	require.NotErrorIs(t, err, archiver.ErrSourceUnavailable)

	state, ok := ctrl.BreakerState("wayback")
	require.True(t, ok)
	require.Equal(t, StateClosed, state)
}

// TestSequentialCancelledTrialDoesNotWedgeBreaker: cancelling the half-open
// trial call must return the slot so a later call can probe the backend.
func TestSequentialCancelledTrialDoesNotWedgeBreaker(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "wayback", fail: true}
	clk := newFakeClock()
	ctrl, err := New(
		[]archiver.ArchiveSource{src},
		Config{Strategy: archiver.FallbackSequential, Threshold: 3, Cooldown: 300 * time.Second},
		clk, zap.NewNop(), nil,
	)
	require.NoError(t, err)

	for range 3 {
		_, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{})
		require.Error(t, err)
	}
	state, _ := ctrl.BreakerState("wayback")
	require.Equal(t, StateOpen, state)

	// Cooldown over; the recovered backend hangs and the caller gives up.
	clk.Advance(301 * time.Second)
	src.mu.Lock()
	src.fail = false
	src.block = true
	src.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = ctrl.ListCaptures(ctx, archiver.ListRequest{})
	require.Error(t, err)

	src.mu.Lock()
	src.block = false
	src.mu.Unlock()
	res, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{})
	require.NoError(t, err)
	require.Equal(t, "wayback", res.Captures[0].Source)
	state, _ = ctrl.BreakerState("wayback")
	require.Equal(t, StateClosed, state)
}

// TestParallelCancelledTrialDoesNotWedgeBreaker covers the fan-out path.
func TestParallelCancelledTrialDoesNotWedgeBreaker(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "commoncrawl", fail: true}
	clk := newFakeClock()
	ctrl, err := New(
		[]archiver.ArchiveSource{src},
		Config{Strategy: archiver.FallbackParallel, Threshold: 1, Cooldown: time.Minute},
		clk, zap.NewNop(), nil,
	)
	require.NoError(t, err)

	_, err = ctrl.ListCaptures(context.Background(), archiver.ListRequest{})
	require.Error(t, err)

	clk.Advance(61 * time.Second)
	src.mu.Lock()
	src.fail = false
	src.block = true
	src.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = ctrl.ListCaptures(ctx, archiver.ListRequest{})
	require.Error(t, err)

	src.mu.Lock()
	src.block = false
	src.mu.Unlock()
	res, err := ctrl.ListCaptures(context.Background(), archiver.ListRequest{})
	require.NoError(t, err)
	require.Equal(t, "commoncrawl", res.Captures[0].Source)
}
