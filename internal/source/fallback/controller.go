package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// Config controls the controller.
type Config struct {
	Strategy  archiver.FallbackStrategy
	Threshold int
	Cooldown  time.Duration
	Delay     time.Duration
}

// Controller implements archiver.ArchiveSource over an ordered backend list.
// Single-source modes bypass it and bind directly to one client.
type Controller struct {
	sources  []archiver.ArchiveSource
	breakers []*Breaker
	strategy archiver.FallbackStrategy
	delay    time.Duration
	logger   *zap.Logger
}

// New builds a Controller. Breaker transitions are forwarded to onChange
// (for events/metrics) after being logged.
func New(
	sources []archiver.ArchiveSource,
	cfg Config,
	clock archiver.Clock,
	logger *zap.Logger,
	onChange StateChangeFunc,
) (*Controller, error) {
	if len(sources) == 0 {
		return nil, errors.New("fallback controller requires at least one source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = archiver.FallbackSequential
	}
	c := &Controller{
		sources:  sources,
		strategy: strategy,
		delay:    cfg.Delay,
		logger:   logger,
	}
	for _, src := range sources {
		name := src.Name()
		notify := func(change StateChange) {
			logger.Warn("circuit breaker state change",
				zap.String("backend", change.Backend),
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)),
			)
			if onChange != nil {
				onChange(change)
			}
		}
		c.breakers = append(c.breakers, NewBreaker(name, cfg.Threshold, cfg.Cooldown, clock, notify))
	}
	return c, nil
}

// Name identifies the composite source.
func (c *Controller) Name() string { return "fallback" }

// BreakerState exposes the breaker state for a named backend, for
// operational visibility.
func (c *Controller) BreakerState(backend string) (BreakerState, bool) {
	for i, src := range c.sources {
		if src.Name() == backend {
			return c.breakers[i].State(), true
		}
	}
	return "", false
}

// ListCaptures applies the fallback policy to a capture listing call.
func (c *Controller) ListCaptures(ctx context.Context, req archiver.ListRequest) (archiver.ListResult, error) {
	var zero archiver.ListResult
	return call(ctx, c, zero, func(ctx context.Context, src archiver.ArchiveSource) (archiver.ListResult, error) {
		return src.ListCaptures(ctx, req)
	})
}

// FetchContent applies the fallback policy to a content fetch.
func (c *Controller) FetchContent(ctx context.Context, rec archiver.CaptureRecord) ([]byte, error) {
	return call(ctx, c, nil, func(ctx context.Context, src archiver.ArchiveSource) ([]byte, error) {
		return src.FetchContent(ctx, rec)
	})
}

func call[T any](
	ctx context.Context,
	c *Controller,
	zero T,
	fn func(context.Context, archiver.ArchiveSource) (T, error),
) (T, error) {
	if c.strategy == archiver.FallbackParallel {
		return callParallel(ctx, c, zero, fn)
	}
	return callSequential(ctx, c, zero, fn)
}

func callSequential[T any](
	ctx context.Context,
	c *Controller,
	zero T,
	fn func(context.Context, archiver.ArchiveSource) (T, error),
) (T, error) {
	var lastErr error
	attempted := false
	for i, src := range c.sources {
		if !c.breakers[i].Allow() {
			c.logger.Debug("skipping backend with open breaker", zap.String("backend", src.Name()))
			continue
		}
		if attempted && c.delay > 0 {
			if err := sleep(ctx, c.delay); err != nil {
				c.breakers[i].AbortTrial()
				return zero, err
			}
		}
		attempted = true

		result, err := fn(ctx, src)
		if err == nil {
			c.breakers[i].RecordSuccess()
			return result, nil
		}
		if ctx.Err() != nil {
			// Cancellation is the caller's doing, not backend health.
			c.breakers[i].AbortTrial()
			return zero, fmt.Errorf("archive call aborted: %w", ctx.Err())
		}
		c.breakers[i].RecordFailure()
		c.logger.Warn("backend call failed, falling back",
			zap.String("backend", src.Name()),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("all breakers open")
	}
	return zero, fmt.Errorf("%w: %v", archiver.ErrSourceUnavailable, lastErr)
}

func callParallel[T any](
	ctx context.Context,
	c *Controller,
	zero T,
	fn func(context.Context, archiver.ArchiveSource) (T, error),
) (T, error) {
	type outcome struct {
		idx    int
		result T
		err    error
	}

	var admitted []int
	for i := range c.sources {
		if c.breakers[i].Allow() {
			admitted = append(admitted, i)
		}
	}
	if len(admitted) == 0 {
		return zero, fmt.Errorf("%w: all breakers open", archiver.ErrSourceUnavailable)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(admitted))
	for _, idx := range admitted {
		go func(idx int) {
			result, err := fn(callCtx, c.sources[idx])
			results <- outcome{idx: idx, result: result, err: err}
		}(idx)
	}

	// Every admitted breaker must be settled: success, failure, or an
	// aborted trial. Leaving one unsettled would wedge a half-open breaker.
	settled := make(map[int]bool, len(admitted))
	abortRest := func() {
		for _, idx := range admitted {
			if !settled[idx] {
				c.breakers[idx].AbortTrial()
			}
		}
	}

	var lastErr error
	for range admitted {
		out := <-results
		if out.err == nil {
			c.breakers[out.idx].RecordSuccess()
			settled[out.idx] = true
			cancel()
			abortRest()
			return out.result, nil
		}
		if ctx.Err() != nil {
			abortRest()
			return zero, fmt.Errorf("archive call aborted: %w", ctx.Err())
		}
		if errors.Is(out.err, context.Canceled) {
			// Losing racer cancelled after another backend won; not a failure.
			c.breakers[out.idx].AbortTrial()
			settled[out.idx] = true
			continue
		}
		c.breakers[out.idx].RecordFailure()
		settled[out.idx] = true
		c.logger.Warn("backend call failed",
			zap.String("backend", c.sources[out.idx].Name()),
			zap.Error(out.err),
		)
		lastErr = out.err
	}
	if lastErr == nil {
		lastErr = errors.New("no backend succeeded")
	}
	return zero, fmt.Errorf("%w: %v", archiver.ErrSourceUnavailable, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fallback delay interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
