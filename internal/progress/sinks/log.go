// Package sinks provides progress.Sink implementations: structured logs,
// Prometheus collectors, and an event publisher bridge.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Useful during
// development or audits where no durable event transport is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("domain", evt.Domain),
		}
		if evt.RunID != [16]byte{} {
			fields = append(fields, zap.String("run_id", evt.RunUUID().String()))
		}
		switch evt.Stage {
		case progress.StagePageStatus:
			fields = append(fields,
				zap.String("url", evt.URL),
				zap.String("status", evt.Status),
				zap.Int64("bytes", evt.Bytes),
			)
		case progress.StageGapAnalysis:
			fields = append(fields,
				zap.Int("gaps", evt.Gaps),
				zap.Float64("coverage_pct", evt.CoveragePct),
			)
		case progress.StageBreaker:
			fields = append(fields,
				zap.String("backend", evt.Backend),
				zap.String("from", evt.BreakerFrom),
				zap.String("to", evt.BreakerTo),
			)
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields,
				zap.String("status", evt.Status),
				zap.Int64("pages", evt.Pages),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
