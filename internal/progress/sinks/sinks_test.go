package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/progress"
)

func TestPrometheusSinkTracksRuns(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now().UTC()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, Domain: "example.com"},
		{TS: now, Stage: progress.StagePageStatus, Domain: "example.com", URL: "https://example.com/", Status: "completed", Bytes: 4096},
		{TS: now, Stage: progress.StageGapAnalysis, Domain: "example.com", Gaps: 2, CoveragePct: 75},
		{TS: now, Stage: progress.StageBreaker, Backend: "commoncrawl", BreakerFrom: "closed", BreakerTo: "open"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageStatuses.WithLabelValues("example.com", "completed")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.gapsOpen.WithLabelValues("example.com")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.breakerChanges.WithLabelValues("commoncrawl", "open")))

	done := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Status: "completed", Pages: 10, Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), done))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
}

func TestPrometheusSinkIgnoresDuplicateTerminalEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRunError, Status: "failed"},
		{RunID: runID, TS: now, Stage: progress.StageRunError, Status: "failed"},
	}))
	// The gauge must not go negative on a duplicate terminal event.
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, payload)
	return "msg-1", nil
}

func TestPublisherSinkForwardsEvents(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, "archiver-events", nil, zap.NewNop())

	runID := uuid.New()
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(runID), TS: time.Now().UTC(), Stage: progress.StageRunDone, Status: "completed", Pages: 3, Dur: 2 * time.Second},
	})
	require.NoError(t, err)
	require.Len(t, pub.messages, 1)

	msg, ok := pub.messages[0].(eventMessage)
	require.True(t, ok)
	require.Equal(t, runID.String(), msg.RunID)
	require.Equal(t, "RUN_DONE", msg.Stage)
	require.Equal(t, int64(2000), msg.DurMillis)
}

// TestPublisherSinkBatchesPageStatuses: page status events for one run leave
// as a single message carrying every update plus status counts and progress.
func TestPublisherSinkBatchesPageStatuses(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, "archiver-events", nil, zap.NewNop())

	runID := uuid.New()
	now := time.Now().UTC()
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(runID), TS: now, Stage: progress.StagePageStatus, Domain: "example.com", DomainID: "d1", URL: "https://example.com/a", Status: "completed", Bytes: 100},
		{RunID: progress.UUIDToBytes(runID), TS: now, Stage: progress.StagePageStatus, Domain: "example.com", DomainID: "d1", URL: "https://example.com/b", Status: "completed", Bytes: 200},
		{RunID: progress.UUIDToBytes(runID), TS: now, Stage: progress.StagePageStatus, Domain: "example.com", DomainID: "d1", URL: "https://example.com/c", Status: "retry"},
		{RunID: progress.UUIDToBytes(runID), TS: now, Stage: progress.StageRunDone, Status: "completed", Pages: 3},
	})
	require.NoError(t, err)
	require.Len(t, pub.messages, 2)

	done, ok := pub.messages[0].(eventMessage)
	require.True(t, ok)
	require.Equal(t, "RUN_DONE", done.Stage)

	batch, ok := pub.messages[1].(*pageBatchMessage)
	require.True(t, ok)
	require.Equal(t, runID.String(), batch.RunID)
	require.Equal(t, "PAGE_STATUS", batch.Stage)
	require.Equal(t, "example.com", batch.Domain)
	require.Len(t, batch.PageUpdates, 3)
	require.Equal(t, "https://example.com/a", batch.PageUpdates[0].URL)
	require.Equal(t, map[string]int{"completed": 2, "retry": 1}, batch.StatusCounts)
	require.InDelta(t, 66.67, batch.ProgressPercentage, 0.1)
}

// TestPublisherSinkUsesStoredStatusCounts: with a counter wired, the batch
// carries the domain-wide totals rather than its own tally.
func TestPublisherSinkUsesStoredStatusCounts(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	var askedFor string
	counter := func(_ context.Context, domainID string) (map[archiver.PageStatus]int, error) {
		askedFor = domainID
		return map[archiver.PageStatus]int{
			archiver.PageStatusCompleted: 8,
			archiver.PageStatusPending:   2,
		}, nil
	}
	sink := NewPublisherSink(pub, "archiver-events", counter, zap.NewNop())

	now := time.Now().UTC()
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), TS: now, Stage: progress.StagePageStatus, Domain: "example.com", DomainID: "d1", URL: "https://example.com/a", Status: "completed"},
	})
	require.NoError(t, err)
	require.Equal(t, "d1", askedFor)
	require.Len(t, pub.messages, 1)

	batch, ok := pub.messages[0].(*pageBatchMessage)
	require.True(t, ok)
	require.Equal(t, map[string]int{"completed": 8, "pending": 2}, batch.StatusCounts)
	require.InDelta(t, 80.0, batch.ProgressPercentage, 0.01)
}

func TestPublisherSinkPropagatesErrors(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: errors.New("topic gone")}
	sink := NewPublisherSink(pub, "archiver-events", nil, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now().UTC(), Stage: progress.StageGapAnalysis, Domain: "example.com"},
	})
	require.Error(t, err)
}

func TestLogSinkDoesNotPanic(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(zap.NewNop())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now().UTC(), Stage: progress.StageRunStart, Domain: "example.com"},
		{TS: time.Now().UTC(), Stage: progress.StageBreaker, Backend: "wayback", BreakerFrom: "open", BreakerTo: "half_open", Note: "trial"},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
