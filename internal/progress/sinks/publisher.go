package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagetrail/pagetrail/internal/archiver"
	"github.com/pagetrail/pagetrail/internal/progress"
)

// StatusCounter reports the stored page status totals for one domain. It
// backs the status_counts block of published page batches; a nil counter
// falls back to tallying the batch itself.
type StatusCounter func(ctx context.Context, domainID string) (map[archiver.PageStatus]int, error)

// PublisherSink forwards progress batches to an event publisher so external
// consumers can follow run and page state changes. Page status events are
// grouped per run into one message carrying the individual updates plus
// domain-wide status totals; other stages publish one message each.
type PublisherSink struct {
	pub    archiver.Publisher
	topic  string
	counts StatusCounter
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink targeting one topic.
func NewPublisherSink(pub archiver.Publisher, topic string, counts StatusCounter, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, counts: counts, logger: logger}
}

// eventMessage is the published wire form of one non-page progress event.
type eventMessage struct {
	RunID       string    `json:"run_id,omitempty"`
	TS          time.Time `json:"ts"`
	Stage       string    `json:"stage"`
	Domain      string    `json:"domain,omitempty"`
	URL         string    `json:"url,omitempty"`
	Status      string    `json:"status,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	BreakerFrom string    `json:"breaker_from,omitempty"`
	BreakerTo   string    `json:"breaker_to,omitempty"`
	Bytes       int64     `json:"bytes,omitempty"`
	Pages       int64     `json:"pages,omitempty"`
	Gaps        int       `json:"gaps,omitempty"`
	CoveragePct float64   `json:"coverage_pct,omitempty"`
	DurMillis   int64     `json:"dur_ms,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// pageUpdate is one page status change inside a batch message.
type pageUpdate struct {
	URL    string    `json:"url"`
	Status string    `json:"status"`
	Bytes  int64     `json:"bytes,omitempty"`
	TS     time.Time `json:"ts"`
}

// pageBatchMessage groups one run's page status changes into a single
// published message.
type pageBatchMessage struct {
	RunID              string         `json:"run_id,omitempty"`
	TS                 time.Time      `json:"ts"`
	Stage              string         `json:"stage"`
	Domain             string         `json:"domain"`
	PageUpdates        []pageUpdate   `json:"page_updates"`
	StatusCounts       map[string]int `json:"status_counts"`
	ProgressPercentage float64        `json:"progress_percentage"`
}

// Consume publishes the batch: non-page events as they arrive, then one
// aggregated message per (run, domain) for page status changes. A publish
// failure aborts the batch and is reported to the hub.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}

	type groupKey struct {
		runID  [16]byte
		domain string
	}
	groups := make(map[groupKey]*pageBatchMessage)
	tallies := make(map[groupKey]map[string]int)
	domainIDs := make(map[groupKey]string)
	var order []groupKey

	for _, evt := range batch {
		if evt.Stage != progress.StagePageStatus {
			msg := eventMessage{
				TS:          evt.TS,
				Stage:       string(evt.Stage),
				Domain:      evt.Domain,
				URL:         evt.URL,
				Status:      evt.Status,
				Backend:     evt.Backend,
				BreakerFrom: evt.BreakerFrom,
				BreakerTo:   evt.BreakerTo,
				Bytes:       evt.Bytes,
				Pages:       evt.Pages,
				Gaps:        evt.Gaps,
				CoveragePct: evt.CoveragePct,
				DurMillis:   evt.Dur.Milliseconds(),
				Note:        evt.Note,
			}
			if evt.RunID != [16]byte{} {
				msg.RunID = evt.RunUUID().String()
			}
			if _, err := s.pub.Publish(ctx, s.topic, msg); err != nil {
				return fmt.Errorf("publish progress event: %w", err)
			}
			continue
		}

		key := groupKey{runID: evt.RunID, domain: evt.Domain}
		msg, ok := groups[key]
		if !ok {
			msg = &pageBatchMessage{Stage: string(evt.Stage), Domain: evt.Domain}
			if evt.RunID != [16]byte{} {
				msg.RunID = evt.RunUUID().String()
			}
			groups[key] = msg
			tallies[key] = make(map[string]int)
			order = append(order, key)
		}
		msg.TS = evt.TS
		msg.PageUpdates = append(msg.PageUpdates, pageUpdate{
			URL:    evt.URL,
			Status: evt.Status,
			Bytes:  evt.Bytes,
			TS:     evt.TS,
		})
		tallies[key][evt.Status]++
		if evt.DomainID != "" {
			domainIDs[key] = evt.DomainID
		}
	}

	for _, key := range order {
		msg := groups[key]
		msg.StatusCounts = s.statusCounts(ctx, domainIDs[key], tallies[key])
		msg.ProgressPercentage = progressPct(msg.StatusCounts)
		if _, err := s.pub.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish page status batch: %w", err)
		}
	}
	return nil
}

// statusCounts resolves the domain-wide totals, falling back to the batch's
// own tally when no counter is wired or the lookup fails.
func (s *PublisherSink) statusCounts(ctx context.Context, domainID string, tally map[string]int) map[string]int {
	if s.counts == nil || domainID == "" {
		return tally
	}
	counts, err := s.counts(ctx, domainID)
	if err != nil {
		s.logger.Warn("page status counts unavailable",
			zap.String("domain_id", domainID),
			zap.Error(err),
		)
		return tally
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}

// progressPct is the share of pages no longer awaiting work, 0-100.
func progressPct(counts map[string]int) float64 {
	total, settled := 0, 0
	for status, n := range counts {
		total += n
		switch status {
		case string(archiver.PageStatusPending),
			string(archiver.PageStatusInProgress),
			string(archiver.PageStatusRetry):
		default:
			settled += n
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(settled) / float64(total)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
