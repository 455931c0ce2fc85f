// Package progress defines the event stream emitted while runs execute:
// run lifecycle milestones, page status changes, coverage analyses, and
// circuit breaker transitions.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunHB       Stage = "RUN_HEARTBEAT"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
	StagePageStatus  Stage = "PAGE_STATUS"
	StageGapAnalysis Stage = "GAP_ANALYSIS"
	StageBreaker     Stage = "BREAKER_CHANGE"
)

// Event captures a single milestone in the archiver's progress.
type Event struct {
	// RunID identifies the run in 16-byte UUID form. Breaker and gap
	// analysis events may omit it.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Domain scopes the event to one tracked domain.
	Domain string
	// DomainID is the domain's store ID, set on page status events so sinks
	// can resolve domain-wide counts.
	DomainID string
	// URL is the page URL for page status events.
	URL string
	// Status carries the page status or terminal run status.
	Status string
	// Backend names the archive backend for breaker events.
	Backend string
	// BreakerFrom and BreakerTo describe a breaker transition.
	BreakerFrom string
	BreakerTo   string
	// Bytes carries the fetched payload size for page events.
	Bytes int64
	// Pages carries the processed page count for run completion events.
	Pages int64
	// Gaps carries the open gap count for analysis events.
	Gaps int
	// CoveragePct is the covered share of the analysis window, 0-100.
	CoveragePct float64
	// Dur captures run or fetch latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunHB, StageRunDone, StageRunError:
		if e.RunID == [16]byte{} {
			return errors.New("run events require run id")
		}
	case StagePageStatus:
		if e.Domain == "" || e.URL == "" || e.Status == "" {
			return errors.New("page status requires domain, url, and status")
		}
	case StageGapAnalysis:
		if e.Domain == "" {
			return errors.New("gap analysis requires domain")
		}
	case StageBreaker:
		if e.Backend == "" || e.BreakerTo == "" {
			return errors.New("breaker change requires backend and target state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
