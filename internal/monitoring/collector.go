package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/store"
)

// LedgerSnapshot holds a point-in-time view of the fit ledger.
type LedgerSnapshot struct {
	Total      int     `json:"total"`
	Fit        int     `json:"fit"`
	Skipped    int     `json:"skipped"`
	Failed     int     `json:"failed"`
	InProgress int     `json:"in_progress"`
	FailRate   float64 `json:"fail_rate"`

	RecentFailures []model.FitRun `json:"recent_failures,omitempty"`

	Catalog       string    `json:"catalog,omitempty"`
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// LedgerReader is the subset of store.Store the collector needs.
type LedgerReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.FitRun, error)
	CountByStatus(ctx context.Context, filter store.RunFilter) (store.StatusCounts, error)
}

// Collector summarizes the fit ledger.
type Collector struct {
	store LedgerReader
}

// NewCollector creates a new ledger collector.
func NewCollector(st LedgerReader) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window. A zero
// lookback covers the whole ledger; an empty catalog covers all catalogs.
func (c *Collector) Collect(ctx context.Context, catalog string, lookbackHours int) (*LedgerSnapshot, error) {
	now := time.Now().UTC()
	snap := &LedgerSnapshot{
		Catalog:       catalog,
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	filter := store.RunFilter{Catalog: catalog}
	if lookbackHours > 0 {
		filter.CreatedAfter = now.Add(-time.Duration(lookbackHours) * time.Hour)
	}

	counts, err := c.store.CountByStatus(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count runs")
	}
	for status, n := range counts {
		snap.Total += n
		switch status {
		case model.FitStatusFit:
			snap.Fit += n
		case model.FitStatusSkipped:
			snap.Skipped += n
		case model.FitStatusFailed:
			snap.Failed += n
		default:
			snap.InProgress += n
		}
	}
	if finished := snap.Fit + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	if snap.Failed > 0 {
		filter.Status = model.FitStatusFailed
		filter.Limit = 10
		failures, err := c.store.ListRuns(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list failed runs")
		}
		snap.RecentFailures = failures
	}
	return snap, nil
}
