// Package store persists the fit ledger: one row per orchestration call.
package store

import (
	"context"
	"time"

	"github.com/sells-group/agnfit-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.FitStatus `json:"status,omitempty"`
	Catalog      string          `json:"catalog,omitempty"`
	Source       string          `json:"source,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// StatusCounts is the number of runs per status.
type StatusCounts map[model.FitStatus]int

// Total sums all statuses.
func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Store defines the persistence interface for the fit ledger.
type Store interface {
	CreateRun(ctx context.Context, catalog string, line int, source string) (*model.FitRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.FitStatus) error
	// CompleteRun marks a run as fit; sampled reports whether the sampler ran.
	CompleteRun(ctx context.Context, runID string, sampled bool) error
	// FailRun records a terminal failed or skipped status with its cause.
	FailRun(ctx context.Context, runID string, status model.FitStatus, fitErr *model.FitError) error
	GetRun(ctx context.Context, runID string) (*model.FitRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.FitRun, error)
	CountByStatus(ctx context.Context, filter RunFilter) (StatusCounts, error)

	Migrate(ctx context.Context) error
	Close() error
}
