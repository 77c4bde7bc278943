package model

import "time"

// FitStatus is the state of a per-source orchestration call.
type FitStatus string

const (
	FitStatusNotStarted      FitStatus = "not_started"
	FitStatusDictionaryReady FitStatus = "dictionary_ready"
	FitStatusFitting         FitStatus = "fitting"
	FitStatusFit             FitStatus = "fit"
	FitStatusSkipped         FitStatus = "skipped"
	FitStatusFailed          FitStatus = "failed"
)

// Terminal reports whether no further transitions follow this status.
func (s FitStatus) Terminal() bool {
	switch s {
	case FitStatusFit, FitStatusSkipped, FitStatusFailed:
		return true
	default:
		return false
	}
}

// ErrorCategory classifies a failed or skipped fit.
type ErrorCategory string

const (
	ErrorCategoryConfig       ErrorCategory = "config"
	ErrorCategoryInconsistent ErrorCategory = "inconsistent_cache"
	ErrorCategoryCorrupt      ErrorCategory = "corrupt_artifact"
	ErrorCategoryFit          ErrorCategory = "fit"
)

// FitError records why a run did not reach FitStatusFit.
type FitError struct {
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
}

// FitRun is one ledger entry: a single orchestration call for one source.
type FitRun struct {
	ID        string    `json:"id"`
	Catalog   string    `json:"catalog"`
	Line      int       `json:"line"`
	Source    string    `json:"source"`
	Status    FitStatus `json:"status"`
	Sampled   bool      `json:"sampled"`
	Error     *FitError `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
