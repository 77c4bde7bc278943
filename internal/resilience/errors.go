// Package resilience classifies fit failures, provides backoff for
// contended resources and breaks off calls to failing external programs.
package resilience

import (
	"errors"
	"fmt"

	"github.com/sells-group/agnfit-cli/internal/model"
)

// ConfigError is a fatal configuration problem: missing catalog, missing
// settings, or a band-count mismatch. It is never retried.
type ConfigError struct {
	Msg         string
	Remediation string
	Err         error
}

func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Remediation != "" {
		msg += "\n" + e.Remediation
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a ConfigError with optional remediation text.
func NewConfigError(msg, remediation string) *ConfigError {
	return &ConfigError{Msg: msg, Remediation: remediation}
}

// InconsistencyError reports a cached model grid whose stored filter
// settings differ from the requested ones.
type InconsistencyError struct {
	Key    string
	Fields []string
}

// InconsistencyRemediation is shown whenever a stale model grid is refused.
const InconsistencyRemediation = "To update the model dictionary you can either:\n" +
	"  * change the filterset name (filters.filterset), or\n" +
	"  * run in model-overwriting mode (-o)"

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("model dictionary %s was built with different filter settings %v\n%s",
		e.Key, e.Fields, InconsistencyRemediation)
}

// CorruptArtifactError reports a cached grid that cannot be decoded:
// truncated, garbled, or written by an incompatible schema version.
type CorruptArtifactError struct {
	Path string
	Err  error
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("model dictionary %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptArtifactError) Unwrap() error {
	return e.Err
}

// TransientError wraps a condition that is expected to clear by itself,
// such as a grid lock held by another worker.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as safe to retry.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsConfig reports whether err (or any error in its chain) is a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsInconsistent reports whether err carries an InconsistencyError.
func IsInconsistent(err error) bool {
	var ie *InconsistencyError
	return errors.As(err, &ie)
}

// IsCorrupt reports whether err carries a CorruptArtifactError.
func IsCorrupt(err error) bool {
	var ce *CorruptArtifactError
	return errors.As(err, &ce)
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err must abort the whole batch rather than a
// single source.
func IsFatal(err error) bool {
	return IsConfig(err) || IsInconsistent(err)
}

// Category maps an error onto the ledger's error categories.
func Category(err error) model.ErrorCategory {
	switch {
	case IsConfig(err):
		return model.ErrorCategoryConfig
	case IsInconsistent(err):
		return model.ErrorCategoryInconsistent
	case IsCorrupt(err):
		return model.ErrorCategoryCorrupt
	default:
		return model.ErrorCategoryFit
	}
}
