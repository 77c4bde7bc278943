package gridcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/resilience"
)

func lockPath(key string) string {
	return key + ".lock"
}

// acquireLock creates key's lock file exclusively. A held lock yields a
// resilience.TransientError; a lock older than staleAfter is removed and
// also reported as transient so the caller retries.
func acquireLock(key string, staleAfter time.Duration, now time.Time) (func(), error) {
	path := lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "gridcache: create lock dir")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		host, _ := os.Hostname()
		fmt.Fprintf(f, "%s %d %s\n", host, os.Getpid(), now.UTC().Format(time.RFC3339))
		f.Close() //nolint:errcheck
		return func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				zap.L().Warn("gridcache: release lock", zap.String("lock", path), zap.Error(err))
			}
		}, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, eris.Wrap(err, "gridcache: create lock")
	}

	if info, statErr := os.Stat(path); statErr == nil && staleAfter > 0 && now.Sub(info.ModTime()) > staleAfter {
		zap.L().Warn("breaking stale model dictionary lock",
			zap.String("lock", path),
			zap.Time("locked_at", info.ModTime()),
		)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, eris.Wrap(rmErr, "gridcache: remove stale lock")
		}
		return nil, resilience.NewTransientError(eris.Errorf("gridcache: stale lock on %s removed", key))
	}
	return nil, resilience.NewTransientError(eris.Errorf("gridcache: %s is being built by another worker", key))
}
