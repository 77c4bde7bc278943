// Package gridcache is the durable build-or-reuse store of model grids.
// Entries are files keyed by path; the key plus a sibling lock file are
// the only coordination between workers.
package gridcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/monitoring"
	"github.com/sells-group/agnfit-cli/internal/resilience"
	"github.com/sells-group/agnfit-cli/pkg/sedproc"
)

// Confirmer decides whether a stale entry may be used anyway. Only
// interactive, single-operator runs should supply one.
type Confirmer interface {
	Confirm(ctx context.Context, inc *resilience.InconsistencyError) (bool, error)
}

// Request describes the grid to resolve.
type Request struct {
	Key       string
	Catalog   string
	Filters   config.FiltersConfig
	Models    config.ModelsConfig
	Redshifts []float64
	// BandCount is the number of photometric bands in the catalog.
	BandCount int
	Overwrite bool
	// NRadio and NXray select the radio and X-ray model components.
	NRadio int
	NXray  int
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Key      string
	Grid     *model.Grid
	Artifact *Artifact
	Built    bool
	// Stale is set when an inconsistent entry was accepted by the Confirmer.
	Stale bool
}

// Cache resolves model grids against a GridBuilder.
type Cache struct {
	builder    sedproc.GridBuilder
	confirmer  Confirmer
	staleAfter time.Duration
	wait       resilience.RetryConfig
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithConfirmer enables the interactive continue-with-stale-entry path.
func WithConfirmer(c Confirmer) Option {
	return func(cache *Cache) { cache.confirmer = c }
}

// WithStaleLockAfter sets the age after which a lock is considered
// abandoned. Zero never breaks a lock.
func WithStaleLockAfter(d time.Duration) Option {
	return func(cache *Cache) { cache.staleAfter = d }
}

// WithLockWait overrides the backoff used while a lock is held.
func WithLockWait(cfg resilience.RetryConfig) Option {
	return func(cache *Cache) { cache.wait = cfg }
}

// New creates a Cache.
func New(builder sedproc.GridBuilder, opts ...Option) *Cache {
	c := &Cache{
		builder:    builder,
		staleAfter: 6 * time.Hour,
		wait:       resilience.LockWaitConfig(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GlobalKey is the entry shared by every source of a catalog.
func GlobalKey(cfg *config.Config) string {
	return cfg.ModelsDictPath()
}

// SourceKey is the per-source entry under the source's output directory.
func SourceKey(outputDir string, src model.SourceRecord) string {
	return filepath.Join(outputDir, src.Name, fmt.Sprintf("MODELSDICT_%s_z%s", src.Name, src.RedshiftText))
}

// Resolve returns the grid for req, building and persisting it when no
// entry exists.
func (c *Cache) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	log := zap.L().With(zap.String("key", req.Key))

	if req.Overwrite {
		if _, err := os.Stat(req.Key); err == nil {
			log.Info("removing existing model dictionary")
			if err := os.RemoveAll(req.Key); err != nil {
				return nil, eris.Wrapf(err, "gridcache: remove %s", req.Key)
			}
		}
	}

	art, built, err := c.loadOrBuild(ctx, req, log)
	if err != nil {
		if resilience.IsCorrupt(err) {
			monitoring.GridResolutions.WithLabelValues(monitoring.GridCorrupt).Inc()
		}
		return nil, err
	}

	res := &Resolution{Key: req.Key, Grid: art.Grid, Artifact: art, Built: built}
	if built {
		monitoring.GridResolutions.WithLabelValues(monitoring.GridBuilt).Inc()
	} else {
		stale, err := c.checkConsistency(ctx, req, art, log)
		if err != nil {
			monitoring.GridResolutions.WithLabelValues(monitoring.GridRejected).Inc()
			return nil, err
		}
		res.Stale = stale
		if stale {
			monitoring.GridResolutions.WithLabelValues(monitoring.GridStale).Inc()
		} else {
			monitoring.GridResolutions.WithLabelValues(monitoring.GridReused).Inc()
		}
	}

	if n := art.Grid.BandCount(); n != req.BandCount {
		return nil, resilience.NewConfigError(
			fmt.Sprintf("catalog has %d photometric bands but model dictionary %s encodes %d", req.BandCount, req.Key, n),
			resilience.InconsistencyRemediation,
		)
	}
	return res, nil
}

func (c *Cache) loadOrBuild(ctx context.Context, req Request, log *zap.Logger) (*Artifact, bool, error) {
	var (
		art   *Artifact
		built bool
	)

	wait := c.wait
	wait.OnRetry = func(attempt int, err error) {
		monitoring.GridLockWaits.Inc()
		resilience.RetryLogger(req.Key)(attempt, err)
	}

	err := resilience.Do(ctx, wait, func(ctx context.Context) error {
		a, err := ReadArtifact(req.Key)
		if err == nil {
			art = a
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		release, err := acquireLock(req.Key, c.staleAfter, c.now())
		if err != nil {
			return err
		}
		defer release()

		// Another worker may have finished between the read and the lock.
		if a, err := ReadArtifact(req.Key); err == nil {
			art = a
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		a, err = c.build(ctx, req, log)
		if err != nil {
			return err
		}
		art, built = a, true
		return nil
	})
	return art, built, err
}

func (c *Cache) build(ctx context.Context, req Request, log *zap.Logger) (*Artifact, error) {
	log.Info("constructing model dictionary", zap.Int("redshifts", len(req.Redshifts)))
	start := time.Now()

	grid, err := c.builder.BuildGrid(ctx, sedproc.BuildRequest{
		Filterset:      req.Filters.Filterset,
		Bands:          enabledBandNames(req.Filters),
		AddFilters:     req.Filters.AddFilters,
		AddFiltersDict: req.Filters.AddFiltersDict,
		Modelset:       req.Models.Modelset,
		ModelsPath:     req.Models.Path,
		Redshifts:      req.Redshifts,
		ModelOptions:   req.Models.Options,
		NRadio:         req.NRadio,
		NXray:          req.NXray,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.StageDuration.WithLabelValues("builder", outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, eris.Wrapf(err, "gridcache: build %s", req.Key)
	}

	art := &Artifact{
		Version:   SchemaVersion,
		Filename:  req.Catalog,
		Filterset: req.Filters.Filterset,
		Filters:   snapshotFilters(req.Filters),
		Models: ModelSnapshot{
			Path:     req.Models.Path,
			Modelset: req.Models.Modelset,
			Options:  req.Models.Options,
		},
		Redshifts: req.Redshifts,
		NRadio:    req.NRadio,
		NXray:     req.NXray,
		Grid:      grid,
		CreatedAt: c.now().UTC(),
	}
	if err := WriteArtifact(req.Key, art); err != nil {
		return nil, err
	}
	log.Info("model dictionary stored", zap.Duration("elapsed", time.Since(start)))

	// Serve what was persisted so later reuse returns identical content.
	return ReadArtifact(req.Key)
}

// checkConsistency compares every boolean filter setting of a reused
// entry with the request. It reports whether a stale entry was accepted.
func (c *Cache) checkConsistency(ctx context.Context, req Request, art *Artifact, log *zap.Logger) (bool, error) {
	mismatched, changed := compareFilters(art.Filters, req.Filters)
	for _, field := range changed {
		log.Warn("model dictionary filter setting differs; not checked", zap.String("field", field))
	}
	if len(mismatched) == 0 {
		return false, nil
	}

	inc := &resilience.InconsistencyError{Key: req.Key, Fields: mismatched}
	if c.confirmer == nil {
		return false, inc
	}
	ok, err := c.confirmer.Confirm(ctx, inc)
	if err != nil {
		return false, eris.Wrap(err, "gridcache: confirm stale entry")
	}
	if !ok {
		return false, inc
	}
	log.Warn("continuing with inconsistent model dictionary", zap.Strings("fields", mismatched))
	return true, nil
}

// compareFilters returns boolean fields that differ and, separately,
// other fields that differ.
func compareFilters(stored FilterSnapshot, requested config.FiltersConfig) (mismatched, changed []string) {
	storedBands := make(map[string]config.BandToggle, len(stored.Bands))
	for _, b := range stored.Bands {
		storedBands[b.Name] = b
	}
	requestedBands := make(map[string]config.BandToggle, len(requested.Bands))
	for _, b := range requested.Bands {
		requestedBands[b.Name] = b
	}

	names := make([]string, 0, len(storedBands)+len(requestedBands))
	for name := range requestedBands {
		names = append(names, name)
	}
	for name := range storedBands {
		if _, ok := requestedBands[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s, r := storedBands[name], requestedBands[name]
		if s.Enabled != r.Enabled {
			mismatched = append(mismatched, name)
			continue
		}
		if s.Enabled && s.Index != r.Index {
			changed = append(changed, name+".index")
		}
	}

	if stored.AddFilters != requested.AddFilters {
		mismatched = append(mismatched, "add_filters")
	}
	if stored.AddFiltersDict != requested.AddFiltersDict {
		changed = append(changed, "add_filters_dict")
	}
	return mismatched, changed
}

func enabledBandNames(f config.FiltersConfig) []string {
	enabled := f.EnabledBands()
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].Index < enabled[j].Index })
	names := make([]string, len(enabled))
	for i, b := range enabled {
		names[i] = b.Name
	}
	return names
}
