// Package fit drives the per-source fitting state machine and spreads it
// across a worker pool.
package fit

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/gridcache"
	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/monitoring"
	"github.com/sells-group/agnfit-cli/internal/resilience"
	"github.com/sells-group/agnfit-cli/pkg/sedproc"
)

// Completion markers, relative to the source's output directory.
var completionMarkers = []string{
	"samples_mcmc.sav",
	filepath.Join("ultranest", "chains", "weighted_post.txt"),
}

// GridResolver resolves model grids; *gridcache.Cache satisfies it.
type GridResolver interface {
	Resolve(ctx context.Context, req gridcache.Request) (*gridcache.Resolution, error)
}

// Ledger records orchestration transitions; store.Store satisfies it.
type Ledger interface {
	CreateRun(ctx context.Context, catalog string, line int, source string) (*model.FitRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.FitStatus) error
	CompleteRun(ctx context.Context, runID string, sampled bool) error
	FailRun(ctx context.Context, runID string, status model.FitStatus, fitErr *model.FitError) error
}

// Outcome is the result of one FitSource call.
type Outcome struct {
	Line    int             `json:"line"`
	Source  string          `json:"source"`
	Status  model.FitStatus `json:"status"`
	Sampled bool            `json:"sampled"`
	RunID   string          `json:"run_id,omitempty"`
}

// Orchestrator fits single sources.
type Orchestrator struct {
	cfg       *config.Config
	catalog   string
	bandCount int
	grids     GridResolver
	sampler   sedproc.Sampler
	writer    sedproc.Writer
	ledger    Ledger
	shared    *gridcache.Resolution
	overwrite bool
	breaker   *resilience.CircuitBreaker
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLedger records every transition in l.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithOverwrite rebuilds per-source grids even when an entry exists.
func WithOverwrite(overwrite bool) Option {
	return func(o *Orchestrator) { o.overwrite = overwrite }
}

// WithSharedGrid uses res for every source instead of per-source grids.
func WithSharedGrid(res *gridcache.Resolution) Option {
	return func(o *Orchestrator) { o.shared = res }
}

// WithSamplerBreaker routes every sampler launch through cb.
func WithSamplerBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

// NewOrchestrator creates an Orchestrator for one catalog. bandCount is
// the catalog's number of photometric bands.
func NewOrchestrator(cfg *config.Config, catalog string, bandCount int, grids GridResolver, sampler sedproc.Sampler, writer sedproc.Writer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		catalog:   catalog,
		bandCount: bandCount,
		grids:     grids,
		sampler:   sampler,
		writer:    writer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FitSource runs one source through NotStarted, DictionaryReady, Fitting
// and Fit. A corrupt per-source grid ends in Skipped with a nil error.
func (o *Orchestrator) FitSource(ctx context.Context, src model.SourceRecord) (Outcome, error) {
	log := zap.L().With(zap.Int("line", src.Line), zap.String("source", src.Name))
	out := Outcome{Line: src.Line, Source: src.Name, Status: model.FitStatusNotStarted}

	if o.ledger != nil {
		run, err := o.ledger.CreateRun(ctx, o.catalog, src.Line, src.Name)
		if err != nil {
			log.Warn("fit: ledger create run", zap.Error(err))
		} else {
			out.RunID = run.ID
		}
	}

	dir := filepath.Join(o.cfg.Catalog.OutputFolder, src.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return o.fail(ctx, log, out, eris.Wrapf(err, "fit: create output dir %s", dir))
	}

	res, err := o.resolveGrid(ctx, src)
	if err != nil {
		if resilience.IsCorrupt(err) {
			log.Warn("skipping source: model dictionary is unreadable", zap.Error(err))
			out.Status = model.FitStatusSkipped
			o.record(ctx, log, out, &model.FitError{Message: err.Error(), Category: model.ErrorCategoryCorrupt})
			return out, nil
		}
		return o.fail(ctx, log, out, err)
	}
	o.transition(ctx, log, &out, model.FitStatusDictionaryReady)

	req := sedproc.FitRequest{
		Source:       src,
		GridPath:     res.Key,
		OutputDir:    dir,
		ModelOptions: o.cfg.Models.Options,
		Grid:         res.Grid,
	}

	if marker, ok := completedMarker(dir); ok {
		log.Info("source already fit; writing outputs only", zap.String("marker", marker))
		if err := o.stage(ctx, "writer", func(ctx context.Context) error { return o.writer.Write(ctx, req) }); err != nil {
			return o.fail(ctx, log, out, err)
		}
		return o.complete(ctx, log, out), nil
	}

	// The writer alone succeeds when usable sampler output already exists.
	werr := o.stage(ctx, "writer", func(ctx context.Context) error { return o.writer.Write(ctx, req) })
	if werr == nil {
		return o.complete(ctx, log, out), nil
	}
	log.Debug("writer could not finish without sampling", zap.Error(werr))

	o.transition(ctx, log, &out, model.FitStatusFitting)
	if err := o.stage(ctx, "sampler", func(ctx context.Context) error { return o.sample(ctx, req) }); err != nil {
		return o.fail(ctx, log, out, err)
	}
	out.Sampled = true
	if err := o.stage(ctx, "writer", func(ctx context.Context) error { return o.writer.Write(ctx, req) }); err != nil {
		return o.fail(ctx, log, out, err)
	}
	return o.complete(ctx, log, out), nil
}

// SharedRequest is the cache request for the grid shared by all sources
// of a catalog, built over the configured redshift array.
func SharedRequest(cfg *config.Config, catalog string, bandCount int, overwrite bool) gridcache.Request {
	return gridcache.Request{
		Key:       gridcache.GlobalKey(cfg),
		Catalog:   catalog,
		Filters:   cfg.Filters,
		Models:    cfg.Models,
		Redshifts: cfg.Filters.DictZArray,
		BandCount: bandCount,
		Overwrite: overwrite,
	}
}

func (o *Orchestrator) resolveGrid(ctx context.Context, src model.SourceRecord) (*gridcache.Resolution, error) {
	if o.shared != nil {
		return o.shared, nil
	}
	return o.grids.Resolve(ctx, gridcache.Request{
		Key:       gridcache.SourceKey(o.cfg.Catalog.OutputFolder, src),
		Catalog:   o.catalog,
		Filters:   o.cfg.Filters,
		Models:    o.cfg.Models,
		Redshifts: []float64{src.Redshift},
		BandCount: o.bandCount,
		Overwrite: o.overwrite,
		NRadio:    src.NRadio,
		NXray:     src.NXray,
	})
}

func (o *Orchestrator) sample(ctx context.Context, req sedproc.FitRequest) error {
	if o.breaker == nil {
		return o.sampler.Sample(ctx, req)
	}
	return o.breaker.Execute(ctx, func(ctx context.Context) error { return o.sampler.Sample(ctx, req) })
}

func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.StageDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
	return eris.Wrapf(err, "fit: %s", name)
}

func (o *Orchestrator) transition(ctx context.Context, log *zap.Logger, out *Outcome, status model.FitStatus) {
	out.Status = status
	if o.ledger == nil || out.RunID == "" {
		return
	}
	if err := o.ledger.UpdateRunStatus(ctx, out.RunID, status); err != nil {
		log.Warn("fit: ledger update status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (o *Orchestrator) complete(ctx context.Context, log *zap.Logger, out Outcome) Outcome {
	out.Status = model.FitStatusFit
	monitoring.FitsTotal.WithLabelValues(string(out.Status)).Inc()
	if o.ledger != nil && out.RunID != "" {
		if err := o.ledger.CompleteRun(ctx, out.RunID, out.Sampled); err != nil {
			log.Warn("fit: ledger complete run", zap.Error(err))
		}
	}
	log.Info("source fit", zap.Bool("sampled", out.Sampled))
	return out
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, out Outcome, err error) (Outcome, error) {
	out.Status = model.FitStatusFailed
	o.record(ctx, log, out, &model.FitError{Message: err.Error(), Category: resilience.Category(err)})
	return out, err
}

// record stores a terminal failed or skipped outcome.
func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, out Outcome, fitErr *model.FitError) {
	monitoring.FitsTotal.WithLabelValues(string(out.Status)).Inc()
	if o.ledger == nil || out.RunID == "" {
		return
	}
	// The ledger write must survive a cancelled batch.
	if err := o.ledger.FailRun(context.WithoutCancel(ctx), out.RunID, out.Status, fitErr); err != nil {
		log.Warn("fit: ledger fail run", zap.Error(err))
	}
}

func completedMarker(dir string) (string, bool) {
	for _, m := range completionMarkers {
		path := filepath.Join(dir, m)
		if _, err := os.Lstat(path); err == nil {
			return path, true
		} else if !errors.Is(err, fs.ErrNotExist) {
			zap.L().Warn("fit: stat completion marker", zap.String("marker", path), zap.Error(err))
		}
	}
	return "", false
}
