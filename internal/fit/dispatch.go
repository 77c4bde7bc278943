package fit

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/agnfit-cli/internal/model"
	"github.com/sells-group/agnfit-cli/internal/monitoring"
	"github.com/sells-group/agnfit-cli/internal/resilience"
)

// Catalog is the read-only view the dispatcher needs; *catalog.Catalog
// satisfies it.
type Catalog interface {
	Get(line int) (model.SourceRecord, error)
	Len() int
}

// Fitter fits one source; *Orchestrator satisfies it.
type Fitter interface {
	FitSource(ctx context.Context, src model.SourceRecord) (Outcome, error)
}

// Failure describes one source that did not fit.
type Failure struct {
	Line   int    `json:"line"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Summary aggregates a dispatcher run.
type Summary struct {
	Total    int           `json:"total"`
	Fit      int           `json:"fit"`
	Sampled  int           `json:"sampled"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Failures []Failure     `json:"failures,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Dispatcher runs a Fitter over catalog lines.
type Dispatcher struct {
	fitter   Fitter
	workers  int
	progress io.Writer

	mu      sync.Mutex
	summary Summary
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithProgress draws a progress bar on w.
func WithProgress(w io.Writer) DispatchOption {
	return func(d *Dispatcher) { d.progress = w }
}

// NewDispatcher creates a Dispatcher. workers <= 1 runs sequentially.
func NewDispatcher(fitter Fitter, workers int, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{fitter: fitter, workers: workers}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run fits the given lines, or every line when lines is empty. Per-source
// failures are counted; configuration and inconsistency errors abort the
// batch and are returned with the partial summary.
func (d *Dispatcher) Run(ctx context.Context, cat Catalog, lines []int) (Summary, error) {
	if len(lines) == 0 {
		lines = make([]int, cat.Len())
		for i := range lines {
			lines[i] = i
		}
	}
	for _, line := range lines {
		if line < 0 || line >= cat.Len() {
			return Summary{}, resilience.NewConfigError(
				fmt.Sprintf("source line %d is outside the catalog (0..%d)", line, cat.Len()-1),
				"pass a line number within the catalog with -n",
			)
		}
	}

	d.summary = Summary{Total: len(lines)}
	start := time.Now()

	var bar *pb.ProgressBar
	if d.progress != nil {
		bar = pb.New(len(lines))
		bar.SetWriter(d.progress)
		bar.Start()
		defer bar.Finish()
	}

	zap.L().Info("dispatching sources", zap.Int("sources", len(lines)), zap.Int("workers", d.workers))

	var err error
	if d.workers <= 1 {
		err = d.runSequential(ctx, cat, lines, bar)
	} else {
		err = d.runPool(ctx, cat, lines, bar)
	}

	d.summary.Elapsed = time.Since(start)
	if err != nil {
		zap.L().Error("batch aborted", zap.Error(err))
		return d.summary, err
	}
	zap.L().Info("batch complete",
		zap.Int("fit", d.summary.Fit),
		zap.Int("sampled", d.summary.Sampled),
		zap.Int("skipped", d.summary.Skipped),
		zap.Int("failed", d.summary.Failed),
		zap.Duration("elapsed", d.summary.Elapsed),
	)
	return d.summary, nil
}

func (d *Dispatcher) runSequential(ctx context.Context, cat Catalog, lines []int, bar *pb.ProgressBar) error {
	for _, line := range lines {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.fitOne(ctx, cat, line, bar); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) runPool(ctx context.Context, cat Catalog, lines []int, bar *pb.ProgressBar) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, line := range lines {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return d.fitOne(gctx, cat, line, bar)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// fitOne returns only errors that must abort the batch.
func (d *Dispatcher) fitOne(ctx context.Context, cat Catalog, line int, bar *pb.ProgressBar) (err error) {
	monitoring.WorkersBusy.Inc()
	defer monitoring.WorkersBusy.Dec()
	if bar != nil {
		defer bar.Increment()
	}

	src, err := cat.Get(line)
	if err != nil {
		return eris.Wrapf(err, "fit: source %d", line)
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("worker panicked",
				zap.Int("line", line),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			monitoring.FitsTotal.WithLabelValues(string(model.FitStatusFailed)).Inc()
			d.addFailure(line, src.Name, fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	out, fitErr := d.fitter.FitSource(ctx, src)
	if fitErr != nil {
		if resilience.IsFatal(fitErr) {
			return fitErr
		}
		zap.L().Error("source failed", zap.Int("line", line), zap.String("source", src.Name), zap.Error(fitErr))
		d.addFailure(line, src.Name, fitErr.Error())
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch out.Status {
	case model.FitStatusFit:
		d.summary.Fit++
		if out.Sampled {
			d.summary.Sampled++
		}
	case model.FitStatusSkipped:
		d.summary.Skipped++
	}
	return nil
}

func (d *Dispatcher) addFailure(line int, source, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.summary.Failed++
	d.summary.Failures = append(d.summary.Failures, Failure{Line: line, Source: source, Error: msg})
}
