package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/sells-group/agnfit-cli/internal/catalog"
	"github.com/sells-group/agnfit-cli/internal/config"
	"github.com/sells-group/agnfit-cli/internal/fit"
	"github.com/sells-group/agnfit-cli/internal/gridcache"
	"github.com/sells-group/agnfit-cli/internal/resilience"
	"github.com/sells-group/agnfit-cli/pkg/sedproc"
)

// snapshotName is written to the output folder on every run.
const snapshotName = "settings.used.yaml"

var runCmd = &cobra.Command{
	Use:         "run <settings.yaml>",
	Short:       "Fit every source of a catalog",
	Long:        "Loads the catalog, resolves model dictionaries, and runs the sampler and writer for each source. Sources with a completion marker are never re-sampled.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{settingsArgAnnotation: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := runOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		return runCampaign(ctx, opts)
	},
}

// runOptions are the command-line overrides of a run.
type runOptions struct {
	Workers     int
	Line        int
	Independent bool
	Overwrite   bool
	MetricsAddr string
	Progress    bool
}

func runOptionsFromFlags(cmd *cobra.Command) (runOptions, error) {
	opts := runOptions{
		Workers:     cfg.Dispatch.Workers,
		Line:        -1,
		Independent: cfg.Dispatch.Independent,
		MetricsAddr: cfg.Metrics.Addr,
		Progress:    cfg.Dispatch.Progress,
	}
	f := cmd.Flags()
	if f.Changed("workers") {
		opts.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("independent") {
		opts.Independent, _ = f.GetBool("independent")
	}
	if f.Changed("metrics-addr") {
		opts.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if noProgress, _ := f.GetBool("no-progress"); noProgress {
		opts.Progress = false
	}
	opts.Line, _ = f.GetInt("line")
	opts.Overwrite, _ = f.GetBool("overwrite")
	if opts.Workers < 1 {
		return opts, resilience.NewConfigError(fmt.Sprintf("workers must be at least 1, got %d", opts.Workers), "")
	}
	return opts, nil
}

func runCampaign(ctx context.Context, opts runOptions) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !opts.Independent {
		if err := cfg.CheckSharedGrid(); err != nil {
			return err
		}
	}

	cat, err := catalog.Load(ctx, cfg.Catalog, cfg.Filters)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Catalog.OutputFolder, 0o755); err != nil {
		return eris.Wrap(err, "run: create output folder")
	}
	if err := cfg.WriteSnapshot(filepath.Join(cfg.Catalog.OutputFolder, snapshotName)); err != nil {
		return err
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	if opts.MetricsAddr != "" {
		srv := startMetricsServer(opts.MetricsAddr)
		defer srv.Close() //nolint:errcheck
	}

	cacheOpts := []gridcache.Option{
		gridcache.WithStaleLockAfter(time.Duration(cfg.Cache.StaleLockAfterMins) * time.Minute),
	}
	// Only a single-operator, sequential run may accept a stale dictionary.
	if cfg.Cache.Interactive && opts.Workers == 1 && term.IsTerminal(int(os.Stdin.Fd())) {
		cacheOpts = append(cacheOpts, gridcache.WithConfirmer(&promptConfirmer{in: os.Stdin, out: os.Stderr}))
	}
	cache := gridcache.New(newProcess("builder", cfg.Builder), cacheOpts...)

	orchOpts := []fit.Option{fit.WithLedger(st), fit.WithOverwrite(opts.Overwrite)}
	if cfg.Dispatch.BreakerThreshold > 0 {
		orchOpts = append(orchOpts, fit.WithSamplerBreaker(resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.Dispatch.BreakerThreshold,
			Cooldown:         time.Duration(cfg.Dispatch.BreakerCooldownSecs) * time.Second,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("sampler breaker changed state",
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})))
	}
	if !opts.Independent {
		res, err := cache.Resolve(ctx, fit.SharedRequest(cfg, cat.Name(), len(cat.Bands()), opts.Overwrite))
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, fit.WithSharedGrid(res))
	}
	orch := fit.NewOrchestrator(cfg, cat.Name(), len(cat.Bands()), cache,
		newProcess("sampler", cfg.Sampler), newProcess("writer", cfg.Writer), orchOpts...)

	var dispatchOpts []fit.DispatchOption
	if opts.Progress && term.IsTerminal(int(os.Stderr.Fd())) {
		dispatchOpts = append(dispatchOpts, fit.WithProgress(os.Stderr))
	}

	var lines []int
	if opts.Line >= 0 {
		lines = []int{opts.Line}
	}

	sum, err := fit.NewDispatcher(orch, opts.Workers, dispatchOpts...).Run(ctx, cat, lines)
	formatSummary(os.Stdout, sum)
	return err
}

func newProcess(name string, pc config.ProcessConfig) *sedproc.Process {
	return &sedproc.Process{
		Name:    name,
		Command: pc.Command,
		Args:    pc.Args,
		Env:     pc.Env,
		Options: pc.Options,
	}
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		zap.L().Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// promptConfirmer asks the operator whether to continue with a stale
// model dictionary.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (p *promptConfirmer) Confirm(_ context.Context, inc *resilience.InconsistencyError) (bool, error) {
	fmt.Fprintf(p.out, "\nThe model dictionary %s was built with different filter settings: %s\n",
		inc.Key, strings.Join(inc.Fields, ", "))
	fmt.Fprintln(p.out, resilience.InconsistencyRemediation)
	fmt.Fprint(p.out, "Continue with the existing dictionary? [y/N] ")

	answer, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, eris.Wrap(err, "run: read confirmation")
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// formatSummary writes the dispatcher summary to w.
func formatSummary(out io.Writer, s fit.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Sources:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Fit:\t%d\n", s.Fit)
	_, _ = fmt.Fprintf(w, "  Sampled:\t%d\n", s.Sampled)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	for _, f := range s.Failures {
		_, _ = fmt.Fprintf(w, "  line %d\t%s\t%s\n", f.Line, f.Source, firstLine(f.Error))
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", s.Elapsed.Round(time.Second))
	_ = w.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func init() {
	runCmd.Flags().IntP("workers", "c", 1, "number of sources fit in parallel")
	runCmd.Flags().IntP("line", "n", -1, "fit only this catalog line (zero-based)")
	runCmd.Flags().BoolP("independent", "i", true, "build one model dictionary per source")
	runCmd.Flags().BoolP("overwrite", "o", false, "rebuild model dictionaries even if they exist")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address during the run")
	runCmd.Flags().Bool("no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(runCmd)
}
