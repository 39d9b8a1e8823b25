package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/config"
	ierrors "github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/launcher"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/metrics"
	"github.com/quic-interop/quic-interop-runner/internal/orch"
	"github.com/quic-interop/quic-interop-runner/internal/progress"
	"github.com/quic-interop/quic-interop-runner/internal/provision"
	"github.com/quic-interop/quic-interop-runner/internal/report"
	"github.com/quic-interop/quic-interop-runner/internal/sweep"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
	"github.com/quic-interop/quic-interop-runner/internal/verify"
)

// DefaultCatalog is the implementations file read when none is given.
const DefaultCatalog = "implementations_quic.json"

type RunOptions struct {
	Servers         string
	Clients         string
	Tests           string
	Replace         []string
	LogDir          string
	SaveFiles       bool
	JSONFile        string
	Debug           bool
	Verbose         bool
	Parallel        int
	ConfigPath      string
	Implementations string
	Launcher        string
	Seed            int64
	MetricsCSV      string
	MetricsJSON     string
	NoProgress      bool
	RunnerVersion   string

	// Stdout receives the result tables. Defaults to os.Stdout.
	Stdout io.Writer
}

// RunSweep runs a full sweep and returns the number of failed test cases.
// A non-nil error means the sweep could not start or hit a fatal error.
func RunSweep(opts RunOptions) (int, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	logLevel := logging.LogLevelInfo
	if opts.Debug {
		logLevel = logging.LogLevelDebug
	} else if opts.Verbose {
		logLevel = logging.LogLevelVerbose
	}
	logger, err := logging.NewLogger(logLevel, "")
	if err != nil {
		return 0, fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return 0, err
	}
	if opts.Launcher != "" {
		cfg.Launcher = opts.Launcher
	}
	if opts.Parallel > 0 {
		cfg.Parallel = opts.Parallel
	}
	if err := cfg.Validate(); err != nil {
		return 0, ierrors.WrapConfigError(err, opts.ConfigPath)
	}
	if cfg.Launcher == config.LauncherDocker && cfg.Parallel > 1 {
		logger.Info("The docker launcher uses fixed addresses, running one job at a time")
		cfg.Parallel = 1
	}

	plan, err := resolvePlan(opts)
	if err != nil {
		return 0, err
	}

	if opts.LogDir == "" {
		opts.LogDir = "logs_" + time.Now().Format("2006-01-02T15:04:05")
	}
	if _, err := os.Stat(opts.LogDir); err == nil {
		return 0, ierrors.UserFriendlyError{
			Message: fmt.Sprintf("Log directory %s already exists", opts.LogDir),
			Hint:    "Every sweep writes into a fresh log directory",
			Try:     "Remove the directory or pass a different --log-dir",
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger.Verbose("Workload seed: %d", seed)

	prov, err := provision.New(provision.Options{
		ScratchDir:  cfg.ScratchDir,
		CertsScript: cfg.CertsScript,
		Seed:        seed,
		Logger:      logger,
	})
	if err != nil {
		return 0, ierrors.WrapProvisioningError(err, cfg.ScratchDir)
	}
	defer prov.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, stopping the sweep...")
			cancel()
		case <-ctx.Done():
		}
	}()

	l, err := launcher.New(cfg, logger)
	if err != nil {
		return 0, ierrors.WrapLauncherError(err, cfg.Launcher)
	}
	if err := l.Setup(ctx); err != nil {
		return 0, ierrors.WrapLauncherError(err, cfg.Launcher)
	}
	defer func() {
		if err := l.Teardown(context.Background()); err != nil {
			logger.Error("Launcher teardown: %v", err)
		}
	}()

	o := orch.New(cfg, l, logger)
	v := verify.New(capture.NewFileReader(), logger)
	sw := sweep.New(sweep.Options{
		Servers:       plan.servers,
		Clients:       plan.clients,
		Tests:         plan.tests,
		LogDir:        opts.LogDir,
		SaveFiles:     opts.SaveFiles,
		Parallel:      cfg.Parallel,
		RunnerVersion: opts.RunnerVersion,
	}, prov, o, v, logger)

	if opts.MetricsCSV != "" || opts.MetricsJSON != "" {
		w, err := metrics.NewWriter(opts.MetricsCSV, opts.MetricsJSON)
		if err != nil {
			return 0, fmt.Errorf("create metrics writer: %w", err)
		}
		defer w.Close()
		sw.SetMetricsWriter(w)
	}
	if !opts.NoProgress && !opts.Debug {
		sw.SetProgress(progress.NewProgressBar(int64(sw.Jobs()), "runs"))
	}

	logger.Info("Servers: %s. Clients: %s. Running %d test cases in %s", names(plan.servers), names(plan.clients), len(plan.tests), opts.LogDir)
	m, runErr := sw.Run(ctx)

	report.WriteTables(opts.Stdout, report.TestTable(m), report.MeasurementTable(m))
	switch opts.JSONFile {
	case "":
	case "-":
		if err := report.WriteJSON(opts.Stdout, m.Export()); err != nil {
			logger.Error("Writing results: %v", err)
		}
	default:
		if err := report.WriteResults(opts.JSONFile, m.Export()); err != nil {
			logger.Error("Writing %s: %v", opts.JSONFile, err)
		}
	}
	logger.Verbose("%s", metrics.FormatSummary(sw.Metrics().GetSummary()))

	if runErr != nil {
		if ierrors.IsFatal(runErr) {
			return sweep.Failed(m), ierrors.WrapProvisioningError(runErr, prov.Root())
		}
		return sweep.Failed(m), runErr
	}
	return sweep.Failed(m), nil
}

type plan struct {
	servers []config.Implementation
	clients []config.Implementation
	tests   []*testcase.TestCase
}

func resolvePlan(opts RunOptions) (*plan, error) {
	path := opts.Implementations
	if path == "" {
		path = DefaultCatalog
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	for _, r := range opts.Replace {
		if err := catalog.Replace(r); err != nil {
			return nil, ierrors.WrapCatalogError(err, path)
		}
	}

	p := &plan{}
	if p.servers, err = config.Select(catalog.Servers(), opts.Servers); err != nil {
		return nil, ierrors.WrapCatalogError(err, path)
	}
	if p.clients, err = config.Select(catalog.Clients(), opts.Clients); err != nil {
		return nil, ierrors.WrapCatalogError(err, path)
	}
	if p.tests, err = testcase.Default().Select(opts.Tests); err != nil {
		return nil, ierrors.UserFriendlyError{
			Message: "Unknown test case",
			Try:     "Run 'interop list' to see the available test cases",
			Err:     err,
		}
	}
	if len(p.servers) == 0 || len(p.clients) == 0 || len(p.tests) == 0 {
		return nil, ierrors.UserFriendlyError{
			Message: "Nothing to run",
			Reason:  fmt.Sprintf("%d servers, %d clients, %d test cases selected", len(p.servers), len(p.clients), len(p.tests)),
		}
	}
	return p, nil
}

func names(impls []config.Implementation) string {
	out := ""
	for i, impl := range impls {
		if i > 0 {
			out += ", "
		}
		out += impl.Name
	}
	return out
}
