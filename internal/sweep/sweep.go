// Package sweep runs every (server, client, test case) job of an interop
// sweep on a bounded worker pool and collects the outcomes into a matrix.
package sweep

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	ierrors "github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/matrix"
	"github.com/quic-interop/quic-interop-runner/internal/metrics"
	"github.com/quic-interop/quic-interop-runner/internal/orch"
	"github.com/quic-interop/quic-interop-runner/internal/orch/bundle"
	"github.com/quic-interop/quic-interop-runner/internal/outcome"
	"github.com/quic-interop/quic-interop-runner/internal/progress"
	"github.com/quic-interop/quic-interop-runner/internal/provision"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
	"github.com/quic-interop/quic-interop-runner/internal/verify"
)

// DetailCancelled is the detail of jobs that did not run to completion
// because the sweep was cancelled.
const DetailCancelled = "cancelled"

// Options selects what a sweep runs.
type Options struct {
	Servers []config.Implementation
	Clients []config.Implementation
	// Tests holds test cases and measurements, in the order they are run.
	Tests  []*testcase.TestCase
	LogDir string
	// SaveFiles archives served and downloaded files of failed runs.
	SaveFiles bool
	Parallel  int
	// RunnerVersion is recorded in every run's metadata.
	RunnerVersion string
}

// Sweep drives one sweep.
type Sweep struct {
	opts     Options
	prov     *provision.Provisioner
	orch     *orch.Orchestrator
	verifier *verify.Verifier
	log      *logging.Logger

	sink     *metrics.Sink
	progress *progress.ProgressBar

	writerMu sync.Mutex
	writer   *metrics.Writer

	probeGroup singleflight.Group
	probeMu    sync.Mutex
	probes     map[string]bool
}

// New creates a sweep. The provisioner, orchestrator and verifier are shared
// by all jobs.
func New(opts Options, prov *provision.Provisioner, o *orch.Orchestrator, v *verify.Verifier, log *logging.Logger) *Sweep {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	return &Sweep{
		opts:     opts,
		prov:     prov,
		orch:     o,
		verifier: v,
		log:      log,
		sink:     metrics.NewSink(),
		probes:   make(map[string]bool),
	}
}

// SetMetricsWriter streams per-run metrics to w.
func (s *Sweep) SetMetricsWriter(w *metrics.Writer) {
	s.writer = w
}

// SetProgress reports finished jobs to p.
func (s *Sweep) SetProgress(p *progress.ProgressBar) {
	s.progress = p
}

// Metrics returns the per-run statistics collected so far.
func (s *Sweep) Metrics() *metrics.Sink {
	return s.sink
}

// Jobs is the number of cells of the sweep.
func (s *Sweep) Jobs() int {
	return len(s.opts.Servers) * len(s.opts.Clients) * len(s.opts.Tests)
}

type job struct {
	server config.Implementation
	client config.Implementation
	tc     *testcase.TestCase
}

type result struct {
	job     job
	outcome outcome.Outcome
}

// Run executes all jobs and returns the filled matrix. Every cell holds an
// outcome, even when Run returns an error: the error is fatal (provisioning
// or catalog) and the cells that did not run are failed as cancelled.
func (s *Sweep) Run(ctx context.Context) (*matrix.Matrix, error) {
	m := matrix.New(s.opts.Servers, s.opts.Clients, s.opts.Tests, s.opts.LogDir, time.Now())

	results := make(chan result)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		for r := range results {
			if err := m.Insert(r.job.server.Name, r.job.client.Name, r.job.tc.Name, r.outcome); err != nil {
				s.log.Error("Dropping outcome: %v", err)
				continue
			}
			if s.progress != nil {
				s.progress.Done(string(r.outcome.Result))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallel)
	for _, server := range s.opts.Servers {
		for _, client := range s.opts.Clients {
			for _, tc := range s.opts.Tests {
				j := job{server: server, client: client, tc: tc}
				g.Go(func() error {
					o, err := s.runJob(gctx, j)
					if err != nil {
						return err
					}
					results <- result{job: j, outcome: o}
					return nil
				})
			}
		}
	}
	err := g.Wait()
	close(results)
	<-aggregated

	for _, k := range m.Missing() {
		m.Insert(k.Server, k.Client, k.Test, outcome.Outcome{Result: outcome.Failed, Detail: DetailCancelled})
	}
	m.Finish(time.Now())
	if s.progress != nil {
		s.progress.Finish()
	}
	s.log.Info("Run took %s", m.Elapsed().Round(time.Second))
	return m, err
}

// Failed counts the failed test cases of m. Measurements are not counted.
func Failed(m *matrix.Matrix) int {
	n := 0
	for _, c := range m.Clients() {
		for _, s := range m.Servers() {
			for _, tc := range m.Tests() {
				if tc.IsMeasurement() {
					continue
				}
				if o, ok := m.Get(s.Name, c.Name, tc.Name); ok && o.Result == outcome.Failed {
					n++
				}
			}
		}
	}
	return n
}

// runJob produces the outcome of one cell. The returned error is non-nil
// only for fatal errors.
func (s *Sweep) runJob(ctx context.Context, j job) (o outcome.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic in %s_%s/%s: %v\n%s", j.server.Name, j.client.Name, j.tc.Name, r, debug.Stack())
			o = outcome.Failure(ierrors.RunError{Kind: ierrors.KindInternal, Detail: fmt.Sprintf("panic: %v", r)})
			err = nil
		}
	}()

	if ctx.Err() != nil {
		return outcome.Outcome{Result: outcome.Failed, Detail: DetailCancelled}, nil
	}
	if !j.tc.AppliesTo(j.server, j.client) {
		s.log.Verbose("Skipping %s for %s_%s: not applicable", j.tc.Name, j.server.Name, j.client.Name)
		o := outcome.Skipped("not applicable")
		s.record(j, 0, o, nil, 0)
		return o, nil
	}

	for _, probe := range []struct {
		impl config.Implementation
		p    testcase.Perspective
	}{{j.server, testcase.PerspectiveServer}, {j.client, testcase.PerspectiveClient}} {
		ok, err := s.compliant(ctx, probe.impl, probe.p)
		if err != nil {
			if ierrors.IsFatal(err) {
				return outcome.Outcome{}, err
			}
			return outcome.Outcome{Result: outcome.Failed, Detail: DetailCancelled}, nil
		}
		if !ok {
			return outcome.Outcome{Result: outcome.Failed, Detail: fmt.Sprintf("%s %s not compliant", probe.p, probe.impl.Name)}, nil
		}
	}

	m, measured := j.tc.Measurement()
	if !measured {
		return s.runOnce(ctx, j, 0)
	}
	var reps []outcome.Outcome
	for rep := 1; rep <= j.tc.Repetitions(); rep++ {
		o, err := s.runOnce(ctx, j, rep)
		if err != nil {
			return o, err
		}
		reps = append(reps, o)
		if o.Result != outcome.Succeeded {
			break
		}
	}
	return outcome.AggregateMeasurement(reps, m.Unit), nil
}

// compliant probes impl at perspective p once per sweep. Concurrent callers
// share one probe. Cancelled probes are not cached.
func (s *Sweep) compliant(ctx context.Context, impl config.Implementation, p testcase.Perspective) (bool, error) {
	key := impl.Name + "/" + string(p)
	s.probeMu.Lock()
	ok, cached := s.probes[key]
	s.probeMu.Unlock()
	if cached {
		return ok, nil
	}

	v, err, _ := s.probeGroup.Do(key, func() (any, error) {
		tc := testcase.Compliance(impl.Name)
		env, err := s.prov.Provision(ctx, tc, provision.RunKey{Server: impl.Name, Client: impl.Name, Test: "compliance-" + string(p)})
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		defer env.Cleanup()

		ok, err := s.orch.Probe(ctx, impl, p, env)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			s.log.Error("Compliance check of %s %s failed: %v", impl.Name, p, err)
			ok = false
		}
		if !ok {
			s.log.Info("%s %s not compliant, skipping", impl.Name, p)
		}
		s.probeMu.Lock()
		s.probes[key] = ok
		s.probeMu.Unlock()
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// runOnce provisions, executes, classifies and archives a single run. rep is
// the repetition of a measurement, counted from 1, or 0.
func (s *Sweep) runOnce(ctx context.Context, j job, rep int) (outcome.Outcome, error) {
	tracker := outcome.NewTracker()
	key := provision.RunKey{Server: j.server.Name, Client: j.client.Name, Test: j.tc.Name, Repetition: rep}
	runID := key.String()

	env, err := s.prov.Provision(ctx, j.tc, key)
	if err != nil {
		if ctx.Err() != nil {
			return outcome.Outcome{Result: outcome.Failed, Detail: DetailCancelled}, nil
		}
		return outcome.Failure(err), err
	}
	defer func() {
		if err := env.Cleanup(); err != nil {
			s.log.Error("Cleanup of %s: %v", runID, err)
		}
	}()
	tracker.Advance(outcome.Provisioned)

	transcript, err := s.log.Transcript(env.Output)
	if err != nil {
		o := outcome.Failure(ierrors.RunError{Kind: ierrors.KindInternal, Err: err})
		tracker.Finish(o)
		return o, nil
	}
	log := transcript.With(map[string]any{"run": runID})
	log.Info("Server: %s. Client: %s. Running test case: %s", j.server.Name, j.client.Name, j.tc.Name)
	log.Debug("Requests: %s", env.Requests)

	startedAt := time.Now()
	art := s.orch.Execute(ctx, orch.RunRequest{
		RunID:    runID,
		Server:   j.server,
		Client:   j.client,
		TestCase: j.tc,
		Env:      env,
		Log:      log,
	})
	tracker.Advance(outcome.Executed)

	unit := ""
	if m, ok := j.tc.Measurement(); ok {
		unit = m.Unit
	}
	files := make([]string, len(env.Files))
	for i, f := range env.Files {
		files[i] = f.Name
	}
	o := outcome.Classify(art, unit, func() verify.Verdict {
		return s.verifier.Verify(ctx, verify.Request{
			TestCase:     j.tc,
			Artifacts:    art,
			WWW:          env.WWW,
			Files:        files,
			TransferSize: env.TransferSize(),
		}, log)
	})
	if err := tracker.Finish(o); err != nil {
		log.Error("%v", err)
	}
	finishedAt := time.Now()
	log.Info("Test: %s took %.1fs, status: %s %s", j.tc.Name, finishedAt.Sub(startedAt).Seconds(), o.Result, o.Detail)
	transcript.Close()

	if o.Result != outcome.Unsupported {
		meta := &bundle.RunMeta{
			RunID:           runID,
			Server:          j.server.Name,
			ServerImage:     j.server.Image,
			Client:          j.client.Name,
			ClientImage:     j.client.Image,
			TestCase:        j.tc.Name,
			Repetition:      rep,
			StartedAt:       startedAt,
			FinishedAt:      finishedAt,
			DurationSeconds: finishedAt.Sub(startedAt).Seconds(),
			Result:          string(o.Result),
			Details:         o.Detail,
			ServerExit:      art.ServerExit,
			ClientExit:      art.ClientExit,
			TimedOut:        art.TimedOut,
			Requests:        env.Requests,
			Files:           files,
			RunnerVersion:   s.opts.RunnerVersion,
		}
		for _, e := range art.Errors {
			meta.Errors = append(meta.Errors, e.Error())
		}
		if err := s.archive(env, j, rep, o, meta); err != nil {
			s.log.Error("Archiving %s: %v", runID, err)
		}
	}
	s.record(j, rep, o, art, finishedAt.Sub(startedAt))
	return o, nil
}

func (s *Sweep) archive(env *provision.Environment, j job, rep int, o outcome.Outcome, meta *bundle.RunMeta) error {
	if s.opts.LogDir == "" {
		return nil
	}
	b, err := bundle.Create(bundle.Dir(s.opts.LogDir, j.server.Name, j.client.Name, j.tc.Name, rep))
	if err != nil {
		return err
	}
	opts := bundle.ArchiveOptions{SaveFiles: s.opts.SaveFiles && o.Result == outcome.Failed}
	if err := b.Archive(env, opts); err != nil {
		return err
	}
	if err := b.WriteRunMeta(meta); err != nil {
		return err
	}
	return b.Finalize()
}

func (s *Sweep) record(j job, rep int, o outcome.Outcome, art *orch.RunArtifacts, elapsed time.Duration) {
	m := metrics.Metric{
		Timestamp:  time.Now(),
		Server:     j.server.Name,
		Client:     j.client.Name,
		TestCase:   j.tc.Name,
		Repetition: rep,
		Result:     string(o.Result),
		DurationMs: float64(elapsed) / float64(time.Millisecond),
		ServerExit: orch.ExitNotRun,
		ClientExit: orch.ExitNotRun,
		Unit:       o.Unit,
	}
	if o.Result != outcome.Succeeded {
		m.Error = o.Detail
	}
	if art != nil {
		m.TimedOut = art.TimedOut
		m.ServerExit = art.ServerExit
		m.ClientExit = art.ClientExit
	}
	if o.Value != nil {
		m.Value = *o.Value
	}
	s.sink.Record(m)

	if s.writer == nil {
		return
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if err := s.writer.WriteMetric(m); err != nil {
		s.log.Error("Writing metrics: %v", err)
	}
}
