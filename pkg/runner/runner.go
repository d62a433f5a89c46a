// Package runner converts batches of LaTeX snippets with a pool of
// LaTeXML workers, writing one result and one status line per input record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/dginev/latexml-runner/pkg/client"
	"github.com/dginev/latexml-runner/pkg/collector"
	"github.com/dginev/latexml-runner/pkg/launcher"
	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/logstash"
	"github.com/dginev/latexml-runner/pkg/pool"
	"github.com/dginev/latexml-runner/pkg/protocol"
	"github.com/dginev/latexml-runner/pkg/scheduler"
	"github.com/dginev/latexml-runner/pkg/source"
)

var errNotStarted = errors.New("runner not started")

// Owns the worker pool of a run. The pool outlives individual files,
// so workers stay warm between conversions.
type Runner struct {
	config    *Config
	fs        afero.Fs
	endpoints []pool.Endpoint
	pool      *pool.Pool
	launcher  launcher.Launcher
	stash     logstash.LogStash
	observers []scheduler.Observer

	mu      sync.Mutex
	started bool
	current *scheduler.Dispatcher
	totals  scheduler.Statistics
}

// Creates a runner reading and writing files on fs.
// The configuration must have its defaults set.
func New(config *Config, fs afero.Fs) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	codec, err := protocol.NewCodec(config.Protocol, config.MaxMessageSize())
	if err != nil {
		return nil, err
	}

	clientConfig, err := config.clientConfig()
	if err != nil {
		return nil, err
	}

	endpoints, err := config.WorkerEndpoints()
	if err != nil {
		return nil, err
	}

	factory := func(endpoint pool.Endpoint) pool.Conn {
		return client.New(endpoint.String(), codec, clientConfig)
	}

	r := &Runner{
		config:    config,
		fs:        fs,
		endpoints: endpoints,
		pool:      pool.New(endpoints, factory, config.poolConfig()),
	}

	if config.Launch != "" {
		r.launcher, err = launcher.NewCommandLauncher(config.Launch, config.LaunchTimeout)
		if err != nil {
			return nil, err
		}
	}

	if config.LogStash != nil {
		stashFs, err := config.LogStash.CreateFs()
		if err != nil {
			return nil, err
		}
		r.stash = logstash.NewLogStash(config.LogStash, stashFs)
	}

	return r, nil
}

// Registers a receiver of task telemetry for all subsequent conversions.
func (r *Runner) AddObserver(observer scheduler.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// Launches workers, if configured, and establishes all sessions.
func (r *Runner) Start(ctx context.Context) error {
	if r.launcher != nil {
		g, gctx := errgroup.WithContext(ctx)
		for _, endpoint := range r.endpoints {
			g.Go(func() error {
				return r.launcher.Launch(gctx, endpoint)
			})
		}
		if err := g.Wait(); err != nil {
			r.launcher.Stop()
			return err
		}
	}

	if err := r.pool.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

// Converts the configured input.
// A directory input converts every file in it, see ConvertDir.
func (r *Runner) Convert(ctx context.Context) (*Report, error) {
	info, err := r.fs.Stat(r.config.Input)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return r.ConvertFile(ctx, r.config.Input, r.config.Output, r.config.Status)
	}

	statusDir := r.config.Status
	if statusDir == DefaultStatusPath {
		statusDir = r.config.Output
	}
	return r.ConvertDir(ctx, r.config.Input, r.config.Output, statusDir)
}

// Converts every record of an input file.
//
// The content file receives one record per input record and the status
// file one status code per line, both in input order. On error the
// results written so far are flushed and kept.
func (r *Runner) ConvertFile(ctx context.Context, input, output, status string) (*Report, error) {
	src, err := source.Open(r.fs, input, source.DefaultMaxLineSize)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	content, statusSink, err := collector.OpenFileSinks(r.fs, r.config.OutputFormat, output, status)
	if err != nil {
		return nil, err
	}

	log.Infof("new - file - input: %s, output: %s, status: %s", input, output, status)

	results := collector.New(content, statusSink, r.config.Autoflush)
	report, err := r.run(ctx, stashPrefix(input), src, results)

	closeErr := results.Close()
	if err != nil {
		if closeErr != nil {
			log.Debug("discarding close error:", closeErr)
		}
		return report, fmt.Errorf("%s: %w", input, err)
	}
	if closeErr != nil {
		return report, fmt.Errorf("%s: %w", input, closeErr)
	}

	log.Infof("end - file - input: %s, tasks: %d, failed: %d, elapsed: %s",
		input, report.Tasks, report.Failed, report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// Converts every *.csv and *.txt file of a directory, optionally gzipped.
// Results of <name> are written to <outputDir>/result_<name> and
// statuses to <statusDir>/<name>.log.
func (r *Runner) ConvertDir(ctx context.Context, inputDir, outputDir, statusDir string) (*Report, error) {
	entries, err := afero.ReadDir(r.fs, inputDir)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, entry := range entries {
		if entry.IsDir() || !isInputFile(entry.Name()) {
			continue
		}

		name := entry.Name()
		fileReport, err := r.ConvertFile(ctx,
			filepath.Join(inputDir, name),
			filepath.Join(outputDir, "result_"+name),
			filepath.Join(statusDir, name+".log"))
		if fileReport != nil {
			report.Merge(fileReport)
		}
		if err != nil {
			return report, err
		}
	}

	return report, nil
}

func isInputFile(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".gz")
	return strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".txt")
}

// Converts a single payload, with the same retry policy as file conversions.
func (r *Runner) ConvertOne(ctx context.Context, payload string) (protocol.Result, error) {
	var result protocol.Result
	var received bool

	sink := resultFunc(func(res protocol.Result) error {
		result, received = res, true
		return nil
	})

	_, err := r.run(ctx, "one", &singleSource{payload: payload}, sink)
	if err != nil {
		return result, err
	}
	if !received {
		return result, io.ErrUnexpectedEOF
	}
	return result, nil
}

func (r *Runner) run(ctx context.Context, prefix string, src scheduler.Source, sink scheduler.ResultSink) (*Report, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil, errNotStarted
	}

	d := scheduler.NewDispatcher(r.pool, src, sink, r.config.dispatcherConfig())
	for _, observer := range r.observers {
		d.AddObserver(observer)
	}
	if r.stash != nil {
		d.AddObserver(&stashObserver{stash: r.stash, prefix: prefix})
	}
	r.current = d
	r.mu.Unlock()

	start := time.Now()
	stats, err := d.Run(ctx)

	r.mu.Lock()
	stats.InFlight = 0
	stats.Queued = 0
	r.totals.Merge(stats)
	r.current = nil
	r.mu.Unlock()

	return newReport(stats, time.Since(start)), err
}

// Returns the statistics of all conversions, including the one in progress.
func (r *Runner) Statistics() *scheduler.Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.totals
	if r.current != nil {
		stats.Merge(r.current.Statistics())
	}
	return &stats
}

func (r *Runner) Pool() *pool.Pool {
	return r.pool
}

// Returns the worker log stash, nil when disabled.
func (r *Runner) Stash() logstash.LogStash {
	return r.stash
}

// Closes all sessions and stops launched workers.
func (r *Runner) Close() error {
	errs := []error{r.pool.Close()}
	if r.launcher != nil {
		errs = append(errs, r.launcher.Stop())
	}
	return errors.Join(errs...)
}

type resultFunc func(result protocol.Result) error

func (fn resultFunc) Submit(result protocol.Result) error {
	return fn(result)
}

type singleSource struct {
	payload string
	done    bool
}

func (s *singleSource) Next() (protocol.Task, error) {
	if s.done {
		return protocol.Task{}, io.EOF
	}
	s.done = true
	return protocol.Task{Index: 0, Payload: s.payload}, nil
}

var invalidIdChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Log stash ids of a file are <prefix>-<index>.
func stashPrefix(input string) string {
	prefix := invalidIdChars.ReplaceAllString(filepath.Base(input), "_")
	prefix = strings.TrimLeft(prefix, ".-")
	if prefix == "" {
		return "task"
	}
	return prefix
}

// Keeps the worker log of every failed task.
type stashObserver struct {
	stash  logstash.LogStash
	prefix string
}

func (o *stashObserver) TaskDispatched(protocol.Task, int) {}

func (o *stashObserver) TaskRetried(protocol.Task, int, error) {}

func (o *stashObserver) TaskCompleted(result protocol.Result) {
	if !result.Status.IsFailure() {
		return
	}

	lines := []string{result.Message}
	if result.Log != "" {
		lines = append(lines, strings.Split(strings.TrimRight(result.Log, "\n"), "\n")...)
	}

	id := fmt.Sprintf("%s-%d", o.prefix, result.Index)
	if err := logstash.Store(o.stash, id, lines...); err != nil {
		log.Warn("failed to stash log of task", result.Index, err)
	}
}
