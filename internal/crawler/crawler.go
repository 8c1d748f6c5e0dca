// Package crawler provides the run loop of the crawl runtime. A Runner
// owns the scheduler, the store registry and the media pipeline for the
// lifetime of the process, invokes one adapter capability per selected
// source and waits for all scheduled work to finish before flushing.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/masahif/itemtadoru/internal/adapter"
	"github.com/masahif/itemtadoru/internal/adapter/catalog"
	"github.com/masahif/itemtadoru/internal/config"
	"github.com/masahif/itemtadoru/internal/fetch"
	"github.com/masahif/itemtadoru/internal/freshness"
	"github.com/masahif/itemtadoru/internal/logging"
	"github.com/masahif/itemtadoru/internal/media"
	"github.com/masahif/itemtadoru/internal/scheduler"
	"github.com/masahif/itemtadoru/internal/store"
)

var (
	// ErrMissingArgument is returned for query, brand or id mode without its argument
	ErrMissingArgument = errors.New("mode requires an argument")
	// ErrNoSources is returned when a job selects no source
	ErrNoSources = errors.New("no sources to run")
)

// Deps overrides collaborators NewRunner would otherwise build from the
// configuration. Every field is optional.
type Deps struct {
	Logger   *slog.Logger
	Adapters *adapter.Registry // nil registers a catalog adapter per configured source
	Backend  store.Backend     // nil opens the configured backend
	Encoder  media.Encoder     // nil runs cwebp
	Remuxer  media.Remuxer     // nil runs ffmpeg
}

var _ Crawler = (*Runner)(nil)

// Runner implements Crawler
type Runner struct {
	config   *config.Config
	base     *slog.Logger
	logger   *slog.Logger
	layout   media.Layout
	sched    *scheduler.Scheduler
	client   *fetch.Client
	store    *store.Registry
	pipeline *media.Pipeline
	adapters *adapter.Registry

	closeOnce sync.Once
	closeErr  error
}

// NewRunner validates cfg, clears <root>/temp and wires the runtime. The
// scheduler band order follows cfg.ReviewMode.
func NewRunner(cfg *config.Config, deps Deps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	layout := media.Layout{Root: cfg.RootDir}
	if err := layout.ClearTemp(); err != nil {
		return nil, fmt.Errorf("failed to clear temp directory: %w", err)
	}

	headers, err := fetch.ParseHeaders(cfg.Headers)
	if err != nil {
		return nil, err
	}

	adapters := deps.Adapters
	if adapters == nil {
		adapters = adapter.NewRegistry()
		for _, src := range cfg.Sources {
			if err := catalog.Register(adapters, catalog.Config{Name: src.Name, BaseURL: src.BaseURL, MaxPages: src.MaxPages}); err != nil {
				return nil, err
			}
		}
	}

	sched, err := scheduler.New(scheduler.Options{
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.TaskTimeout,
		Priorities:  scheduler.PrioritiesFor(cfg.ReviewMode),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	backend := deps.Backend
	if backend == nil {
		if err := cfg.EnsureDirs(); err != nil {
			sched.Stop()
			return nil, fmt.Errorf("failed to create data directories: %w", err)
		}
		backend, err = store.OpenBackend(cfg.Store, cfg.DataDir())
		if err != nil {
			sched.Stop()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}
	registry := store.NewRegistry(backend, freshness.Policy{TTL: cfg.TTL(), Force: cfg.Force}, logger)

	limiter := fetch.NewRateLimiter(cfg.RequestDelay)
	for _, src := range cfg.Sources {
		if src.Delay <= 0 {
			continue
		}
		if u, err := url.Parse(src.BaseURL); err == nil && u.Host != "" {
			limiter.SetHostDelay(u.Host, src.Delay)
		}
	}
	client := fetch.NewClient(cfg.UserAgent, cfg.RequestTimeout)
	client.SetRateLimiter(limiter)
	if len(headers) > 0 {
		client.SetCustomHeaders(headers)
		logger.Info("Set custom headers", "count", len(headers))
	}

	var encoder media.Encoder = media.ExecEncoder{Path: cfg.Media.EncoderPath, Quality: cfg.Media.EncoderQuality}
	if deps.Encoder != nil {
		encoder = deps.Encoder
	}
	var remuxer media.Remuxer = media.ExecRemuxer{Path: cfg.Media.RemuxPath}
	if deps.Remuxer != nil {
		remuxer = deps.Remuxer
	}

	pipeline := media.NewPipeline(media.Options{
		Scheduler:       sched,
		Layout:          layout,
		Prober:          client,
		Downloader:      client,
		Encoder:         encoder,
		Remuxer:         remuxer,
		Thumbnails:      media.NewThumbnailer(layout, encoder, cfg.Media.ThumbnailCell, logger),
		Files:           registry,
		MaxInflight:     cfg.Media.MaxInflight,
		InflightPoll:    cfg.Media.InflightPoll,
		ForceThumbnails: cfg.Force,
		Logger:          logger,
	})

	return &Runner{
		config:   cfg,
		base:     logger,
		logger:   logging.Component(logger, "runner"),
		layout:   layout,
		sched:    sched,
		client:   client,
		store:    registry,
		pipeline: pipeline,
		adapters: adapters,
	}, nil
}

// Scheduler exposes the task pool, for status reporting
func (r *Runner) Scheduler() *scheduler.Scheduler { return r.sched }

// Store exposes the collection registry
func (r *Runner) Store() *store.Registry { return r.store }

// Pipeline exposes the media pipeline
func (r *Runner) Pipeline() *media.Pipeline { return r.pipeline }

// Adapters exposes the source registry
func (r *Runner) Adapters() *adapter.Registry { return r.adapters }

// Run invokes job.Mode on every selected source concurrently, then waits
// until the scheduler is idle and flushes every collection. A failing
// source does not stop the others; the first source error is returned
// after the drain. Argument and source errors abort before any task is
// scheduled.
func (r *Runner) Run(ctx context.Context, job Job) (RunStats, error) {
	sources, err := r.prepare(job)
	if err != nil {
		return RunStats{}, err
	}

	stats := RunStats{Mode: job.Mode, StartTime: time.Now().UTC()}
	r.logger.Info("Starting run", "mode", string(job.Mode), "sources", sources, "arg", job.Arg())

	done := make(chan struct{})
	var reporter sync.WaitGroup
	reporter.Add(1)
	go r.statsReporter(done, &reporter, stats.StartTime)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range sources {
		g.Go(func() error {
			called, err := r.adapters.Invoke(ctx, name, job.Mode, job.Arg(), r.env(name))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed = append(stats.Failed, name)
				r.logger.Error("Source failed", "source", name, "mode", string(job.Mode), "error", err)
				return fmt.Errorf("%s: %w", name, err)
			case !called:
				stats.Skipped = append(stats.Skipped, name)
				r.logger.Info("Source lacks capability, skipping", "source", name, "mode", string(job.Mode))
			default:
				stats.Invoked = append(stats.Invoked, name)
			}
			return nil
		})
	}
	runErr := g.Wait()

	if err := r.sched.Drain(ctx, r.config.PollInterval, 0); err != nil {
		r.logger.Warn("Drain interrupted", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	close(done)
	reporter.Wait()

	r.store.FlushAll()

	s := r.sched.Stats()
	stats.Tasks = s.Completed
	stats.TaskFails = s.Failed
	stats.Duration = time.Since(stats.StartTime)
	r.logger.Info("Run completed", "mode", string(job.Mode), "invoked", len(stats.Invoked),
		"skipped", len(stats.Skipped), "failed", len(stats.Failed), "tasks", stats.Tasks,
		"task_failures", stats.TaskFails, "duration", stats.Duration)

	return stats, runErr
}

// prepare resolves the source list and checks the mode argument
func (r *Runner) prepare(job Job) ([]string, error) {
	if _, err := adapter.ParseCapability(string(job.Mode)); err != nil {
		return nil, err
	}
	if job.Mode.TakesArg() && job.Arg() == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingArgument, job.Mode)
	}

	sources := job.Sources
	if len(sources) == 0 {
		sources = r.adapters.Names()
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	for _, name := range sources {
		if _, ok := r.adapters.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %s", adapter.ErrUnknownSource, name)
		}
	}
	return sources, nil
}

func (r *Runner) env(source string) adapter.Env {
	return adapter.Env{
		Source:     source,
		Scheduler:  r.sched,
		Store:      r.store,
		Collection: r.store.Collection(source),
		Pipeline:   r.pipeline,
		Client:     r.client,
		Logger:     r.base,
	}
}

// statsReporter periodically reports queue depth until done closes
func (r *Runner) statsReporter(done <-chan struct{}, wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	if r.config.StatsInterval <= 0 {
		<-done
		return
	}

	ticker := time.NewTicker(r.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s := r.sched.Stats()
			r.logger.Info("Crawling stats", "queued", s.Size, "in_flight", s.InFlight,
				"detached", s.Detached, "completed", s.Completed, "failed", s.Failed,
				"media_in_flight", r.pipeline.Inflight().Len(), "duration", time.Since(start))
			r.sched.LogDepth()
		}
	}
}

// Close stops the scheduler, flushes and closes the store and releases
// idle HTTP connections. It is safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.sched.Stop()
		r.closeErr = r.store.Close()
		r.client.Close()
	})
	return r.closeErr
}
