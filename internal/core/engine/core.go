/*
Package engine is the orchestration core's runtime: JobProcessor,
TaskProcessor, and StageCoordinator (spec §4.5-§4.7), composed into a
single Core value the way the teacher's worker.Worker is constructed
with its infrastructure dependencies already wired (worker.NewWorker)
rather than reaching into globals. Concurrency is bounded worker pools —
N goroutines per processor, each independently polling the bus — the
same shape as worker.Worker.Start spawning WORKER_CONCURRENCY goroutines
that each run an independent runLoop.
*/
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/metrics"
	"github.com/coremachine/coremachine/internal/core/registry"
	"github.com/coremachine/coremachine/internal/core/store"
	"github.com/coremachine/coremachine/internal/platform/logger"
)

// Settings holds the engine's concurrency and lease tunables, lifted
// from platform/config.Config at the composition root so this package
// has no dependency on it directly.
type Settings struct {
	MaxConcurrentJobs  int
	MaxConcurrentTasks int

	LeaseDuration        time.Duration
	LeaseRenewalInterval time.Duration
	LeaseMaxTotal        time.Duration

	PollTimeout time.Duration
}

// Core composes the registries, state store, bus, and metrics the
// engine needs, constructed once at startup and passed explicitly —
// the reimplementation's answer to the source's process-wide mutable
// registries (spec §9).
type Core struct {
	Store    *store.Store
	Bus      *bus.Bus
	Jobs     *registry.JobRegistry
	Handlers *registry.HandlerRegistry
	Metrics  *metrics.Metrics
	Log      *logger.Logger
	Settings Settings

	jobProcessor  *JobProcessor
	taskProcessor *TaskProcessor
	coordinator   *StageCoordinator
}

// New constructs a Core and its three processing components.
func New(st *store.Store, bs *bus.Bus, jobs *registry.JobRegistry, handlers *registry.HandlerRegistry, m *metrics.Metrics, log *logger.Logger, settings Settings) *Core {
	c := &Core{
		Store:    st,
		Bus:      bs,
		Jobs:     jobs,
		Handlers: handlers,
		Metrics:  m,
		Log:      log.With("component", "core"),
		Settings: settings,
	}
	c.coordinator = &StageCoordinator{core: c}
	c.jobProcessor = &JobProcessor{core: c}
	c.taskProcessor = &TaskProcessor{core: c}
	return c
}

// Run starts the job and task processor pools and blocks until ctx is
// cancelled or a pool goroutine returns a fatal error.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < max(1, c.Settings.MaxConcurrentJobs); i++ {
		workerID := i
		g.Go(func() error { return c.jobProcessor.runLoop(ctx, workerID) })
	}
	for i := 0; i < max(1, c.Settings.MaxConcurrentTasks); i++ {
		workerID := i
		g.Go(func() error { return c.taskProcessor.runLoop(ctx, workerID) })
	}

	return g.Wait()
}
