// Package orchestrator assembles the subsystems into one explicit
// context object and runs the per-job execution pipeline. There are no
// package singletons; everything reachable from here was constructed
// here.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/catalog"
	"github.com/transcodefarm/farmd/pkg/cloud"
	"github.com/transcodefarm/farmd/pkg/config"
	"github.com/transcodefarm/farmd/pkg/jobs"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/metrics"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/notify"
	"github.com/transcodefarm/farmd/pkg/registry"
	"github.com/transcodefarm/farmd/pkg/remote"
	"github.com/transcodefarm/farmd/pkg/scheduler"
	"github.com/transcodefarm/farmd/pkg/store"
	"github.com/transcodefarm/farmd/pkg/transfer"
)

// Orchestrator owns the wiring and lifecycle of every subsystem.
type Orchestrator struct {
	cfg *config.Config
	log *logging.Logger

	store     store.Store
	bus       *bus.Bus
	hub       *bus.Hub
	catalog   catalog.Catalog
	registry  *registry.Registry
	jobs      *jobs.Manager
	scheduler *scheduler.Scheduler
	cloud     *cloud.Controller // nil without a provider
	transfer  *transfer.Pipeline
	notifier  *notify.Dispatcher
	metrics   *metrics.Metrics
	reporter  *metrics.Reporter

	runnersMu sync.Mutex
	runners   map[int64]remote.Runner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full subsystem graph from configuration. provider may
// be nil; cloud features are then disabled.
func New(cfg *config.Config, provider cloud.Provider, log *logging.Logger) (*Orchestrator, error) {
	st, err := store.New(store.Config{Type: cfg.Database.Type, Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		log:     log,
		store:   st,
		runners: make(map[int64]remote.Runner),
	}

	o.bus = bus.New(log, bus.WithBufferSize(cfg.Bus.BufferSize))
	o.hub = bus.NewHub(o.bus, o.handleCommand, log)

	if cfg.Database.CatalogPath != "" {
		cat, err := catalog.OpenSQLite(cfg.Database.CatalogPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		o.catalog = cat
	}

	o.registry = registry.New(st, o.bus, registry.Config{
		HeartbeatTimeout: cfg.Workers.HeartbeatTimeout,
		SweepInterval:    cfg.Workers.SweepInterval,
	}, log)

	o.jobs = jobs.NewManager(st, o.bus, o.catalog, jobs.Config{
		DefaultMaxRetries: cfg.Jobs.DefaultMaxRetries,
		RetryPolicy: &models.RetryPolicy{
			MaxRetries: cfg.Jobs.DefaultMaxRetries,
			Backoffs:   cfg.Jobs.RetryBackoff,
		},
		StuckAfter:       cfg.Jobs.StuckAfter,
		WatchdogInterval: cfg.Jobs.WatchdogInterval,
	}, log)

	o.transfer = transfer.New(st, o.bus, transfer.Config{
		ChunkThresholdBytes:  cfg.Transfer.ChunkThresholdBytes,
		ChunkStreams:         cfg.Transfer.ChunkStreams,
		MinSizeRatio:         cfg.Transfer.MinSizeRatio,
		MaxSizeRatio:         cfg.Transfer.MaxSizeRatio,
		DurationTolerancePct: cfg.Transfer.DurationTolerancePct,
	}, log)

	o.scheduler = scheduler.New(st, o.registry, o.jobs, o.bus, scheduler.Config{
		SchedulingInterval: cfg.Scheduler.Interval,
		HealthInterval:     cfg.Scheduler.Interval,
		CleanupInterval:    cfg.Scheduler.Interval * 6,
		Weights: scheduler.Weights{
			Load:     cfg.Scheduler.LoadWeight,
			History:  cfg.Scheduler.HistoryWeight,
			Transfer: cfg.Scheduler.TransferWeight,
		},
		AutoDeployEnabled: provider != nil && cfg.Cloud.AutoDeployPlan != "",
		AutoDeployGrace:   cfg.Scheduler.AutoDeployGrace,
		BenchmarkMaxAge:   cfg.Scheduler.BenchmarkInterval,
	}, log)
	o.scheduler.OnDispatch(o.dispatch)
	o.scheduler.SetBenchmarkRunner(o.runBenchmark)

	if provider != nil {
		o.cloud = cloud.New(provider, st, o.bus, o.newBootstrapper(), cloud.Config{
			PollInterval:          cfg.Cloud.PollInterval,
			PollTimeout:           cfg.Cloud.PollTimeout,
			SweepInterval:         cfg.Cloud.SweepInterval,
			MonthlySpendCapUSD:    cfg.Cloud.MonthlySpendCapUSD,
			InstanceSpendCapUSD:   cfg.Cloud.InstanceSpendCapUSD,
			AutoDeployPlan:        cfg.Cloud.AutoDeployPlan,
			AutoDeployRegion:      cfg.Cloud.AutoDeployRegion,
			AutoDeployIdleMinutes: cfg.Cloud.AutoDeployIdleMin,
		}, log)
		o.cloud.OnResolve(o.scheduler.ResolveAutoDeploy)
		o.scheduler.SetAutoDeployer(o.cloud)
	}

	var spend metrics.SpendFunc
	if o.cloud != nil {
		spend = o.cloud.MonthlySpend
	}
	o.metrics = metrics.New(st, o.bus, spend)
	o.reporter = metrics.NewReporter(o.bus, log, cfg.Server.MetricsInterval)

	o.notifier = notify.New(o.bus, log)
	for _, ch := range cfg.Notify {
		o.notifier.AddChannel(&notify.Channel{
			Name:    ch.Name,
			Enabled: ch.Enabled,
			Topics:  ch.Topics,
			Sink:    notify.NewWebhookSink(ch.Name, ch.URL, ch.Headers),
		})
	}

	return o, nil
}

// Start brings the background loops up and recovers interrupted work.
func (o *Orchestrator) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	if err := o.jobs.RecoverPending(); err != nil {
		o.log.Errorf("recover pending retries: %v", err)
	}

	o.runLoop(func() { o.registry.Run(ctx) })
	o.runLoop(func() { o.jobs.RunWatchdog(ctx) })
	o.runLoop(func() { o.reporter.Run(ctx) })
	if o.cloud != nil {
		o.runLoop(func() { o.cloud.Run(ctx) })
		o.runLoop(func() {
			if err := o.cloud.ReconcileOrphans(ctx); err != nil {
				o.log.Warnf("orphan reconciliation: %v", err)
			}
		})
	}

	o.scheduler.Start()
	o.notifier.Start()
	o.log.Info("orchestrator started")
	return nil
}

func (o *Orchestrator) runLoop(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Stop winds everything down in dependency order.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
	o.jobs.Stop()
	o.notifier.Stop()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.hub.CloseAll()
	o.bus.Close()

	o.runnersMu.Lock()
	for id, r := range o.runners {
		if err := r.Close(); err != nil {
			o.log.Debugf("close runner %d: %v", id, err)
		}
		delete(o.runners, id)
	}
	o.runnersMu.Unlock()

	if o.catalog != nil {
		o.catalog.Close()
	}
	if err := o.store.Close(); err != nil {
		o.log.Errorf("close store: %v", err)
	}
	o.log.Info("orchestrator stopped")
}

// Accessors for the API layer.

func (o *Orchestrator) Store() store.Store              { return o.store }
func (o *Orchestrator) Bus() *bus.Bus                   { return o.bus }
func (o *Orchestrator) Hub() *bus.Hub                   { return o.hub }
func (o *Orchestrator) Jobs() *jobs.Manager             { return o.jobs }
func (o *Orchestrator) Registry() *registry.Registry    { return o.registry }
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.scheduler }
func (o *Orchestrator) Cloud() *cloud.Controller        { return o.cloud }
func (o *Orchestrator) Metrics() *metrics.Metrics       { return o.metrics }

// handleCommand routes inbound websocket commands onto the same
// operations the REST surface exposes.
func (o *Orchestrator) handleCommand(cmd bus.Command) error {
	var args struct {
		JobID    int64  `json:"job_id"`
		WorkerID int64  `json:"worker_id"`
		Plan     string `json:"plan"`
		Region   string `json:"region"`
	}
	if len(cmd.Data) > 0 {
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return fmt.Errorf("bad command data: %w", err)
		}
	}

	switch cmd.Name {
	case "cancel":
		return o.jobs.Cancel(args.JobID)
	case "retry":
		return o.jobs.Retry(args.JobID)
	case "pause":
		return o.jobs.Pause(args.JobID)
	case "resume":
		return o.jobs.Resume(args.JobID)
	case "provision":
		if o.cloud == nil {
			return fmt.Errorf("no cloud provider configured")
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Cloud.PollTimeout*2)
			defer cancel()
			if _, err := o.cloud.Deploy(ctx, args.Plan, args.Region, o.cfg.Cloud.AutoDeployIdleMin, true); err != nil {
				o.log.Errorf("provision command: %v", err)
			}
		}()
		return nil
	case "teardown":
		if o.cloud == nil {
			return fmt.Errorf("no cloud provider configured")
		}
		return o.cloud.Teardown(args.WorkerID, "requested via event stream")
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}
