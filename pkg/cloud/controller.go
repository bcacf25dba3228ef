package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/retry"
	"github.com/transcodefarm/farmd/pkg/store"
)

var (
	// ErrSpendCapReached is returned by Deploy when the monthly cap
	// leaves no room for another instance.
	ErrSpendCapReached = errors.New("monthly spend cap reached")

	// ErrNotActive is returned by Teardown when the worker's
	// instance is not in a tear-downable state.
	ErrNotActive = errors.New("instance is not active")

	// ErrNotCloudWorker is returned for lifecycle operations on
	// local or SSH workers.
	ErrNotCloudWorker = errors.New("worker has no cloud instance")
)

// Config tunes the controller.
type Config struct {
	// PollInterval and PollTimeout bound the wait for a created
	// instance to report running.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// SweepInterval drives the idle/spend sweep.
	SweepInterval time.Duration

	// MonthlySpendCapUSD is the month's total budget; zero disables.
	MonthlySpendCapUSD float64
	// InstanceSpendCapUSD caps one instance's accrued cost; zero
	// disables.
	InstanceSpendCapUSD float64

	// AutoDeployPlan and AutoDeployRegion serve the scheduler's
	// no-candidate trigger.
	AutoDeployPlan        string
	AutoDeployRegion      string
	AutoDeployIdleMinutes int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:          10 * time.Second,
		PollTimeout:           10 * time.Minute,
		SweepInterval:         time.Minute,
		AutoDeployIdleMinutes: 30,
	}
}

// Bootstrapper prepares a fresh instance: remote toolchain check and
// GPU capability probe. Split out so tests can fake the SSH leg.
type Bootstrapper interface {
	// Bootstrap runs setup on the instance and returns the detected
	// hardware accelerations (empty means CPU only).
	Bootstrap(ctx context.Context, host string, port int) ([]string, error)
}

// ResolveListener is told when a deploy requested through AutoDeploy
// finishes, so the scheduler can unlatch its trigger.
type ResolveListener func()

// Controller drives cloud instance lifecycles against one provider.
type Controller struct {
	provider Provider
	store    store.Store
	bus      *bus.Bus
	boot     Bootstrapper
	cfg      Config
	log      *logging.Logger

	onResolve ResolveListener

	mu        sync.Mutex
	perWorker map[int64]*sync.Mutex
}

// New creates a cloud controller.
func New(p Provider, st store.Store, b *bus.Bus, boot Bootstrapper, cfg Config, log *logging.Logger) *Controller {
	if cfg.PollInterval == 0 {
		def := DefaultConfig()
		def.MonthlySpendCapUSD = cfg.MonthlySpendCapUSD
		def.InstanceSpendCapUSD = cfg.InstanceSpendCapUSD
		def.AutoDeployPlan = cfg.AutoDeployPlan
		def.AutoDeployRegion = cfg.AutoDeployRegion
		cfg = def
	}
	return &Controller{
		provider:  p,
		store:     st,
		bus:       b,
		boot:      boot,
		cfg:       cfg,
		log:       log,
		perWorker: make(map[int64]*sync.Mutex),
	}
}

// OnResolve installs the scheduler's unlatch callback.
func (c *Controller) OnResolve(fn ResolveListener) { c.onResolve = fn }

// lockWorker serializes create/destroy per worker id.
func (c *Controller) lockWorker(id int64) func() {
	c.mu.Lock()
	m, ok := c.perWorker[id]
	if !ok {
		m = &sync.Mutex{}
		c.perWorker[id] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Deploy rents an instance and walks it to active. Synchronous; the
// caller decides whether to run it on a goroutine. No auto-retry: a
// failed deploy stays failed until an operator acts.
func (c *Controller) Deploy(ctx context.Context, plan, region string, idleMinutes int, autoTeardown bool) (*models.Worker, error) {
	if err := c.checkMonthlyCap(plan); err != nil {
		return nil, err
	}

	w := &models.Worker{
		Name:              fmt.Sprintf("cloud-%s-%d", plan, time.Now().Unix()),
		Kind:              models.WorkerKindCloud,
		Enabled:           true,
		MaxConcurrentJobs: 1,
		Status:            models.WorkerStatusProvisioning,
		Cloud: &models.CloudMeta{
			Provider:     c.provider.Name(),
			Plan:         plan,
			Region:       region,
			CreatedAt:    time.Now(),
			AutoTeardown: autoTeardown,
			IdleMinutes:  idleMinutes,
			Lifecycle:    models.CloudLifecycleCreating,
		},
	}
	if err := c.store.CreateWorker(w); err != nil {
		return nil, err
	}
	unlock := c.lockWorker(w.ID)
	defer unlock()

	c.progress(w, "creating", fmt.Sprintf("requesting %s in %s", plan, region))

	instanceID, err := c.provider.CreateInstance(ctx, plan, region)
	if err != nil {
		return w, c.deployFailed(w, fmt.Errorf("create instance: %w", err))
	}
	w.Cloud.InstanceID = instanceID
	if err := c.store.UpdateWorker(w); err != nil {
		return w, c.deployFailed(w, err)
	}

	inst, err := c.pollUntilRunning(ctx, instanceID)
	if err != nil {
		return w, c.deployFailed(w, err)
	}
	w.Hostname = inst.Hostname
	w.Port = inst.Port

	if err := c.transition(w, models.CloudLifecycleBootstrapping); err != nil {
		return w, c.deployFailed(w, err)
	}
	c.progress(w, "bootstrapping", "instance running, starting setup")

	accels, err := c.bootstrap(ctx, w)
	if err != nil {
		return w, c.deployFailed(w, fmt.Errorf("bootstrap: %w", err))
	}
	w.HWAccels = accels

	if err := c.transition(w, models.CloudLifecycleActive); err != nil {
		return w, c.deployFailed(w, err)
	}
	w.Status = models.WorkerStatusOnline
	if err := c.store.UpdateWorker(w); err != nil {
		return w, c.deployFailed(w, err)
	}
	if err := c.store.UpdateWorkerStatus(w.ID, models.WorkerStatusOnline); err != nil {
		return w, c.deployFailed(w, err)
	}
	if err := c.store.UpdateWorkerHeartbeat(w.ID, time.Now()); err != nil {
		c.log.Warnf("worker %d: initial heartbeat: %v", w.ID, err)
	}

	c.log.Infof("cloud worker %d active: %s (%s, %v)", w.ID, w.Name, inst.Hostname, accels)
	c.bus.Emit(models.TopicCloudDeployCompleted, map[string]interface{}{
		"worker_id":   w.ID,
		"instance_id": instanceID,
		"plan":        plan,
		"region":      region,
		"hw_accels":   accels,
	})
	c.resolve()
	return w, nil
}

// AutoDeploy satisfies the scheduler's no-candidate trigger using the
// configured default plan.
func (c *Controller) AutoDeploy() error {
	if c.cfg.AutoDeployPlan == "" {
		c.resolve()
		return errors.New("no auto-deploy plan configured")
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollTimeout+5*time.Minute)
		defer cancel()
		if _, err := c.Deploy(ctx, c.cfg.AutoDeployPlan, c.cfg.AutoDeployRegion,
			c.cfg.AutoDeployIdleMinutes, true); err != nil {
			c.log.Errorf("auto deploy: %v", err)
		}
	}()
	return nil
}

func (c *Controller) pollUntilRunning(ctx context.Context, instanceID string) (*Instance, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		inst, err := c.provider.InstanceStatus(ctx, instanceID)
		if err == nil && inst.State == InstanceStateRunning {
			return inst, nil
		}
		if err != nil && !retry.IsRetryable(err) {
			return nil, fmt.Errorf("instance status: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance %s not running after %s", instanceID, c.cfg.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) bootstrap(ctx context.Context, w *models.Worker) ([]string, error) {
	if c.boot == nil {
		return nil, errors.New("no bootstrapper configured")
	}
	return c.boot.Bootstrap(ctx, w.Hostname, w.Port)
}

// deployFailed parks the worker in failed with the reason on record.
func (c *Controller) deployFailed(w *models.Worker, cause error) error {
	c.log.Errorf("cloud worker %d deploy failed: %v", w.ID, cause)

	w.Cloud.Lifecycle = models.CloudLifecycleFailed
	w.Status = models.WorkerStatusSetupFailed
	w.Enabled = false
	if err := c.store.UpdateWorker(w); err != nil {
		c.log.Errorf("cloud worker %d: record failure: %v", w.ID, err)
	}
	if err := c.store.UpdateWorkerStatus(w.ID, models.WorkerStatusSetupFailed); err != nil {
		c.log.Errorf("cloud worker %d: record failure status: %v", w.ID, err)
	}

	// Best effort: stop billing on the half-created instance.
	if w.Cloud.InstanceID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.provider.TerminateInstance(ctx, w.Cloud.InstanceID); err != nil {
			c.log.Errorf("cloud worker %d: terminate after failure: %v", w.ID, err)
		}
	}

	c.bus.Emit(models.TopicCloudDeployFailed, map[string]interface{}{
		"worker_id": w.ID,
		"reason":    cause.Error(),
	})
	c.resolve()
	return cause
}

func (c *Controller) transition(w *models.Worker, to models.CloudLifecycle) error {
	if !models.ValidateCloudTransition(w.Cloud.Lifecycle, to) {
		return fmt.Errorf("invalid cloud transition %s -> %s", w.Cloud.Lifecycle, to)
	}
	w.Cloud.Lifecycle = to
	return c.store.UpdateWorker(w)
}

func (c *Controller) progress(w *models.Worker, stage, detail string) {
	c.bus.Emit(models.TopicCloudDeployProgress, map[string]interface{}{
		"worker_id": w.ID,
		"stage":     stage,
		"detail":    detail,
	})
}

// Teardown terminates a cloud worker's instance. Manual entry point;
// the idle and spend sweeps funnel into the same path.
func (c *Controller) Teardown(id int64, reason string) error {
	unlock := c.lockWorker(id)
	defer unlock()
	return c.teardownLocked(id, reason)
}

func (c *Controller) teardownLocked(id int64, reason string) error {
	w, err := c.store.GetWorker(id)
	if err != nil {
		return err
	}
	if w.Cloud == nil {
		return ErrNotCloudWorker
	}
	if w.Cloud.Lifecycle == models.CloudLifecycleDestroying || w.Cloud.Lifecycle == models.CloudLifecycleDestroyed {
		return nil
	}
	if w.Cloud.Lifecycle != models.CloudLifecycleActive {
		return ErrNotActive
	}

	// No new assignments from this point on.
	w.Enabled = false
	if err := c.transition(w, models.CloudLifecycleDestroying); err != nil {
		return err
	}
	c.log.Infof("cloud worker %d tearing down: %s", id, reason)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.provider.TerminateInstance(ctx, w.Cloud.InstanceID); err != nil && err != ErrInstanceNotFound {
		return fmt.Errorf("terminate instance: %w", err)
	}

	if err := c.transition(w, models.CloudLifecycleDestroyed); err != nil {
		return err
	}
	if err := c.store.UpdateWorkerStatus(id, models.WorkerStatusOffline); err != nil {
		return err
	}

	c.bus.Emit(models.TopicCloudTeardownCompleted, map[string]interface{}{
		"worker_id": id,
		"reason":    reason,
	})
	return nil
}

// Run drives the idle/spend sweep until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep applies idle teardown and spend caps across active cloud
// workers. Exported for tests and an operator "sweep now" command.
func (c *Controller) Sweep() {
	for _, w := range c.store.GetAllWorkers() {
		if w.Cloud == nil || w.Cloud.Lifecycle != models.CloudLifecycleActive {
			continue
		}
		if c.enforceSpendCaps(w) {
			continue
		}
		c.maybeIdleTeardown(w)
	}
	c.accrueJobCosts()
}

// enforceSpendCaps tears the instance down when a cap is breached.
// Reports whether a teardown happened.
func (c *Controller) enforceSpendCaps(w *models.Worker) bool {
	instanceCost := c.runningCost(w)
	monthly := c.monthlySpend()

	capHit := ""
	switch {
	case c.cfg.InstanceSpendCapUSD > 0 && instanceCost > c.cfg.InstanceSpendCapUSD:
		capHit = fmt.Sprintf("instance cost %.2f USD over cap %.2f", instanceCost, c.cfg.InstanceSpendCapUSD)
	case c.cfg.MonthlySpendCapUSD > 0 && monthly > c.cfg.MonthlySpendCapUSD:
		capHit = fmt.Sprintf("monthly spend %.2f USD over cap %.2f", monthly, c.cfg.MonthlySpendCapUSD)
	default:
		return false
	}

	c.log.Warnf("cloud worker %d: %s", w.ID, capHit)
	c.bus.Emit(models.TopicCloudSpendCapReached, map[string]interface{}{
		"worker_id":     w.ID,
		"reason":        capHit,
		"instance_cost": instanceCost,
		"monthly_spend": monthly,
	})
	if err := c.Teardown(w.ID, capHit); err != nil {
		c.log.Errorf("cloud worker %d: cap teardown: %v", w.ID, err)
	}
	return true
}

// maybeIdleTeardown retires an auto-teardown worker that has sat idle
// past its threshold with nothing assigned or queued for it.
func (c *Controller) maybeIdleTeardown(w *models.Worker) {
	if !w.Cloud.AutoTeardown || w.Cloud.IdleMinutes <= 0 {
		return
	}
	if w.ActiveJobs > 0 {
		return
	}

	idleSince := c.lastActivity(w)
	idle := time.Since(idleSince)
	if idle < time.Duration(w.Cloud.IdleMinutes)*time.Minute {
		return
	}

	reason := fmt.Sprintf("idle for %s (threshold %dm)", idle.Round(time.Minute), w.Cloud.IdleMinutes)
	if err := c.Teardown(w.ID, reason); err != nil {
		c.log.Errorf("cloud worker %d: idle teardown: %v", w.ID, err)
	}
}

// lastActivity is the later of instance creation and the worker's most
// recent job completion.
func (c *Controller) lastActivity(w *models.Worker) time.Time {
	last := w.Cloud.CreatedAt
	jobs, err := c.store.GetJobsByWorker(w.ID, models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return last
	}
	for _, job := range jobs {
		if job.CompletedAt != nil && job.CompletedAt.After(last) {
			last = *job.CompletedAt
		} else if job.UpdatedAt.After(last) {
			last = job.UpdatedAt
		}
	}
	return last
}

// runningCost is the instance's accrued cost this billing run.
func (c *Controller) runningCost(w *models.Worker) float64 {
	rate := c.hourlyRate(w.Cloud.Plan)
	if rate == 0 {
		return 0
	}
	return time.Since(w.Cloud.CreatedAt).Hours() * rate
}

// MonthlySpend reports this calendar month's accrued cloud cost, for
// the metrics gauge.
func (c *Controller) MonthlySpend() float64 { return c.monthlySpend() }

// Plans lists what the provider currently rents out.
func (c *Controller) Plans(ctx context.Context) ([]Plan, error) {
	return c.provider.Plans(ctx)
}

// monthlySpend sums the running cost of every cloud worker created
// this calendar month, including destroyed ones.
func (c *Controller) monthlySpend() float64 {
	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	total := 0.0
	for _, w := range c.store.GetAllWorkers() {
		if w.Cloud == nil || w.Cloud.CreatedAt.Before(monthStart) {
			continue
		}
		rate := c.hourlyRate(w.Cloud.Plan)
		end := now
		if w.Cloud.Lifecycle == models.CloudLifecycleDestroyed && w.LastHeartbeat.After(w.Cloud.CreatedAt) {
			end = w.LastHeartbeat
		}
		total += end.Sub(w.Cloud.CreatedAt).Hours() * rate
	}
	return total
}

func (c *Controller) hourlyRate(planName string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	plans, err := c.provider.Plans(ctx)
	if err != nil {
		return 0
	}
	for _, p := range plans {
		if p.Name == planName {
			return p.HourlyUSD
		}
	}
	return 0
}

func (c *Controller) checkMonthlyCap(plan string) error {
	if c.cfg.MonthlySpendCapUSD <= 0 {
		return nil
	}
	if c.monthlySpend() >= c.cfg.MonthlySpendCapUSD {
		c.bus.Emit(models.TopicCloudSpendCapReached, map[string]interface{}{
			"reason":        "deploy refused: monthly cap reached",
			"monthly_spend": c.monthlySpend(),
		})
		return ErrSpendCapReached
	}
	return nil
}

// accrueJobCosts spreads each active cloud worker's hourly rate onto
// the jobs currently running on it.
func (c *Controller) accrueJobCosts() {
	for _, w := range c.store.GetAllWorkers() {
		if w.Cloud == nil || w.Cloud.Lifecycle != models.CloudLifecycleActive {
			continue
		}
		rate := c.hourlyRate(w.Cloud.Plan)
		if rate == 0 {
			continue
		}
		running, err := c.store.GetJobsByWorker(w.ID,
			models.JobStatusTransferring, models.JobStatusTranscoding,
			models.JobStatusVerifying, models.JobStatusReplacing)
		if err != nil || len(running) == 0 {
			continue
		}
		slice := rate * c.cfg.SweepInterval.Hours() / float64(len(running))
		for _, job := range running {
			cost := slice
			if job.CloudCostUSD != nil {
				cost += *job.CloudCostUSD
			}
			job.CloudCostUSD = &cost
			if err := c.store.UpdateJob(job); err != nil {
				c.log.Debugf("job %d: accrue cost: %v", job.ID, err)
			}
		}
	}
}

// ReconcileOrphans compares provider instances with worker records and
// reports instances nothing accounts for. Report only: a human decides
// whether to kill the bill.
func (c *Controller) ReconcileOrphans(ctx context.Context) error {
	instances, err := c.provider.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	known := make(map[string]bool)
	for _, w := range c.store.GetAllWorkers() {
		if w.Cloud == nil || w.Cloud.InstanceID == "" {
			continue
		}
		if w.Cloud.Lifecycle != models.CloudLifecycleDestroyed {
			known[w.Cloud.InstanceID] = true
		}
	}

	for _, inst := range instances {
		if inst.State == InstanceStateGone || known[inst.ID] {
			continue
		}
		c.log.Warnf("orphan cloud instance %s (%s) has no worker record", inst.ID, inst.State)
		c.bus.Emit(models.TopicCloudOrphanDetected, map[string]interface{}{
			"instance_id": inst.ID,
			"state":       string(inst.State),
			"provider":    c.provider.Name(),
		})
	}
	return nil
}

func (c *Controller) resolve() {
	if c.onResolve != nil {
		c.onResolve()
	}
}
