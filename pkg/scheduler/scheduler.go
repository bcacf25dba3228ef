// Package scheduler assigns queued jobs to workers: composite scoring,
// atomic select-and-claim, GPU codec substitution, failover on worker
// loss, cloud auto-deploy, and benchmark freshness.
package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/jobs"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/registry"
	"github.com/transcodefarm/farmd/pkg/store"
)

// Config holds scheduler tuning.
type Config struct {
	SchedulingInterval time.Duration
	HealthInterval     time.Duration
	CleanupInterval    time.Duration

	Weights Weights

	// AutoDeployEnabled turns the no-candidate cloud deploy latch on.
	AutoDeployEnabled bool
	// AutoDeployGrace is how long the oldest queued job must wait
	// with no candidate before a deploy is requested.
	AutoDeployGrace time.Duration

	// BenchmarkMaxAge is how stale a worker benchmark may be before
	// a new run is scheduled. Zero disables the trigger.
	BenchmarkMaxAge time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SchedulingInterval: 2 * time.Second,
		HealthInterval:     5 * time.Second,
		CleanupInterval:    30 * time.Second,
		Weights:            DefaultWeights(),
		AutoDeployGrace:    5 * time.Minute,
		BenchmarkMaxAge:    24 * time.Hour,
	}
}

// Dispatcher runs a claimed job on its worker. Called on its own
// goroutine; the scheduler does not wait for it.
type Dispatcher func(job *models.Job, worker *models.Worker)

// AutoDeployer is the cloud controller hook for the no-candidate path.
type AutoDeployer interface {
	AutoDeploy() error
}

// BenchmarkRunner measures a worker's network throughput and fills in
// the benchmark record. Called on its own goroutine.
type BenchmarkRunner func(worker *models.Worker, bench *models.Benchmark)

// Scheduler is the assignment half of the scheduling subsystem. It
// runs three loops on separate tickers: scheduling (assignment),
// health (benchmark freshness), and cleanup (queue hygiene).
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	jobs     *jobs.Manager
	bus      *bus.Bus
	cfg      Config
	log      *logging.Logger

	dispatch  Dispatcher
	deployer  AutoDeployer
	benchmark BenchmarkRunner

	stopCh           chan struct{}
	schedulingStopCh chan struct{}
	healthStopCh     chan struct{}
	cleanupStopCh    chan struct{}

	// autoDeployLatch holds the trigger closed while a requested
	// deploy is still resolving, so one waiting set fires one event.
	// Cleared by the cloud controller's deploy goroutine.
	autoDeployLatch atomic.Bool
}

// New creates a scheduler. The dispatcher must be set via OnDispatch
// before Start; deployer and benchmark runner are optional.
func New(st store.Store, reg *registry.Registry, jm *jobs.Manager, b *bus.Bus, cfg Config, log *logging.Logger) *Scheduler {
	if cfg.SchedulingInterval == 0 {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		store:            st,
		registry:         reg,
		jobs:             jm,
		bus:              b,
		cfg:              cfg,
		log:              log,
		stopCh:           make(chan struct{}),
		schedulingStopCh: make(chan struct{}),
		healthStopCh:     make(chan struct{}),
		cleanupStopCh:    make(chan struct{}),
	}
	reg.OnWorkerLost(s.handleWorkerLost)
	return s
}

// OnDispatch installs the dispatch hook.
func (s *Scheduler) OnDispatch(d Dispatcher) { s.dispatch = d }

// SetAutoDeployer installs the cloud controller hook.
func (s *Scheduler) SetAutoDeployer(d AutoDeployer) { s.deployer = d }

// SetBenchmarkRunner installs the benchmark measurement hook.
func (s *Scheduler) SetBenchmarkRunner(r BenchmarkRunner) { s.benchmark = r }

// ResolveAutoDeploy reopens the auto-deploy trigger once a requested
// deploy has finished, successfully or not.
func (s *Scheduler) ResolveAutoDeploy() {
	s.autoDeployLatch.Store(false)
}

// Start launches the scheduler loops.
func (s *Scheduler) Start() {
	s.log.Infof("starting scheduler (scheduling: %v, health: %v, cleanup: %v)",
		s.cfg.SchedulingInterval, s.cfg.HealthInterval, s.cfg.CleanupInterval)
	go s.schedulingLoop()
	go s.healthLoop()
	go s.cleanupLoop()
}

// Stop winds the loops down, waiting up to ten seconds.
func (s *Scheduler) Stop() {
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		<-s.schedulingStopCh
		<-s.healthStopCh
		<-s.cleanupStopCh
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(10 * time.Second):
		s.log.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) schedulingLoop() {
	defer close(s.schedulingStopCh)
	ticker := time.NewTicker(s.cfg.SchedulingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunCycle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) healthLoop() {
	defer close(s.healthStopCh)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkBenchmarks()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) cleanupLoop() {
	defer close(s.cleanupStopCh)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reconcileSlots()
		case <-s.stopCh:
			return
		}
	}
}

// RunCycle makes one assignment pass over the queue. Exported so tests
// and the orchestrator can drive it without the ticker.
func (s *Scheduler) RunCycle() {
	queued, err := s.store.GetJobsInState(models.JobStatusQueued)
	if err != nil {
		s.log.Errorf("list queued jobs: %v", err)
		return
	}
	if len(queued) == 0 {
		return
	}

	assignedAny := false
	for _, job := range queued {
		if job.Assigned() {
			continue
		}
		if s.assignJob(job) {
			assignedAny = true
		}
	}

	if !assignedAny {
		s.maybeAutoDeploy(queued)
	}
}

// assignJob scores the candidate set and claims the winner. Claim
// failure (a concurrent claim won) falls through to the next candidate.
func (s *Scheduler) assignJob(job *models.Job) bool {
	candidates := s.registry.Candidates()
	if len(candidates) == 0 {
		return false
	}

	for _, c := range rankCandidates(s.store, candidates, job, s.cfg.Weights) {
		claimed, err := s.registry.ClaimSlot(job.ID, c.worker.ID)
		if err != nil {
			s.log.Errorf("job %d: claim worker %d: %v", job.ID, c.worker.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		if err := s.prepareDispatch(job, c.worker); err != nil {
			s.log.Errorf("job %d: prepare dispatch: %v", job.ID, err)
			if relErr := s.registry.ReleaseSlot(job.ID, true); relErr != nil {
				s.log.Errorf("job %d: rollback claim: %v", job.ID, relErr)
			}
			return false
		}

		s.log.Infof("job %d assigned to worker %d (%s, score %.3f)",
			job.ID, c.worker.ID, c.worker.Name, c.score)
		if s.dispatch != nil {
			go s.dispatch(job, c.worker)
		}
		return true
	}
	return false
}

// prepareDispatch writes the effective configuration for this attempt.
func (s *Scheduler) prepareDispatch(job *models.Job, worker *models.Worker) error {
	effective, detail := buildEffectiveParams(job, worker)
	job.EffectiveParams = effective
	job.WorkerID = &worker.ID
	if detail != "" {
		job.StatusDetail = detail
		s.log.Debugf("job %d: %s", job.ID, detail)
	}
	return s.store.UpdateJob(job)
}

// maybeAutoDeploy fires the cloud deploy trigger when the queue has
// been starved past the grace period. One event per waiting set.
func (s *Scheduler) maybeAutoDeploy(queued []*models.Job) {
	if !s.cfg.AutoDeployEnabled || s.deployer == nil || s.autoDeployLatch.Load() {
		return
	}

	oldest := queued[0]
	for _, job := range queued[1:] {
		if job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if time.Since(oldest.CreatedAt) < s.cfg.AutoDeployGrace {
		return
	}

	if !s.autoDeployLatch.CompareAndSwap(false, true) {
		return
	}
	s.log.Infof("queue starved for %s with no candidate worker, requesting cloud deploy",
		time.Since(oldest.CreatedAt).Round(time.Second))
	s.bus.Emit(models.TopicCloudAutoDeployTriggered, map[string]interface{}{
		"queued_jobs":   len(queued),
		"oldest_job_id": oldest.ID,
		"waiting_since": oldest.CreatedAt,
	})

	go func() {
		if err := s.deployer.AutoDeploy(); err != nil {
			s.log.Errorf("auto deploy request: %v", err)
			s.ResolveAutoDeploy()
		}
	}()
}

// handleWorkerLost force-fails the in-flight jobs of an offline worker
// so they re-enter the queue against the remaining workers.
func (s *Scheduler) handleWorkerLost(w *models.Worker) {
	inflight, err := s.store.GetJobsByWorker(w.ID,
		models.JobStatusTransferring, models.JobStatusTranscoding,
		models.JobStatusVerifying, models.JobStatusReplacing)
	if err != nil {
		s.log.Errorf("worker %d lost: list jobs: %v", w.ID, err)
		return
	}
	if len(inflight) == 0 {
		return
	}

	reassigned := make([]int64, 0, len(inflight))
	for _, job := range inflight {
		reason := fmt.Sprintf("worker lost: %s went offline", w.Name)
		if err := s.jobs.Fail(job.ID, reason); err != nil {
			s.log.Errorf("worker %d lost: fail job %d: %v", w.ID, job.ID, err)
			continue
		}
		reassigned = append(reassigned, job.ID)
	}
	s.log.Warnf("worker %d (%s) lost with %d in-flight jobs", w.ID, w.Name, len(reassigned))

	if w.Kind == models.WorkerKindCloud {
		s.bus.Emit(models.TopicCloudJobsReassigned, map[string]interface{}{
			"worker_id": w.ID,
			"job_ids":   reassigned,
		})
	}
}

// checkBenchmarks schedules a benchmark run for online workers whose
// measurement is missing or stale. The scheduler is the only creator
// of benchmark records.
func (s *Scheduler) checkBenchmarks() {
	if s.cfg.BenchmarkMaxAge == 0 || s.benchmark == nil {
		return
	}
	for _, w := range s.registry.List() {
		if w.IsLocal() || !w.Enabled || w.Status != models.WorkerStatusOnline {
			continue
		}
		if w.LastBenchmarkAt != nil && time.Since(*w.LastBenchmarkAt) < s.cfg.BenchmarkMaxAge {
			continue
		}
		s.TriggerBenchmark(w.ID)
	}
}

// TriggerBenchmark starts a benchmark run for one worker, also used by
// the operator command surface.
func (s *Scheduler) TriggerBenchmark(workerID int64) error {
	w, err := s.registry.Get(workerID)
	if err != nil {
		return err
	}

	bench := &models.Benchmark{
		WorkerID: w.ID,
		Status:   models.BenchmarkStatusPending,
	}
	if err := s.store.CreateBenchmark(bench); err != nil {
		return err
	}

	// Stamp now so the health loop does not pile on while it runs.
	now := time.Now()
	w.LastBenchmarkAt = &now
	if err := s.store.UpdateWorker(w); err != nil {
		return err
	}

	s.log.Infof("benchmark %d scheduled for worker %d (%s)", bench.ID, w.ID, w.Name)
	if s.benchmark != nil {
		go s.runBenchmark(w, bench)
	}
	return nil
}

func (s *Scheduler) runBenchmark(w *models.Worker, bench *models.Benchmark) {
	started := time.Now()
	bench.Status = models.BenchmarkStatusRunning
	bench.StartedAt = &started
	if err := s.store.UpdateBenchmark(bench); err != nil {
		s.log.Errorf("benchmark %d: %v", bench.ID, err)
		return
	}

	s.benchmark(w, bench)

	finished := time.Now()
	bench.CompletedAt = &finished
	if bench.Status == models.BenchmarkStatusRunning {
		bench.Status = models.BenchmarkStatusCompleted
	}
	if err := s.store.UpdateBenchmark(bench); err != nil {
		s.log.Errorf("benchmark %d: %v", bench.ID, err)
		return
	}

	if bench.Status == models.BenchmarkStatusCompleted {
		w.UploadMbps = bench.UploadMbps
		w.DownloadMbps = bench.DownloadMbps
		if err := s.store.UpdateWorker(w); err != nil {
			s.log.Errorf("benchmark %d: update worker: %v", bench.ID, err)
		}
		s.log.Infof("worker %d benchmark: %.1f up / %.1f down Mbps",
			w.ID, bench.UploadMbps, bench.DownloadMbps)
	}
}

// reconcileSlots releases slots held by jobs that reached a terminal
// state without going through the normal release path.
func (s *Scheduler) reconcileSlots() {
	for _, state := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusCancelled, models.JobStatusFailed} {
		jobsInState, err := s.store.GetJobsInState(state)
		if err != nil {
			continue
		}
		for _, job := range jobsInState {
			if !job.Assigned() {
				continue
			}
			// Harmless when the slot is already released.
			if err := s.store.ReleaseWorkerSlot(job.ID, false); err != nil && err != store.ErrJobNotFound {
				s.log.Debugf("reconcile job %d: %v", job.ID, err)
			}
		}
	}
}
