// Package jobs owns every job status mutation: the submit/cancel
// surface, the retry and GPU fallback policy, and the stuck-job
// watchdog. Nothing else in the system writes Job.Status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/catalog"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/retry"
	"github.com/transcodefarm/farmd/pkg/store"
)

var (
	// ErrMissingSource is returned by Submit when neither a catalog
	// item nor a source path resolves to a file.
	ErrMissingSource = errors.New("job has no resolvable source")

	// ErrJobTerminal is returned for operations on completed or
	// cancelled jobs.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrNotPaused is returned by Resume on a job that is not paused.
	ErrNotPaused = errors.New("job is not paused")

	// ErrNotFailed is returned by Retry on a job that is not failed.
	ErrNotFailed = errors.New("job is not failed")
)

// Config tunes the manager.
type Config struct {
	DefaultMaxRetries int
	RetryPolicy       *models.RetryPolicy
	StuckAfter        time.Duration
	WatchdogInterval  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: 3,
		RetryPolicy:       models.DefaultRetryPolicy(),
		StuckAfter:        15 * time.Minute,
		WatchdogInterval:  time.Minute,
	}
}

// Manager is the job state machine. All transitions flow through it so
// the audit trail, the bus events, and the retry accounting stay
// consistent.
type Manager struct {
	store   store.Store
	bus     *bus.Bus
	catalog catalog.Catalog
	cfg     Config
	log     *logging.Logger

	mu          sync.Mutex
	retryTimers map[int64]*time.Timer
	aborts      map[int64]context.CancelFunc
	stopped     bool
}

// NewManager creates a job manager. catalog may be nil when jobs are
// submitted by path only.
func NewManager(st store.Store, b *bus.Bus, cat catalog.Catalog, cfg Config, log *logging.Logger) *Manager {
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = models.DefaultRetryPolicy()
	}
	return &Manager{
		store:       st,
		bus:         b,
		catalog:     cat,
		cfg:         cfg,
		log:         log,
		retryTimers: make(map[int64]*time.Timer),
		aborts:      make(map[int64]context.CancelFunc),
	}
}

// Submit validates and enqueues a new job.
func (m *Manager) Submit(req *models.JobRequest) (*models.Job, error) {
	job := &models.Job{
		MediaItemID: req.MediaItemID,
		Params:      req.Params,
		Priority:    req.Priority,
		PresetID:    req.PresetID,
		Status:      models.JobStatusQueued,
		MaxRetries:  req.MaxRetries,
		SourcePath:  req.SourcePath,
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = m.cfg.DefaultMaxRetries
	}

	if req.MediaItemID != nil {
		if m.catalog == nil {
			return nil, fmt.Errorf("%w: no catalog configured for media item %d", ErrMissingSource, *req.MediaItemID)
		}
		item, err := m.catalog.Lookup(*req.MediaItemID)
		if err != nil {
			return nil, fmt.Errorf("%w: media item %d: %v", ErrMissingSource, *req.MediaItemID, err)
		}
		job.SourcePath = item.Path
		job.SourceSize = item.SizeBytes
	}
	if job.SourcePath == "" {
		return nil, ErrMissingSource
	}
	if job.SourceSize == 0 {
		if fi, err := os.Stat(job.SourcePath); err == nil {
			job.SourceSize = fi.Size()
		}
	}

	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}

	m.log.Infof("job %d submitted: %s", job.ID, job.SourcePath)
	m.emit(models.TopicJobQueued, job, nil)
	return job, nil
}

// Cancel stops a job. Cancelling an already-cancelled job is a no-op;
// a completed job cannot be cancelled.
func (m *Manager) Cancel(id int64) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusCancelled {
		return nil
	}
	if job.Status == models.JobStatusCompleted {
		return ErrJobTerminal
	}

	m.clearRetryTimer(id)
	m.abort(id)

	if _, err := m.store.TransitionJobState(id, models.JobStatusCancelled, "cancelled by operator"); err != nil {
		return err
	}
	if err := m.store.ReleaseWorkerSlot(id, true); err != nil && err != store.ErrJobNotFound {
		m.log.Warnf("job %d: release after cancel: %v", id, err)
	}

	m.log.Infof("job %d cancelled", id)
	m.emitState(id, models.JobStatusCancelled, job.Status)
	m.emit(models.TopicJobCancelled, job, nil)
	return nil
}

// Advance moves a job along the pipeline. Invalid transitions are
// rejected with the prior state untouched.
func (m *Manager) Advance(id int64, to models.JobStatus, detail string) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	changed, err := m.store.TransitionJobState(id, to, detail)
	if err != nil {
		return err
	}
	if changed {
		m.emitState(id, to, job.Status)
	}
	return nil
}

// RecordProgress updates a transcoding job's progress. Stale-episode
// reports are dropped; regressions within an episode are an error.
func (m *Manager) RecordProgress(id int64, percent, fps float64, etaSeconds int) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateJobProgress(id, job.Episode, percent, fps, etaSeconds); err != nil {
		return err
	}
	m.emit(models.TopicJobProgress, job, map[string]interface{}{
		"progress_percent": percent,
		"current_fps":      fps,
		"eta_seconds":      etaSeconds,
	})
	return nil
}

// Fail records a failure and decides what happens next: GPU-driver
// errors run the two-stage fallback without spending the generic retry
// budget; otherwise the job re-queues on the backoff schedule while
// budget remains, or lands in failed for good.
func (m *Manager) Fail(id int64, reason string) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.Status) {
		return nil
	}

	m.abort(id)

	if retry.IsGPUDriverError(errors.New(reason)) && job.GPUFallbackStage < models.GPUFallbackCPUEncode {
		return m.gpuFallback(job, reason)
	}

	if job.RetryCount >= job.MaxRetries {
		if _, err := m.store.TransitionJobState(id, models.JobStatusFailed, reason); err != nil {
			return err
		}
		// Keep the worker binding so history attributes the failure.
		if err := m.store.ReleaseWorkerSlot(id, false); err != nil {
			m.log.Warnf("job %d: release after terminal failure: %v", id, err)
		}
		m.log.Warnf("job %d failed permanently after %d retries: %s", id, job.RetryCount, reason)
		m.emitState(id, models.JobStatusFailed, job.Status)
		m.emit(models.TopicJobFailed, job, map[string]interface{}{
			"reason": reason, "will_retry": false,
		})
		return nil
	}

	// The delay schedule is indexed by completed retries: the first
	// re-queue waits out the first entry.
	delay := m.cfg.RetryPolicy.BackoffFor(job.RetryCount)
	job.RetryCount++
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}
	if _, err := m.store.TransitionJobState(id, models.JobStatusFailed, reason); err != nil {
		return err
	}
	if err := m.store.ReleaseWorkerSlot(id, true); err != nil {
		m.log.Warnf("job %d: release after failure: %v", id, err)
	}

	m.log.Warnf("job %d failed (attempt %d/%d), re-queueing in %s: %s",
		id, job.RetryCount, job.MaxRetries, delay, reason)
	m.emitState(id, models.JobStatusFailed, job.Status)
	m.emit(models.TopicJobFailed, job, map[string]interface{}{
		"reason": reason, "will_retry": true, "retry_in_seconds": delay.Seconds(),
	})

	m.scheduleRequeue(id, delay)
	return nil
}

// gpuFallback downgrades the effective configuration one stage and
// re-queues immediately. At most one attempt per stage per job.
func (m *Manager) gpuFallback(job *models.Job, reason string) error {
	job.GPUFallbackStage++
	effective := job.CloneParams()
	switch job.GPUFallbackStage {
	case models.GPUFallbackCPUDecode:
		effective["hwaccel_decode"] = false
		if hw, ok := job.EffectiveParams["video_codec"]; ok {
			effective["video_codec"] = hw
		}
	case models.GPUFallbackCPUEncode:
		effective["hwaccel_decode"] = false
		// Back to the originally requested codec; CloneParams
		// already restored it.
	}
	job.EffectiveParams = effective
	job.Episode++
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}
	if _, err := m.store.TransitionJobState(job.ID, models.JobStatusFailed, reason); err != nil {
		return err
	}
	if err := m.store.ReleaseWorkerSlot(job.ID, true); err != nil {
		m.log.Warnf("job %d: release after gpu fallback: %v", job.ID, err)
	}
	if _, err := m.store.TransitionJobState(job.ID, models.JobStatusQueued, fmt.Sprintf("gpu fallback stage %d", job.GPUFallbackStage)); err != nil {
		return err
	}

	m.log.Warnf("job %d: gpu driver error, fallback to stage %d: %s", job.ID, job.GPUFallbackStage, reason)
	m.emit(models.TopicJobFailed, job, map[string]interface{}{
		"reason": reason, "will_retry": true, "gpu_fallback_stage": job.GPUFallbackStage,
	})
	m.emit(models.TopicJobQueued, job, nil)
	return nil
}

// Complete finishes a job after replacement succeeded.
func (m *Manager) Complete(id int64, outputPath string, outputSize int64) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	job.OutputPath = outputPath
	job.OutputSize = outputSize
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}
	if _, err := m.store.TransitionJobState(id, models.JobStatusCompleted, ""); err != nil {
		return err
	}
	if err := m.store.ReleaseWorkerSlot(id, false); err != nil {
		m.log.Warnf("job %d: release after completion: %v", id, err)
	}
	m.clearAbort(id)

	m.log.Infof("job %d completed: %s (%d bytes)", id, outputPath, outputSize)
	m.emitState(id, models.JobStatusCompleted, job.Status)
	m.emit(models.TopicJobCompleted, job, map[string]interface{}{
		"output_path": outputPath, "output_size": outputSize,
	})
	return nil
}

// Retry re-queues a failed job at the operator's request, ahead of (or
// after exhausting) the automatic schedule. The retry budget starts
// over; the original request parameters are restored.
func (m *Manager) Retry(id int64) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusFailed {
		return ErrNotFailed
	}

	m.clearRetryTimer(id)

	job.RetryCount = 0
	job.EffectiveParams = nil
	job.Episode++
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}
	if _, err := m.store.TransitionJobState(id, models.JobStatusQueued, "retried by operator"); err != nil {
		return err
	}

	m.log.Infof("job %d re-queued by operator", id)
	m.emit(models.TopicJobQueued, job, nil)
	return nil
}

// Pause takes a job out of the pipeline. A running attempt is aborted;
// the work done so far is discarded.
func (m *Manager) Pause(id int64) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}

	m.clearRetryTimer(id)
	m.abort(id)

	if _, err := m.store.TransitionJobState(id, models.JobStatusPaused, "paused by operator"); err != nil {
		return err
	}
	if err := m.store.ReleaseWorkerSlot(id, true); err != nil {
		m.log.Warnf("job %d: release after pause: %v", id, err)
	}
	m.emitState(id, models.JobStatusPaused, job.Status)
	return nil
}

// Resume returns a paused job to the queue.
func (m *Manager) Resume(id int64) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPaused {
		return ErrNotPaused
	}

	job.Episode++
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}
	if _, err := m.store.TransitionJobState(id, models.JobStatusQueued, "resumed by operator"); err != nil {
		return err
	}
	m.emit(models.TopicJobQueued, job, nil)
	return nil
}

// RegisterAbort installs the cancel function that stops a job's
// running attempt. The orchestrator calls this at dispatch.
func (m *Manager) RegisterAbort(id int64, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts[id] = cancel
}

// ClearAbort removes a job's abort hook once its attempt ends.
func (m *Manager) ClearAbort(id int64) {
	m.clearAbort(id)
}

func (m *Manager) clearAbort(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.aborts, id)
}

func (m *Manager) abort(id int64) {
	m.mu.Lock()
	cancel := m.aborts[id]
	delete(m.aborts, id)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) scheduleRequeue(id int64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if t, ok := m.retryTimers[id]; ok {
		t.Stop()
	}
	m.retryTimers[id] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.retryTimers, id)
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		if err := m.requeue(id); err != nil {
			m.log.Errorf("job %d: backoff re-queue: %v", id, err)
		}
	})
}

func (m *Manager) requeue(id int64) error {
	job, err := m.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusFailed {
		// Cancelled or operator-retried while waiting out the backoff.
		return nil
	}

	job.Episode++
	if err := m.store.UpdateJob(job); err != nil {
		return err
	}
	if _, err := m.store.TransitionJobState(id, models.JobStatusQueued, fmt.Sprintf("retry %d/%d", job.RetryCount, job.MaxRetries)); err != nil {
		return err
	}
	m.log.Infof("job %d re-queued (retry %d/%d)", id, job.RetryCount, job.MaxRetries)
	m.emit(models.TopicJobQueued, job, nil)
	return nil
}

func (m *Manager) clearRetryTimer(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retryTimers[id]; ok {
		t.Stop()
		delete(m.retryTimers, id)
	}
}

// RecoverPending reschedules backoff re-queues for failed jobs with
// budget left, after a daemon restart.
func (m *Manager) RecoverPending() error {
	failed, err := m.store.GetJobsInState(models.JobStatusFailed)
	if err != nil {
		return err
	}
	for _, job := range failed {
		if job.RetryCount == 0 || job.RetryCount >= job.MaxRetries {
			continue
		}
		delay := m.cfg.RetryPolicy.BackoffFor(job.RetryCount - 1)
		if since := time.Since(job.UpdatedAt); since < delay {
			delay -= since
		} else {
			delay = time.Second
		}
		m.log.Infof("job %d: recovering pending retry in %s", job.ID, delay)
		m.scheduleRequeue(job.ID, delay)
	}
	return nil
}

// RunWatchdog fails jobs stuck in transferring or transcoding with no
// progress for the configured window. Blocks until ctx is done.
func (m *Manager) RunWatchdog(ctx context.Context) {
	interval := m.cfg.WatchdogInterval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStuck()
		}
	}
}

func (m *Manager) sweepStuck() {
	if m.cfg.StuckAfter <= 0 {
		return
	}
	for _, state := range []models.JobStatus{models.JobStatusTransferring, models.JobStatusTranscoding} {
		jobs, err := m.store.GetJobsInState(state)
		if err != nil {
			m.log.Errorf("watchdog: list %s jobs: %v", state, err)
			continue
		}
		for _, job := range jobs {
			idle := time.Since(job.UpdatedAt)
			if idle < m.cfg.StuckAfter {
				continue
			}
			reason := fmt.Sprintf("stuck: no progress for %s in %s", idle.Round(time.Second), state)
			m.log.Warnf("job %d %s", job.ID, reason)
			if err := m.Fail(job.ID, reason); err != nil {
				m.log.Errorf("watchdog: fail job %d: %v", job.ID, err)
			}
		}
	}
}

// Stop cancels pending retry timers. In-flight attempts are the
// orchestrator's to wind down.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
}

func (m *Manager) emit(topic string, job *models.Job, extra map[string]interface{}) {
	data := map[string]interface{}{
		"job_id": job.ID,
		"status": string(job.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	m.bus.Emit(topic, data)
}

func (m *Manager) emitState(id int64, to, from models.JobStatus) {
	m.bus.Emit(models.TopicJobStateChanged, map[string]interface{}{
		"job_id": id,
		"from":   string(from),
		"to":     string(to),
	})
}
