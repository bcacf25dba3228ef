// Package registry maintains live worker state: heartbeats, telemetry,
// enable/disable, and worker-lost detection. The scheduler reads
// candidates from here; the store remains the source of truth.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/store"
)

// ErrWorkerDisabled is returned when an operation needs an enabled worker.
var ErrWorkerDisabled = errors.New("worker is disabled")

// Config tunes the registry.
type Config struct {
	// HeartbeatTimeout is how long a remote worker may go silent
	// before it is marked offline.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often heartbeat ages are checked.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
	}
}

// LostHandler is notified when a worker with assigned jobs goes
// offline; the scheduler hooks its failover here.
type LostHandler func(worker *models.Worker)

// Registry is the worker-state half of the scheduling subsystem.
type Registry struct {
	store  store.Store
	bus    *bus.Bus
	cfg    Config
	log    *logging.Logger
	onLost LostHandler
}

// New creates a worker registry.
func New(st store.Store, b *bus.Bus, cfg Config, log *logging.Logger) *Registry {
	if cfg.HeartbeatTimeout == 0 {
		cfg = DefaultConfig()
	}
	return &Registry{store: st, bus: b, cfg: cfg, log: log}
}

// OnWorkerLost installs the failover callback. Must be set before Run.
func (r *Registry) OnWorkerLost(h LostHandler) { r.onLost = h }

// Add registers a new worker. Local workers come up online
// immediately; remote ones start offline until their first heartbeat.
func (r *Registry) Add(w *models.Worker) error {
	if w.MaxConcurrentJobs <= 0 {
		w.MaxConcurrentJobs = 1
	}
	if w.Status == "" {
		if w.IsLocal() {
			w.Status = models.WorkerStatusOnline
		} else {
			w.Status = models.WorkerStatusOffline
		}
	}
	if err := r.store.CreateWorker(w); err != nil {
		return err
	}
	r.log.Infof("worker %d (%s, %s) registered", w.ID, w.Name, w.Kind)
	return nil
}

// Get returns one worker.
func (r *Registry) Get(id int64) (*models.Worker, error) {
	return r.store.GetWorker(id)
}

// List returns all workers.
func (r *Registry) List() []*models.Worker {
	return r.store.GetAllWorkers()
}

// Update persists operator changes to a worker record.
func (r *Registry) Update(w *models.Worker) error {
	return r.store.UpdateWorker(w)
}

// Remove deletes a worker. Jobs still bound to it keep their history.
func (r *Registry) Remove(id int64) error {
	return r.store.DeleteWorker(id)
}

// SetEnabled flips the operator switch. Disabled is not offline: the
// worker may be healthy, it just receives no new work.
func (r *Registry) SetEnabled(id int64, enabled bool) error {
	w, err := r.store.GetWorker(id)
	if err != nil {
		return err
	}
	if w.Enabled == enabled {
		return nil
	}
	w.Enabled = enabled
	if err := r.store.UpdateWorker(w); err != nil {
		return err
	}
	r.log.Infof("worker %d %s", id, map[bool]string{true: "enabled", false: "disabled"}[enabled])
	return nil
}

// Heartbeat records a liveness report from a remote worker, optionally
// with load telemetry. An offline worker reporting in comes back online.
func (r *Registry) Heartbeat(id int64, cpuLoad, gpuLoad float64) error {
	w, err := r.store.GetWorker(id)
	if err != nil {
		return err
	}

	if cpuLoad >= 0 {
		w.CPULoad = cpuLoad
	}
	if gpuLoad >= 0 {
		w.GPULoad = gpuLoad
	}
	if err := r.store.UpdateWorker(w); err != nil {
		return err
	}
	if err := r.store.UpdateWorkerHeartbeat(id, time.Now()); err != nil {
		return err
	}

	if w.Status == models.WorkerStatusOffline {
		return r.markOnline(w)
	}
	return nil
}

// Candidates returns workers eligible for new work right now.
func (r *Registry) Candidates() []*models.Worker {
	var out []*models.Worker
	for _, w := range r.store.GetAllWorkers() {
		if w.Schedulable() && w.ActiveJobs < w.MaxConcurrentJobs {
			out = append(out, w)
		}
	}
	return out
}

// ClaimSlot binds a queued job to a worker atomically.
func (r *Registry) ClaimSlot(jobID, workerID int64) (bool, error) {
	return r.store.ClaimWorkerSlot(jobID, workerID)
}

// ReleaseSlot frees a worker slot held by a job.
func (r *Registry) ReleaseSlot(jobID int64, unbind bool) error {
	return r.store.ReleaseWorkerSlot(jobID, unbind)
}

// Run sweeps heartbeat ages and refreshes local telemetry until ctx is
// done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
			r.refreshLocalTelemetry()
		}
	}
}

// sweep marks silent remote workers offline and fires the lost hook.
func (r *Registry) sweep() {
	now := time.Now()
	for _, w := range r.store.GetAllWorkers() {
		if w.IsLocal() || w.Status != models.WorkerStatusOnline {
			continue
		}
		if w.LastHeartbeat.IsZero() || now.Sub(w.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}
		r.markOffline(w, fmt.Sprintf("no heartbeat for %s", now.Sub(w.LastHeartbeat).Round(time.Second)))
	}
}

func (r *Registry) markOffline(w *models.Worker, reason string) {
	if err := r.store.UpdateWorkerStatus(w.ID, models.WorkerStatusOffline); err != nil {
		r.log.Errorf("worker %d: mark offline: %v", w.ID, err)
		return
	}
	w.Status = models.WorkerStatusOffline
	r.log.Warnf("worker %d (%s) offline: %s", w.ID, w.Name, reason)
	r.bus.Emit(models.TopicServerOffline, map[string]interface{}{
		"worker_id": w.ID, "name": w.Name, "reason": reason,
	})
	if r.onLost != nil {
		r.onLost(w)
	}
}

func (r *Registry) markOnline(w *models.Worker) error {
	if err := r.store.UpdateWorkerStatus(w.ID, models.WorkerStatusOnline); err != nil {
		return err
	}
	w.Status = models.WorkerStatusOnline
	r.log.Infof("worker %d (%s) online", w.ID, w.Name)
	r.bus.Emit(models.TopicServerOnline, map[string]interface{}{
		"worker_id": w.ID, "name": w.Name,
	})
	return nil
}

// refreshLocalTelemetry samples host load for local workers. Remote
// workers report their own numbers via heartbeat.
func (r *Registry) refreshLocalTelemetry() {
	var cpuLoad float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuLoad = percents[0]
	} else if avg, err := load.Avg(); err == nil {
		cpuLoad = avg.Load1
	} else {
		return
	}

	for _, w := range r.store.GetAllWorkers() {
		if !w.IsLocal() {
			continue
		}
		w.CPULoad = cpuLoad
		if err := r.store.UpdateWorker(w); err != nil {
			r.log.Debugf("worker %d: telemetry update: %v", w.ID, err)
		}
	}
}
