package models

import (
	"time"
)

// WorkerKind represents how a worker is reached
type WorkerKind string

const (
	WorkerKindLocal WorkerKind = "local"
	WorkerKindSSH   WorkerKind = "ssh"
	WorkerKindCloud WorkerKind = "cloud"
)

// WorkerStatus is the observed availability of a worker
type WorkerStatus string

const (
	WorkerStatusOffline      WorkerStatus = "offline"
	WorkerStatusOnline       WorkerStatus = "online"
	WorkerStatusProvisioning WorkerStatus = "provisioning"
	WorkerStatusSetupFailed  WorkerStatus = "setup_failed"
	WorkerStatusPending      WorkerStatus = "pending"
)

// CloudLifecycle is the provisioning state of a cloud worker's instance
type CloudLifecycle string

const (
	CloudLifecycleCreating      CloudLifecycle = "creating"
	CloudLifecycleBootstrapping CloudLifecycle = "bootstrapping"
	CloudLifecycleActive        CloudLifecycle = "active"
	CloudLifecycleDestroying    CloudLifecycle = "destroying"
	CloudLifecycleDestroyed     CloudLifecycle = "destroyed"
	CloudLifecycleFailed        CloudLifecycle = "failed"
)

// ValidateCloudTransition checks a cloud lifecycle transition.
// failed is reachable only from creating and bootstrapping; destroying is
// reachable only from active.
func ValidateCloudTransition(from, to CloudLifecycle) bool {
	switch from {
	case CloudLifecycleCreating:
		return to == CloudLifecycleBootstrapping || to == CloudLifecycleFailed
	case CloudLifecycleBootstrapping:
		return to == CloudLifecycleActive || to == CloudLifecycleFailed
	case CloudLifecycleActive:
		return to == CloudLifecycleDestroying
	case CloudLifecycleDestroying:
		return to == CloudLifecycleDestroyed
	}
	return false
}

// PathMapping translates a filesystem prefix visible to the orchestrator
// into the equivalent prefix on the worker.
type PathMapping struct {
	SourcePrefix string `json:"source_prefix"`
	TargetPrefix string `json:"target_prefix"`
}

// CloudMeta holds the cloud-only fields of a worker. Nil on local and SSH
// workers; that invariant is enforced by the store.
type CloudMeta struct {
	Provider     string         `json:"provider"`
	InstanceID   string         `json:"instance_id,omitempty"`
	Plan         string         `json:"plan"`
	Region       string         `json:"region"`
	CreatedAt    time.Time      `json:"created_at"`
	AutoTeardown bool           `json:"auto_teardown"`
	IdleMinutes  int            `json:"idle_minutes"`
	Lifecycle    CloudLifecycle `json:"lifecycle"`
}

// Worker represents a compute node capable of running an encode
type Worker struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	Kind    WorkerKind `json:"kind"`
	Enabled bool       `json:"enabled"` // Operator switch, distinct from offline

	// Connection
	Hostname      string        `json:"hostname,omitempty"`
	Port          int           `json:"port,omitempty"`
	CredentialRef string        `json:"credential_ref,omitempty"` // Opaque reference, never the secret itself
	WorkDir       string        `json:"work_dir,omitempty"`
	PathMappings  []PathMapping `json:"path_mappings,omitempty"`

	// Capability
	CPUModel          string   `json:"cpu_model,omitempty"`
	CPUCores          int      `json:"cpu_cores,omitempty"`
	GPUModel          string   `json:"gpu_model,omitempty"`
	HWAccels          []string `json:"hw_accels,omitempty"` // e.g. ["nvenc", "qsv"]
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`

	// Live state. ActiveJobs is a cache of observed truth; the claim
	// discipline lives in the store, not here.
	Status        WorkerStatus `json:"status"`
	ActiveJobs    int          `json:"active_jobs"`
	CPULoad       float64      `json:"cpu_load,omitempty"`
	GPULoad       float64      `json:"gpu_load,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`

	// Scoring inputs
	PerformanceScore float64    `json:"performance_score"`
	LastBenchmarkAt  *time.Time `json:"last_benchmark_at,omitempty"`
	UploadMbps       float64    `json:"upload_mbps,omitempty"`
	DownloadMbps     float64    `json:"download_mbps,omitempty"`

	Cloud *CloudMeta `json:"cloud,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsLocal reports whether the worker shares a filesystem with the orchestrator
func (w *Worker) IsLocal() bool {
	return w.Kind == WorkerKindLocal
}

// HasGPU reports whether any hardware encode path is available
func (w *Worker) HasGPU() bool {
	return len(w.HWAccels) > 0
}

// Schedulable reports whether the scheduler may consider this worker at all.
// Capacity is checked separately at claim time.
func (w *Worker) Schedulable() bool {
	if !w.Enabled {
		return false
	}
	if w.Cloud != nil && w.Cloud.Lifecycle != CloudLifecycleActive {
		return false
	}
	return w.Status == WorkerStatusOnline || w.IsLocal()
}

// MapPath applies the worker's path-mapping table to a source path.
// Returns the rewritten path and true on the first matching prefix.
func (w *Worker) MapPath(path string) (string, bool) {
	for _, m := range w.PathMappings {
		if len(path) >= len(m.SourcePrefix) && path[:len(m.SourcePrefix)] == m.SourcePrefix {
			return m.TargetPrefix + path[len(m.SourcePrefix):], true
		}
	}
	return path, false
}
