package models

import (
	"time"
)

// JobStatus represents the status of a transcode job
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"       // Waiting for a worker
	JobStatusTransferring JobStatus = "transferring" // Source media moving to the worker
	JobStatusTranscoding  JobStatus = "transcoding"  // Encode running on the worker
	JobStatusVerifying    JobStatus = "verifying"    // Output being validated
	JobStatusReplacing    JobStatus = "replacing"    // Output moving into place
	JobStatusCompleted    JobStatus = "completed"    // Finished successfully
	JobStatusFailed       JobStatus = "failed"       // Failed (terminal once retries exhausted)
	JobStatusCancelled    JobStatus = "cancelled"    // Explicitly cancelled by operator
	JobStatusPaused       JobStatus = "paused"       // Suspended by operator
)

// ValidationStatus values set after the verifying step.
const (
	ValidationPassed = "passed"
	ValidationFailed = "failed"
)

// GPU fallback stages applied on GPU-driver-class encode failures.
// Stage transitions are one-way and each stage is attempted at most once.
const (
	GPUFallbackNone      = 0 // Full GPU pipeline as dispatched
	GPUFallbackCPUDecode = 1 // GPU-accelerated decode dropped, GPU encode kept
	GPUFallbackCPUEncode = 2 // Full CPU pipeline
)

// Job represents one unit of transcode work
type Job struct {
	ID          int64  `json:"id"`
	MediaItemID *int64 `json:"media_item_id,omitempty"` // nil for ad-hoc file jobs

	// Configuration. Params is the original request and is never mutated;
	// EffectiveParams carries runtime substitutions (GPU codec swap, CPU
	// fallback) and is rebuilt from Params on every dispatch.
	Params          map[string]interface{} `json:"params,omitempty"`
	EffectiveParams map[string]interface{} `json:"effective_params,omitempty"`
	Priority        int                    `json:"priority"`
	PresetID        *int64                 `json:"preset_id,omitempty"`

	// Runtime
	Status           JobStatus `json:"status"`
	StatusDetail     string    `json:"status_detail,omitempty"`
	ProgressPercent  float64   `json:"progress_percent"`
	CurrentFPS       float64   `json:"current_fps,omitempty"`
	ETASeconds       int       `json:"eta_seconds,omitempty"`
	WorkerID         *int64    `json:"worker_id,omitempty"`
	RetryCount       int       `json:"retry_count"`
	MaxRetries       int       `json:"max_retries"`
	Episode          int       `json:"episode"` // Incremented on every retry; progress baseline resets
	GPUFallbackStage int       `json:"gpu_fallback_stage"`
	ValidationStatus *string   `json:"validation_status,omitempty"`

	// Paths and sizes
	SourcePath string `json:"source_path"`
	SourceSize int64  `json:"source_size"`
	OutputPath string `json:"output_path,omitempty"`
	OutputSize int64  `json:"output_size,omitempty"`

	// Accumulated cloud spend, only for cloud-assigned jobs
	CloudCostUSD *float64 `json:"cloud_cost_usd,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// JobRequest represents a request to create a new job
type JobRequest struct {
	MediaItemID *int64                 `json:"media_item_id,omitempty"`
	SourcePath  string                 `json:"source_path,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Priority    int                    `json:"priority,omitempty"`
	PresetID    *int64                 `json:"preset_id,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// CloneParams returns a copy of the original request parameters for use as
// the effective dispatch configuration. Values are shared; callers only
// ever replace top-level keys.
func (j *Job) CloneParams() map[string]interface{} {
	out := make(map[string]interface{}, len(j.Params))
	for k, v := range j.Params {
		out[k] = v
	}
	return out
}

// Assigned reports whether the job currently holds a worker slot
func (j *Job) Assigned() bool {
	return j.WorkerID != nil
}
