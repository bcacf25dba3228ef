package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states.
// failed, cancelled and paused are reachable from every non-terminal state;
// failed → queued is the retry edge and is guarded by the retry budget in
// the job manager, not here.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusTransferring: true, // Queued → Transferring (worker claimed, staging input)
		JobStatusFailed:       true, // Queued → Failed (missing source, no candidate worker)
		JobStatusCancelled:    true, // Queued → Cancelled (operator cancels)
		JobStatusPaused:       true, // Queued → Paused (operator suspends)
	},
	JobStatusTransferring: {
		JobStatusTranscoding: true, // Transferring → Transcoding (input staged, encode started)
		JobStatusFailed:      true, // Transferring → Failed (transfer error, worker lost)
		JobStatusCancelled:   true, // Transferring → Cancelled (abort signalled to pipeline)
		JobStatusPaused:      true,
	},
	JobStatusTranscoding: {
		JobStatusVerifying: true, // Transcoding → Verifying (encode finished)
		JobStatusFailed:    true, // Transcoding → Failed (encode error, stuck, worker lost)
		JobStatusCancelled: true, // Transcoding → Cancelled (abort signalled to worker)
		JobStatusPaused:    true,
	},
	JobStatusVerifying: {
		JobStatusReplacing: true, // Verifying → Replacing (output validated)
		JobStatusFailed:    true, // Verifying → Failed (validation rejected output)
		JobStatusCancelled: true,
		JobStatusPaused:    true,
	},
	JobStatusReplacing: {
		JobStatusCompleted: true, // Replacing → Completed (output in place)
		JobStatusFailed:    true, // Replacing → Failed (result copy-back error)
		JobStatusCancelled: true,
		JobStatusPaused:    true,
	},
	JobStatusFailed: {
		JobStatusQueued:    true, // Failed → Queued (retry while retryCount < maxRetries)
		JobStatusCancelled: true, // Failed → Cancelled (operator gives up)
	},
	JobStatusPaused: {
		JobStatusQueued:    true, // Paused → Queued (resume)
		JobStatusCancelled: true,
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a job state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are allowed
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusCancelled
}

// IsActiveState returns true if the job holds a worker slot
func IsActiveState(state JobStatus) bool {
	return state == JobStatusTransferring || state == JobStatusTranscoding ||
		state == JobStatusVerifying || state == JobStatusReplacing
}

// RetryPolicy defines the re-queue behaviour for failed jobs
type RetryPolicy struct {
	MaxRetries int             // Default per-job retry ceiling
	Backoffs   []time.Duration // Delay before re-queue, indexed by retry count, last entry is the cap
}

// DefaultRetryPolicy returns the standard 1/5/15 minute schedule
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		Backoffs:   []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// BackoffFor returns the re-queue delay for a given retry count, capped at
// the last schedule entry.
func (rp *RetryPolicy) BackoffFor(retryCount int) time.Duration {
	if len(rp.Backoffs) == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(rp.Backoffs) {
		return rp.Backoffs[len(rp.Backoffs)-1]
	}
	return rp.Backoffs[retryCount]
}

// ShouldRetry reports whether a failed job is still within its retry budget
func (rp *RetryPolicy) ShouldRetry(job *Job) bool {
	max := job.MaxRetries
	if max <= 0 {
		max = rp.MaxRetries
	}
	return job.Status == JobStatusFailed && job.RetryCount < max
}
