package store

import (
	"errors"
	"time"

	"github.com/transcodefarm/farmd/pkg/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrBenchmarkNotFound = errors.New("benchmark not found")

	// ErrProgressRegression is returned when a progress report is below the
	// last recorded value for the same episode.
	ErrProgressRegression = errors.New("progress below episode baseline")

	// ErrNotTranscoding is returned when progress is reported for a job
	// that is not in the transcoding state.
	ErrNotTranscoding = errors.New("job is not transcoding")

	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// WorkerHistory aggregates per-worker outcomes used by the scheduler's
// historical-performance score.
type WorkerHistory struct {
	Completed int
	Failed    int
	AvgFPS    float64
}

// Store defines the interface for data persistence. Both the in-memory and
// SQLite implementations satisfy it; job status never changes except
// through TransitionJobState, and worker capacity is only consumed through
// ClaimWorkerSlot.
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id int64) (*models.Job, error)
	GetAllJobs() []*models.Job
	GetJobsInState(state models.JobStatus) ([]*models.Job, error)
	GetJobsByWorker(workerID int64, states ...models.JobStatus) ([]*models.Job, error)
	UpdateJob(job *models.Job) error
	DeleteJob(id int64) error

	// TransitionJobState performs a validated state transition, appending
	// to the job's transition audit trail. Returns (false, nil) when the
	// job is already in the target state (idempotent no-op). The prior
	// state is preserved on a rejected transition.
	TransitionJobState(id int64, to models.JobStatus, detail string) (bool, error)

	// UpdateJobProgress records progress for a transcoding job. episode
	// must match the job's current episode and percent must be monotonic
	// within it.
	UpdateJobProgress(id int64, episode int, percent, fps float64, etaSeconds int) error

	// ClaimWorkerSlot atomically binds a queued job to a worker while
	// consuming one concurrency slot. Returns false without error when the
	// worker has no free slot or is not claimable. This is the commit
	// point of select-and-claim.
	ClaimWorkerSlot(jobID, workerID int64) (bool, error)

	// ReleaseWorkerSlot returns the job's worker slot. With unbind the
	// assignment is also cleared so the job can be claimed again (retry
	// path); without it the worker id stays on the record for history.
	// Safe to call when no worker is bound.
	ReleaseWorkerSlot(jobID int64, unbind bool) error

	// Worker operations
	CreateWorker(w *models.Worker) error
	GetWorker(id int64) (*models.Worker, error)
	GetAllWorkers() []*models.Worker
	UpdateWorker(w *models.Worker) error
	UpdateWorkerStatus(id int64, status models.WorkerStatus) error
	UpdateWorkerHeartbeat(id int64, at time.Time) error
	DeleteWorker(id int64) error

	// Benchmark operations
	CreateBenchmark(b *models.Benchmark) error
	UpdateBenchmark(b *models.Benchmark) error
	LatestBenchmark(workerID int64) (*models.Benchmark, error)

	// GetWorkerHistory aggregates completed/failed counts and average FPS
	// of finished jobs on a worker, for scoring.
	GetWorkerHistory(workerID int64) (*WorkerHistory, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite" or "memory"
	Path string // SQLite database path
}

// New creates a store based on configuration
func New(config Config) (Store, error) {
	switch config.Type {
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = "farmd.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
