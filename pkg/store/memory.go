package store

import (
	"sync"
	"time"

	"github.com/transcodefarm/farmd/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store, used in
// tests and for ephemeral runs.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[int64]*models.Job
	workers    map[int64]*models.Worker
	benchmarks map[int64]*models.Benchmark
	slotHeld   map[int64]bool
	nextJob    int64
	nextWorker int64
	nextBench  int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[int64]*models.Job),
		workers:    make(map[int64]*models.Worker),
		benchmarks: make(map[int64]*models.Benchmark),
		slotHeld:   make(map[int64]bool),
	}
}

// Job operations

func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJob++
	job.ID = s.nextJob
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) GetJob(id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs
}

func (s *MemoryStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.Job{}
	for _, job := range s.jobs {
		if job.Status == state {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) GetJobsByWorker(workerID int64, states ...models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.Job{}
	for _, job := range s.jobs {
		if job.WorkerID == nil || *job.WorkerID != workerID {
			continue
		}
		if len(states) > 0 {
			match := false
			for _, st := range states {
				if job.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	// Status and the attempt bookkeeping are owned by
	// TransitionJobState, the claim discipline, and UpdateJobProgress;
	// keep the stored values.
	job.Status = existing.Status
	job.WorkerID = existing.WorkerID
	job.ProgressPercent = existing.ProgressPercent
	job.CurrentFPS = existing.CurrentFPS
	job.ETASeconds = existing.ETASeconds
	job.StateTransitions = existing.StateTransitions
	job.StartedAt = existing.StartedAt
	job.CompletedAt = existing.CompletedAt
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteJob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) TransitionJobState(id int64, to models.JobStatus, detail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}

	from := job.Status
	if from == to {
		return false, nil
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}

	now := time.Now()
	job.Status = to
	job.UpdatedAt = now
	if detail != "" {
		job.StatusDetail = detail
	}
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From: from, To: to, Timestamp: now, Reason: detail,
	})

	switch to {
	case models.JobStatusTransferring:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.JobStatusCompleted:
		job.CompletedAt = &now
	case models.JobStatusQueued:
		// Re-entering the queue starts a fresh attempt; the
		// progress baseline resets with it.
		job.ProgressPercent = 0
		job.CurrentFPS = 0
		job.ETASeconds = 0
	}
	return true, nil
}

func (s *MemoryStore) UpdateJobProgress(id int64, episode int, percent, fps float64, etaSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusTranscoding {
		return ErrNotTranscoding
	}
	if episode != job.Episode {
		// Stale report from a previous attempt; ignore without failing.
		return nil
	}
	if percent < job.ProgressPercent {
		return ErrProgressRegression
	}
	job.ProgressPercent = percent
	job.CurrentFPS = fps
	job.ETASeconds = etaSeconds
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ClaimWorkerSlot(jobID, workerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	worker, ok := s.workers[workerID]
	if !ok {
		return false, ErrWorkerNotFound
	}

	if job.Status != models.JobStatusQueued || job.WorkerID != nil {
		return false, nil
	}
	if !worker.Enabled || worker.ActiveJobs >= worker.MaxConcurrentJobs {
		return false, nil
	}

	worker.ActiveJobs++
	s.slotHeld[jobID] = true
	id := workerID
	job.WorkerID = &id
	job.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) ReleaseWorkerSlot(jobID int64, unbind bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.WorkerID != nil && s.slotHeld[jobID] {
		if worker, ok := s.workers[*job.WorkerID]; ok && worker.ActiveJobs > 0 {
			worker.ActiveJobs--
		}
	}
	delete(s.slotHeld, jobID)
	if unbind {
		job.WorkerID = nil
	}
	job.UpdatedAt = time.Now()
	return nil
}

// Worker operations

func (s *MemoryStore) CreateWorker(w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextWorker++
	w.ID = s.nextWorker
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	if w.Kind != models.WorkerKindCloud {
		// Non-cloud workers never carry cloud lifecycle fields.
		w.Cloud = nil
	}
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorker(id int64) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetAllWorkers() []*models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := make([]*models.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		workers = append(workers, &cp)
	}
	return workers
}

func (s *MemoryStore) UpdateWorker(w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workers[w.ID]
	if !ok {
		return ErrWorkerNotFound
	}
	// ActiveJobs is owned by the claim discipline.
	w.ActiveJobs = existing.ActiveJobs
	if w.Kind != models.WorkerKindCloud {
		w.Cloud = nil
	}
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateWorkerStatus(id int64, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	w.Status = status
	return nil
}

func (s *MemoryStore) UpdateWorkerHeartbeat(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	w.LastHeartbeat = at
	return nil
}

func (s *MemoryStore) DeleteWorker(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return ErrWorkerNotFound
	}
	delete(s.workers, id)
	return nil
}

// Benchmark operations

func (s *MemoryStore) CreateBenchmark(b *models.Benchmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextBench++
	b.ID = s.nextBench
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	cp := *b
	s.benchmarks[b.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateBenchmark(b *models.Benchmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.benchmarks[b.ID]; !ok {
		return ErrBenchmarkNotFound
	}
	cp := *b
	s.benchmarks[b.ID] = &cp
	return nil
}

func (s *MemoryStore) LatestBenchmark(workerID int64) (*models.Benchmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Benchmark
	for _, b := range s.benchmarks {
		if b.WorkerID != workerID || b.Status != models.BenchmarkStatusCompleted {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrBenchmarkNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GetWorkerHistory(workerID int64) (*WorkerHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &WorkerHistory{}
	var fpsSum float64
	for _, job := range s.jobs {
		if job.WorkerID == nil || *job.WorkerID != workerID {
			continue
		}
		switch job.Status {
		case models.JobStatusCompleted:
			h.Completed++
			fpsSum += job.CurrentFPS
		case models.JobStatusFailed:
			h.Failed++
		}
	}
	if h.Completed > 0 {
		h.AvgFPS = fpsSum / float64(h.Completed)
	}
	return h, nil
}

// Lifecycle

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }
