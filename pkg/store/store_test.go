package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/transcodefarm/farmd/pkg/models"
)

func newTestJob() *models.Job {
	return &models.Job{
		Params:     map[string]interface{}{"video_codec": "hevc", "crf": 22.0},
		Priority:   5,
		Status:     models.JobStatusQueued,
		MaxRetries: 3,
		SourcePath: "/media/in/show.mkv",
		SourceSize: 1 << 30,
	}
}

func newTestWorker(name string) *models.Worker {
	return &models.Worker{
		Name:              name,
		Kind:              models.WorkerKindSSH,
		Enabled:           true,
		Hostname:          name + ".lan",
		Port:              22,
		MaxConcurrentJobs: 2,
		Status:            models.WorkerStatusOnline,
		HWAccels:          []string{"nvenc"},
	}
}

// runStoreSuite exercises one backend through the full Store contract.
func runStoreSuite(t *testing.T, s Store) {
	t.Run("JobCRUD", func(t *testing.T) { testJobCRUD(t, s) })
	t.Run("Transitions", func(t *testing.T) { testTransitions(t, s) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, s) })
	t.Run("ClaimRelease", func(t *testing.T) { testClaimRelease(t, s) })
	t.Run("WorkerHistory", func(t *testing.T) { testWorkerHistory(t, s) })
	t.Run("Benchmarks", func(t *testing.T) { testBenchmarks(t, s) })
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreSuite(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func testJobCRUD(t *testing.T, s Store) {
	job := newTestJob()
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID == 0 {
		t.Fatal("CreateJob() did not assign an id")
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("Status = %v, want queued", got.Status)
	}
	if got.Params["video_codec"] != "hevc" {
		t.Errorf("Params[video_codec] = %v, want hevc", got.Params["video_codec"])
	}

	// UpdateJob must not touch status
	got.Status = models.JobStatusCompleted
	got.Priority = 9
	if err := s.UpdateJob(got); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	got, _ = s.GetJob(job.ID)
	if got.Status != models.JobStatusQueued {
		t.Errorf("UpdateJob changed status to %v, want queued preserved", got.Status)
	}
	if got.Priority != 9 {
		t.Errorf("Priority = %d, want 9", got.Priority)
	}

	if _, err := s.GetJob(99999); err != ErrJobNotFound {
		t.Errorf("GetJob(missing) error = %v, want ErrJobNotFound", err)
	}

	queued, err := s.GetJobsInState(models.JobStatusQueued)
	if err != nil {
		t.Fatalf("GetJobsInState() error = %v", err)
	}
	if len(queued) == 0 {
		t.Error("GetJobsInState(queued) returned no jobs")
	}

	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if err := s.DeleteJob(job.ID); err != ErrJobNotFound {
		t.Errorf("DeleteJob(deleted) error = %v, want ErrJobNotFound", err)
	}
}

func testTransitions(t *testing.T, s Store) {
	job := newTestJob()
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	changed, err := s.TransitionJobState(job.ID, models.JobStatusTransferring, "assigned")
	if err != nil {
		t.Fatalf("TransitionJobState() error = %v", err)
	}
	if !changed {
		t.Error("TransitionJobState() changed = false, want true")
	}

	// repeat of the same target is a no-op, not an error
	changed, err = s.TransitionJobState(job.ID, models.JobStatusTransferring, "again")
	if err != nil {
		t.Fatalf("idempotent transition error = %v", err)
	}
	if changed {
		t.Error("idempotent transition changed = true, want false")
	}

	// illegal edge
	if _, err := s.TransitionJobState(job.ID, models.JobStatusCompleted, ""); err == nil {
		t.Error("transferring->completed succeeded, want error")
	}

	got, _ := s.GetJob(job.ID)
	if got.StartedAt == nil {
		t.Error("StartedAt not set on first transfer")
	}
	if len(got.StateTransitions) != 1 {
		t.Fatalf("len(StateTransitions) = %d, want 1", len(got.StateTransitions))
	}
	tr := got.StateTransitions[0]
	if tr.From != models.JobStatusQueued || tr.To != models.JobStatusTransferring {
		t.Errorf("transition = %v->%v, want queued->transferring", tr.From, tr.To)
	}

	for _, next := range []models.JobStatus{
		models.JobStatusTranscoding,
		models.JobStatusVerifying,
		models.JobStatusReplacing,
		models.JobStatusCompleted,
	} {
		if _, err := s.TransitionJobState(job.ID, next, ""); err != nil {
			t.Fatalf("transition to %v error = %v", next, err)
		}
	}
	got, _ = s.GetJob(job.ID)
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on completion")
	}
	if len(got.StateTransitions) != 5 {
		t.Errorf("len(StateTransitions) = %d, want 5", len(got.StateTransitions))
	}
}

func testProgress(t *testing.T, s Store) {
	job := newTestJob()
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if err := s.UpdateJobProgress(job.ID, 0, 10, 24, 600); err != ErrNotTranscoding {
		t.Errorf("progress on queued job error = %v, want ErrNotTranscoding", err)
	}

	s.TransitionJobState(job.ID, models.JobStatusTransferring, "")
	s.TransitionJobState(job.ID, models.JobStatusTranscoding, "")

	if err := s.UpdateJobProgress(job.ID, 0, 40, 31.5, 300); err != nil {
		t.Fatalf("UpdateJobProgress() error = %v", err)
	}
	if err := s.UpdateJobProgress(job.ID, 0, 25, 31.5, 300); err != ErrProgressRegression {
		t.Errorf("regressing progress error = %v, want ErrProgressRegression", err)
	}

	// stale episode is silently dropped
	if err := s.UpdateJobProgress(job.ID, 1, 2, 5, 900); err != nil {
		t.Errorf("stale episode error = %v, want nil", err)
	}

	got, _ := s.GetJob(job.ID)
	if got.ProgressPercent != 40 {
		t.Errorf("ProgressPercent = %v, want 40", got.ProgressPercent)
	}
	if got.CurrentFPS != 31.5 {
		t.Errorf("CurrentFPS = %v, want 31.5", got.CurrentFPS)
	}
}

func testClaimRelease(t *testing.T, s Store) {
	w := newTestWorker("claim-w")
	w.MaxConcurrentJobs = 1
	if err := s.CreateWorker(w); err != nil {
		t.Fatalf("CreateWorker() error = %v", err)
	}

	j1, j2 := newTestJob(), newTestJob()
	s.CreateJob(j1)
	s.CreateJob(j2)

	ok, err := s.ClaimWorkerSlot(j1.ID, w.ID)
	if err != nil || !ok {
		t.Fatalf("ClaimWorkerSlot() = %v, %v, want true, nil", ok, err)
	}

	// full worker rejects a second claim
	ok, err = s.ClaimWorkerSlot(j2.ID, w.ID)
	if err != nil {
		t.Fatalf("second claim error = %v", err)
	}
	if ok {
		t.Error("second claim succeeded on a full worker")
	}

	// claiming an already-bound job is a no-op
	ok, _ = s.ClaimWorkerSlot(j1.ID, w.ID)
	if ok {
		t.Error("re-claim of a bound job succeeded")
	}

	got, _ := s.GetWorker(w.ID)
	if got.ActiveJobs != 1 {
		t.Fatalf("ActiveJobs = %d, want 1", got.ActiveJobs)
	}

	// release without unbind keeps the assignment for history
	if err := s.ReleaseWorkerSlot(j1.ID, false); err != nil {
		t.Fatalf("ReleaseWorkerSlot() error = %v", err)
	}
	got, _ = s.GetWorker(w.ID)
	if got.ActiveJobs != 0 {
		t.Errorf("ActiveJobs after release = %d, want 0", got.ActiveJobs)
	}
	job, _ := s.GetJob(j1.ID)
	if job.WorkerID == nil || *job.WorkerID != w.ID {
		t.Error("release without unbind cleared the worker binding")
	}

	// double release must not go negative
	if err := s.ReleaseWorkerSlot(j1.ID, true); err != nil {
		t.Fatalf("second ReleaseWorkerSlot() error = %v", err)
	}
	got, _ = s.GetWorker(w.ID)
	if got.ActiveJobs != 0 {
		t.Errorf("ActiveJobs after double release = %d, want 0", got.ActiveJobs)
	}
	job, _ = s.GetJob(j1.ID)
	if job.WorkerID != nil {
		t.Error("release with unbind left the worker binding")
	}

	if _, err := s.ClaimWorkerSlot(j1.ID, 99999); err != ErrWorkerNotFound {
		t.Errorf("claim on missing worker error = %v, want ErrWorkerNotFound", err)
	}
}

func testWorkerHistory(t *testing.T, s Store) {
	w := newTestWorker("history-w")
	w.MaxConcurrentJobs = 10
	if err := s.CreateWorker(w); err != nil {
		t.Fatalf("CreateWorker() error = %v", err)
	}

	finish := func(fail bool, fps float64) {
		job := newTestJob()
		s.CreateJob(job)
		if ok, err := s.ClaimWorkerSlot(job.ID, w.ID); !ok || err != nil {
			t.Fatalf("ClaimWorkerSlot() = %v, %v", ok, err)
		}
		s.TransitionJobState(job.ID, models.JobStatusTransferring, "")
		s.TransitionJobState(job.ID, models.JobStatusTranscoding, "")
		if fail {
			s.TransitionJobState(job.ID, models.JobStatusFailed, "ffmpeg exit 1")
		} else {
			s.UpdateJobProgress(job.ID, 0, 100, fps, 0)
			s.TransitionJobState(job.ID, models.JobStatusVerifying, "")
			s.TransitionJobState(job.ID, models.JobStatusReplacing, "")
			s.TransitionJobState(job.ID, models.JobStatusCompleted, "")
		}
		// keep the binding so history can attribute the outcome
		s.ReleaseWorkerSlot(job.ID, false)
	}

	finish(false, 40)
	finish(false, 60)
	finish(true, 0)

	h, err := s.GetWorkerHistory(w.ID)
	if err != nil {
		t.Fatalf("GetWorkerHistory() error = %v", err)
	}
	if h.Completed != 2 || h.Failed != 1 {
		t.Errorf("history = %d completed / %d failed, want 2/1", h.Completed, h.Failed)
	}
	if h.AvgFPS != 50 {
		t.Errorf("AvgFPS = %v, want 50", h.AvgFPS)
	}
}

func testBenchmarks(t *testing.T, s Store) {
	w := newTestWorker("bench-w")
	if err := s.CreateWorker(w); err != nil {
		t.Fatalf("CreateWorker() error = %v", err)
	}

	if _, err := s.LatestBenchmark(w.ID); err != ErrBenchmarkNotFound {
		t.Errorf("LatestBenchmark(none) error = %v, want ErrBenchmarkNotFound", err)
	}

	b := &models.Benchmark{
		WorkerID:  w.ID,
		Status:    models.BenchmarkStatusPending,
		TestBytes: 64 << 20,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateBenchmark(b); err != nil {
		t.Fatalf("CreateBenchmark() error = %v", err)
	}

	now := time.Now()
	b.Status = models.BenchmarkStatusCompleted
	b.UploadMbps = 420
	b.DownloadMbps = 880
	b.LatencyMS = 3.2
	b.CompletedAt = &now
	if err := s.UpdateBenchmark(b); err != nil {
		t.Fatalf("UpdateBenchmark() error = %v", err)
	}

	got, err := s.LatestBenchmark(w.ID)
	if err != nil {
		t.Fatalf("LatestBenchmark() error = %v", err)
	}
	if got.UploadMbps != 420 || got.DownloadMbps != 880 {
		t.Errorf("bandwidth = %v/%v, want 420/880", got.UploadMbps, got.DownloadMbps)
	}
}
