package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/jobs"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/registry"
	"github.com/transcodefarm/farmd/pkg/store"
)

type fixture struct {
	store     store.Store
	registry  *registry.Registry
	jobs      *jobs.Manager
	bus       *bus.Bus
	scheduler *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	quiet := logging.New("test", logging.ERROR, false)

	st := store.NewMemoryStore()
	b := bus.New(quiet)
	t.Cleanup(b.Close)

	jm := jobs.NewManager(st, b, nil, jobs.Config{
		DefaultMaxRetries: 3,
		RetryPolicy:       &models.RetryPolicy{MaxRetries: 3, Backoffs: []time.Duration{10 * time.Millisecond}},
	}, quiet)
	t.Cleanup(jm.Stop)

	reg := registry.New(st, b, registry.DefaultConfig(), quiet)

	if cfg.SchedulingInterval == 0 {
		cfg = DefaultConfig()
	}
	sched := New(st, reg, jm, b, cfg, quiet)
	return &fixture{store: st, registry: reg, jobs: jm, bus: b, scheduler: sched}
}

func (f *fixture) addWorker(t *testing.T, w *models.Worker) *models.Worker {
	t.Helper()
	if w.Status == "" {
		w.Status = models.WorkerStatusOnline
	}
	if w.MaxConcurrentJobs == 0 {
		w.MaxConcurrentJobs = 1
	}
	w.Enabled = true
	if w.Kind == "" {
		w.Kind = models.WorkerKindSSH
	}
	if err := f.registry.Add(w); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return w
}

func (f *fixture) submitJob(t *testing.T, params map[string]interface{}) *models.Job {
	t.Helper()
	job, err := f.jobs.Submit(&models.JobRequest{SourcePath: "/media/in/a.mkv", Params: params})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return job
}

func TestSchedulerPrefersIdleWorker(t *testing.T) {
	f := newFixture(t, Config{})

	busy := f.addWorker(t, &models.Worker{Name: "busy", MaxConcurrentJobs: 4, DownloadMbps: 500})
	idle := f.addWorker(t, &models.Worker{Name: "idle", MaxConcurrentJobs: 4, DownloadMbps: 500})

	// Load the first worker with three claims.
	for i := 0; i < 3; i++ {
		j := f.submitJob(t, nil)
		if ok, err := f.store.ClaimWorkerSlot(j.ID, busy.ID); !ok || err != nil {
			t.Fatalf("setup claim: %v %v", ok, err)
		}
	}

	job := f.submitJob(t, nil)
	f.scheduler.RunCycle()

	got, _ := f.store.GetJob(job.ID)
	if got.WorkerID == nil {
		t.Fatal("job not assigned")
	}
	if *got.WorkerID != idle.ID {
		t.Errorf("assigned worker = %d, want idle worker %d", *got.WorkerID, idle.ID)
	}
}

func TestSchedulerTieBreak(t *testing.T) {
	f := newFixture(t, Config{})

	// Identical workers: the lower id wins the tie.
	a := f.addWorker(t, &models.Worker{Name: "a", DownloadMbps: 500})
	f.addWorker(t, &models.Worker{Name: "b", DownloadMbps: 500})

	job := f.submitJob(t, nil)
	f.scheduler.RunCycle()

	got, _ := f.store.GetJob(job.ID)
	if got.WorkerID == nil || *got.WorkerID != a.ID {
		t.Errorf("assigned worker = %v, want lowest id %d", got.WorkerID, a.ID)
	}
}

func TestSchedulerNeverOversubscribes(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.addWorker(t, &models.Worker{Name: "solo", MaxConcurrentJobs: 2})

	for i := 0; i < 5; i++ {
		f.submitJob(t, nil)
	}
	f.scheduler.RunCycle()

	got, _ := f.store.GetWorker(w.ID)
	if got.ActiveJobs != 2 {
		t.Errorf("ActiveJobs = %d, want capped at 2", got.ActiveJobs)
	}

	queued, _ := f.store.GetJobsInState(models.JobStatusQueued)
	assigned := 0
	for _, j := range queued {
		if j.Assigned() {
			assigned++
		}
	}
	if assigned != 2 {
		t.Errorf("assigned jobs = %d, want 2", assigned)
	}
}

func TestSchedulerSkipsDisabledAndOffline(t *testing.T) {
	f := newFixture(t, Config{})

	disabled := f.addWorker(t, &models.Worker{Name: "disabled"})
	f.registry.SetEnabled(disabled.ID, false)
	f.addWorker(t, &models.Worker{Name: "offline", Status: models.WorkerStatusOffline})

	job := f.submitJob(t, nil)
	f.scheduler.RunCycle()

	got, _ := f.store.GetJob(job.ID)
	if got.Assigned() {
		t.Errorf("job assigned to worker %d, want no assignment", *got.WorkerID)
	}
}

func TestGPUCodecSubstitution(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, &models.Worker{
		Name:         "gpu",
		GPUModel:     "RTX 4070",
		HWAccels:     []string{"nvenc"},
		DownloadMbps: 500,
	})

	job := f.submitJob(t, map[string]interface{}{"video_codec": "libx265", "crf": 22.0})
	f.scheduler.RunCycle()

	got, _ := f.store.GetJob(job.ID)
	if !got.Assigned() {
		t.Fatal("job not assigned")
	}
	if got.EffectiveParams["video_codec"] != "hevc_nvenc" {
		t.Errorf("effective codec = %v, want hevc_nvenc", got.EffectiveParams["video_codec"])
	}
	if got.EffectiveParams["hwaccel_decode"] != true {
		t.Error("hwaccel_decode not enabled at stage 0")
	}
	// Original request untouched.
	if got.Params["video_codec"] != "libx265" {
		t.Errorf("original codec = %v, want libx265 preserved", got.Params["video_codec"])
	}
	if got.StatusDetail == "" {
		t.Error("substitution not recorded in status detail")
	}
}

func TestBuildEffectiveParamsFallbackStages(t *testing.T) {
	gpu := &models.Worker{HWAccels: []string{"nvenc"}, GPUModel: "T4"}
	base := map[string]interface{}{"video_codec": "h264"}

	tests := []struct {
		name      string
		stage     int
		wantCodec string
		wantHWDec interface{}
	}{
		{"stage 0 full gpu", models.GPUFallbackNone, "h264_nvenc", true},
		{"stage 1 cpu decode", models.GPUFallbackCPUDecode, "h264_nvenc", false},
		{"stage 2 full cpu", models.GPUFallbackCPUEncode, "h264", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &models.Job{Params: base, GPUFallbackStage: tt.stage}
			effective, _ := buildEffectiveParams(job, gpu)
			if effective["video_codec"] != tt.wantCodec {
				t.Errorf("video_codec = %v, want %s", effective["video_codec"], tt.wantCodec)
			}
			if effective["hwaccel_decode"] != tt.wantHWDec {
				t.Errorf("hwaccel_decode = %v, want %v", effective["hwaccel_decode"], tt.wantHWDec)
			}
		})
	}
}

func TestBuildEffectiveParamsCPUWorker(t *testing.T) {
	cpu := &models.Worker{}
	job := &models.Job{Params: map[string]interface{}{"video_codec": "libx265"}}

	effective, detail := buildEffectiveParams(job, cpu)
	if effective["video_codec"] != "libx265" {
		t.Errorf("video_codec = %v, want libx265 unchanged", effective["video_codec"])
	}
	if detail != "" {
		t.Errorf("detail = %q, want empty for no substitution", detail)
	}
}

func TestWorkerLostFailover(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.addWorker(t, &models.Worker{Name: "doomed", Kind: models.WorkerKindCloud,
		Cloud: &models.CloudMeta{Provider: "vastai", Lifecycle: models.CloudLifecycleActive}})

	sub := f.bus.Subscribe(models.TopicCloudJobsReassigned)
	defer sub.Close()

	job := f.submitJob(t, nil)
	f.scheduler.RunCycle()
	if err := f.jobs.Advance(job.ID, models.JobStatusTransferring, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.jobs.Advance(job.ID, models.JobStatusTranscoding, ""); err != nil {
		t.Fatal(err)
	}

	// Simulate the registry noticing the heartbeat lapse.
	f.store.UpdateWorkerStatus(w.ID, models.WorkerStatusOffline)
	lost, _ := f.store.GetWorker(w.ID)
	f.scheduler.handleWorkerLost(lost)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.store.GetJob(job.ID)
		if got.Status == models.JobStatusQueued {
			if got.RetryCount != 1 {
				t.Errorf("RetryCount = %d, want 1", got.RetryCount)
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := f.store.GetJob(job.ID)
	if got.Status != models.JobStatusQueued {
		t.Fatalf("Status = %v, want requeued after worker loss", got.Status)
	}

	select {
	case ev := <-sub.Events():
		if ev.Data["worker_id"] != w.ID {
			t.Errorf("reassigned worker_id = %v, want %d", ev.Data["worker_id"], w.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no cloud.jobs_reassigned event")
	}
}

type fakeDeployer struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDeployer) AutoDeploy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

func (d *fakeDeployer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestAutoDeployLatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoDeployEnabled = true
	cfg.AutoDeployGrace = 0
	f := newFixture(t, cfg)

	dep := &fakeDeployer{}
	f.scheduler.SetAutoDeployer(dep)

	sub := f.bus.Subscribe(models.TopicCloudAutoDeployTriggered)
	defer sub.Close()

	f.submitJob(t, nil)
	f.submitJob(t, nil)

	// Repeated cycles with no candidates must fire exactly once.
	f.scheduler.RunCycle()
	f.scheduler.RunCycle()
	f.scheduler.RunCycle()

	deadline := time.Now().Add(time.Second)
	for dep.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dep.count(); got != 1 {
		t.Errorf("AutoDeploy calls = %d, want 1 (latched)", got)
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no cloud.auto_deploy_triggered event")
	}
	select {
	case <-sub.Events():
		t.Error("second auto-deploy event while latched")
	case <-time.After(50 * time.Millisecond):
	}

	// Deploy resolves; a still-starved queue may fire again.
	f.scheduler.ResolveAutoDeploy()
	f.scheduler.RunCycle()
	deadline = time.Now().Add(time.Second)
	for dep.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dep.count(); got != 2 {
		t.Errorf("AutoDeploy calls after resolve = %d, want 2", got)
	}
}

func TestAutoDeployLatchConcurrentResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoDeployEnabled = true
	cfg.AutoDeployGrace = 0
	f := newFixture(t, cfg)

	dep := &fakeDeployer{}
	f.scheduler.SetAutoDeployer(dep)
	f.submitJob(t, nil)

	// The controller resolves deploys from its own goroutine while the
	// scheduling loop keeps cycling; the latch must stay coherent.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.scheduler.RunCycle()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.scheduler.ResolveAutoDeploy()
		}
	}()
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for dep.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dep.count() == 0 {
		t.Error("deploy never requested for a starved queue")
	}
}

func TestTriggerBenchmark(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.addWorker(t, &models.Worker{Name: "bench-me"})

	done := make(chan struct{})
	f.scheduler.SetBenchmarkRunner(func(worker *models.Worker, bench *models.Benchmark) {
		bench.UploadMbps = 300
		bench.DownloadMbps = 900
		close(done)
	})

	if err := f.scheduler.TriggerBenchmark(w.ID); err != nil {
		t.Fatalf("TriggerBenchmark() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("benchmark runner never invoked")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, err := f.store.LatestBenchmark(w.ID); err == nil && got.DownloadMbps == 900 {
			worker, _ := f.store.GetWorker(w.ID)
			if worker.DownloadMbps != 900 {
				t.Errorf("worker DownloadMbps = %v, want 900", worker.DownloadMbps)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("benchmark result never persisted")
}

func TestTransferScore(t *testing.T) {
	job := &models.Job{SourcePath: "/media/in/a.mkv", SourceSize: 8 << 30} // 8 GiB

	local := &models.Worker{Kind: models.WorkerKindLocal}
	if got := transferScore(local, job); got != 1 {
		t.Errorf("local transfer score = %v, want 1", got)
	}

	fast := &models.Worker{Kind: models.WorkerKindSSH, DownloadMbps: 10000}
	slow := &models.Worker{Kind: models.WorkerKindSSH, DownloadMbps: 100}
	if fs, ss := transferScore(fast, job), transferScore(slow, job); fs <= ss {
		t.Errorf("fast (%v) not scored above slow (%v)", fs, ss)
	}

	unknown := &models.Worker{Kind: models.WorkerKindSSH}
	if got := transferScore(unknown, job); got != neutralScore*noBenchmarkPenalty {
		t.Errorf("no-benchmark score = %v, want penalized neutral %v", got, neutralScore*noBenchmarkPenalty)
	}

	// A mapping is only free transfer when it applies to this source.
	mapped := &models.Worker{Kind: models.WorkerKindSSH,
		PathMappings: []models.PathMapping{{SourcePrefix: "/media/", TargetPrefix: "/mnt/media/"}}}
	if got := transferScore(mapped, job); got != 1 {
		t.Errorf("matching mapping score = %v, want 1", got)
	}

	unrelated := &models.Worker{Kind: models.WorkerKindSSH, DownloadMbps: 100,
		PathMappings: []models.PathMapping{{SourcePrefix: "/archive/", TargetPrefix: "/mnt/archive/"}}}
	if got, want := transferScore(unrelated, job), transferScore(slow, job); got != want {
		t.Errorf("non-matching mapping score = %v, want benchmark estimate %v", got, want)
	}
}
