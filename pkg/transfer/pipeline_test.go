package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/remote"
	"github.com/transcodefarm/farmd/pkg/store"
)

type fakeRunner struct {
	mu       sync.Mutex
	puts     []string
	removed  []string
	runs     []string
	putErr   error
	probe    *remote.ProbeResult
	probeErr error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*remote.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, name)
	return &remote.RunResult{}, nil
}

func (f *fakeRunner) Put(ctx context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, remotePath)
	return nil
}

func (f *fakeRunner) Get(ctx context.Context, remotePath, localPath string) error { return nil }

func (f *fakeRunner) Probe(ctx context.Context, path string) (*remote.ProbeResult, error) {
	return f.probe, f.probeErr
}

func (f *fakeRunner) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeRunner) Close() error { return nil }

func (f *fakeRunner) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

// rangeRunner adds ranged writes, with an optional offset that fails.
type rangeRunner struct {
	fakeRunner
	ranges     []int64
	failOffset int64 // -1 disables
}

func (f *rangeRunner) PutRange(ctx context.Context, localPath, remotePath string, offset, length int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.failOffset >= 0 && offset == f.failOffset {
		return errors.New("stream reset")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, offset)
	return nil
}

func newPipeline(t *testing.T, cfg Config) (*Pipeline, store.Store, *bus.Bus) {
	t.Helper()
	quiet := logging.New("test", logging.ERROR, false)
	st := store.NewMemoryStore()
	b := bus.New(quiet)
	t.Cleanup(b.Close)
	return New(st, b, cfg, quiet), st, b
}

func TestResolveMode(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	job := &models.Job{ID: 7, SourcePath: "/media/movies/a.mkv"}

	tests := []struct {
		name string
		w    *models.Worker
		want Mode
		path string
	}{
		{"local worker", &models.Worker{Kind: models.WorkerKindLocal}, ModeLocal, "/media/movies/a.mkv"},
		{"mapped prefix", &models.Worker{Kind: models.WorkerKindSSH, PathMappings: []models.PathMapping{
			{SourcePrefix: "/media", TargetPrefix: "/mnt/nas"},
		}}, ModeMapped, "/mnt/nas/movies/a.mkv"},
		{"no mapping", &models.Worker{Kind: models.WorkerKindSSH, WorkDir: "/scratch"}, ModePullPush, "/scratch/job-7/a.mkv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, path := p.Resolve(job, tt.w)
			if mode != tt.want {
				t.Errorf("mode = %v, want %v", mode, tt.want)
			}
			if path != tt.path {
				t.Errorf("path = %q, want %q", path, tt.path)
			}
		})
	}
}

func TestSplitRanges(t *testing.T) {
	align := int64(remote.RangeBlockSize)

	tests := []struct {
		name    string
		size    int64
		streams int
	}{
		{"even split", 8 * align, 4},
		{"ragged tail", 8*align + 12345, 4},
		{"smaller than one block", 100, 4},
		{"fewer blocks than streams", 2 * align, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges := splitRanges(tt.size, tt.streams)

			var next int64
			for _, r := range ranges {
				if r.offset != next {
					t.Fatalf("gap: offset %d, want %d", r.offset, next)
				}
				if r.offset%align != 0 {
					t.Errorf("offset %d not block aligned", r.offset)
				}
				next += r.length
			}
			if next != tt.size {
				t.Errorf("covered %d bytes, want %d", next, tt.size)
			}
			if len(ranges) > tt.streams {
				t.Errorf("%d ranges, want <= %d", len(ranges), tt.streams)
			}
		})
	}
}

func TestUploadBelowThresholdUsesSinglePut(t *testing.T) {
	p, _, _ := newPipeline(t, Config{ChunkThresholdBytes: 1 << 30})
	r := &rangeRunner{failOffset: -1}

	if err := p.upload(context.Background(), r, "/src", "/dst", 1000, nil); err != nil {
		t.Fatalf("upload() error = %v", err)
	}
	if r.putCount() != 1 || len(r.ranges) != 0 {
		t.Errorf("puts=%d ranges=%d, want one whole-file put", r.putCount(), len(r.ranges))
	}
}

func TestUploadChunksLargeSource(t *testing.T) {
	align := int64(remote.RangeBlockSize)
	p, _, _ := newPipeline(t, Config{ChunkThresholdBytes: align, ChunkStreams: 4})
	r := &rangeRunner{failOffset: -1}

	if err := p.upload(context.Background(), r, "/src", "/dst", 8*align, nil); err != nil {
		t.Fatalf("upload() error = %v", err)
	}
	if len(r.ranges) != 4 {
		t.Errorf("ranges = %d, want 4 streams", len(r.ranges))
	}
	// The assembled partial must be moved into place.
	if len(r.runs) == 0 || r.runs[0] != "mv" {
		t.Errorf("runs = %v, want finalizing mv", r.runs)
	}
}

func TestUploadStreamFailureAbortsWhole(t *testing.T) {
	align := int64(remote.RangeBlockSize)
	p, _, _ := newPipeline(t, Config{ChunkThresholdBytes: align, ChunkStreams: 4})
	r := &rangeRunner{failOffset: 2 * align}

	err := p.upload(context.Background(), r, "/src", "/dst", 8*align, nil)
	if err == nil {
		t.Fatal("upload() succeeded, want abort on stream failure")
	}
	// The partial file must not be left on the worker.
	found := false
	for _, rm := range r.removed {
		if rm == "/dst.partial" {
			found = true
		}
	}
	if !found {
		t.Errorf("removed = %v, want /dst.partial", r.removed)
	}
	// Nothing got finalized.
	for _, run := range r.runs {
		if run == "mv" {
			t.Error("aborted upload still ran mv")
		}
	}
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	align := int64(remote.RangeBlockSize)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")

	payload := bytes.Repeat([]byte("0123456789abcdef"), int(align/8)) // 2 MiB
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	p, _, _ := newPipeline(t, Config{ChunkThresholdBytes: align, ChunkStreams: 2})
	if err := p.upload(context.Background(), remote.NewLocalRunner(), src, dst, int64(len(payload)), nil); err != nil {
		t.Fatalf("upload() error = %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("reassembled file differs from source")
	}
}

func TestStageInReusesPreStagedInput(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	job := &models.Job{ID: 3, SourcePath: "/media/a.mkv", SourceSize: 100}
	w := &models.Worker{ID: 9, Kind: models.WorkerKindSSH, WorkDir: "/scratch"}
	r := &fakeRunner{}

	p.staged[job.ID] = stagedInput{workerID: w.ID, path: "/scratch/job-3/a.mkv"}

	path, err := p.StageIn(context.Background(), job, w, r)
	if err != nil {
		t.Fatalf("StageIn() error = %v", err)
	}
	if path != "/scratch/job-3/a.mkv" {
		t.Errorf("path = %q, want the staged copy", path)
	}
	if r.putCount() != 0 {
		t.Error("StageIn re-uploaded an already staged input")
	}
	if _, ok := p.staged[job.ID]; ok {
		t.Error("staged record not consumed")
	}
}

func TestStageInIgnoresStagingOnOtherWorker(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	job := &models.Job{ID: 3, SourcePath: "/media/a.mkv", SourceSize: 100}
	w := &models.Worker{ID: 9, Kind: models.WorkerKindSSH, WorkDir: "/scratch"}
	r := &fakeRunner{}

	p.staged[job.ID] = stagedInput{workerID: 4, path: "/elsewhere/a.mkv"}

	if _, err := p.StageIn(context.Background(), job, w, r); err != nil {
		t.Fatalf("StageIn() error = %v", err)
	}
	if r.putCount() != 1 {
		t.Error("staged copy on another worker must not satisfy this one")
	}
}

func TestPreStagePicksNextQueuedJob(t *testing.T) {
	p, st, b := newPipeline(t, DefaultConfig())
	w := &models.Worker{ID: 1, Kind: models.WorkerKindSSH, WorkDir: "/scratch"}

	low := &models.Job{Status: models.JobStatusQueued, SourcePath: "/media/low.mkv", Priority: 1}
	high := &models.Job{Status: models.JobStatusQueued, SourcePath: "/media/high.mkv", Priority: 5}
	mapped := &models.Job{Status: models.JobStatusQueued, SourcePath: "/shared/m.mkv", Priority: 9}
	for _, j := range []*models.Job{low, high, mapped} {
		if err := st.CreateJob(j); err != nil {
			t.Fatal(err)
		}
	}
	// The highest-priority job needs no transfer on this worker.
	w.PathMappings = []models.PathMapping{{SourcePrefix: "/shared", TargetPrefix: "/shared"}}

	sub := b.Subscribe(models.TopicJobPreuploadProgress)
	defer sub.Close()

	r := &fakeRunner{}
	p.PreStage(context.Background(), w, r)

	deadline := time.Now().Add(time.Second)
	for {
		if id, ok := p.StagedWorker(high.ID); ok {
			if id != w.ID {
				t.Fatalf("staged on worker %d, want %d", id, w.ID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pre-stage never completed")
		}
		time.Sleep(time.Millisecond)
	}

	if _, ok := p.StagedWorker(low.ID); ok {
		t.Error("pre-staged more than one job")
	}
	if _, ok := p.StagedWorker(mapped.ID); ok {
		t.Error("pre-staged a job that needs no transfer")
	}

	select {
	case ev := <-sub.Events():
		if ev.Data["job_id"] != high.ID {
			t.Errorf("preupload event for job %v, want %d", ev.Data["job_id"], high.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no job.preupload_progress event")
	}
}

func TestDiscardStagedRemovesRemoteCopy(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	r := &fakeRunner{}
	p.staged[5] = stagedInput{workerID: 1, path: "/scratch/job-5/a.mkv"}

	p.DiscardStaged(context.Background(), 5, r)

	if _, ok := p.StagedWorker(5); ok {
		t.Error("staged record survived discard")
	}
	if len(r.removed) != 1 || r.removed[0] != "/scratch/job-5/a.mkv" {
		t.Errorf("removed = %v, want the staged path", r.removed)
	}
}

func TestValidate(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	job := &models.Job{ID: 1, SourceSize: 1000_000_000}

	good := &remote.ProbeResult{HasVideoStream: true, SizeBytes: 400_000_000, DurationSeconds: 3600, VideoCodec: "hevc"}

	tests := []struct {
		name     string
		probe    *remote.ProbeResult
		probeErr error
		duration float64
		wantOK   bool
	}{
		{"passes", good, nil, 3600, true},
		{"passes without source duration", good, nil, 0, true},
		{"duration inside tolerance", &remote.ProbeResult{HasVideoStream: true, SizeBytes: 400_000_000, DurationSeconds: 3650}, nil, 3600, true},
		{"no video stream", &remote.ProbeResult{SizeBytes: 400_000_000, DurationSeconds: 3600}, nil, 3600, false},
		{"empty output", &remote.ProbeResult{HasVideoStream: true}, nil, 3600, false},
		{"suspiciously small", &remote.ProbeResult{HasVideoStream: true, SizeBytes: 1000, DurationSeconds: 3600}, nil, 3600, false},
		{"ballooned output", &remote.ProbeResult{HasVideoStream: true, SizeBytes: 4_000_000_000, DurationSeconds: 3600}, nil, 3600, false},
		{"truncated output", &remote.ProbeResult{HasVideoStream: true, SizeBytes: 400_000_000, DurationSeconds: 1800}, nil, 3600, false},
		{"probe failure", nil, errors.New("ffprobe not found"), 3600, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{probe: tt.probe, probeErr: tt.probeErr}
			err := p.Validate(context.Background(), r, job, "/out.mkv", tt.duration)
			if tt.wantOK && err != nil {
				t.Errorf("Validate() error = %v, want pass", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("Validate() passed, want failure")
				}
				if !errors.Is(err, ErrValidationFailed) {
					t.Errorf("error %v does not wrap ErrValidationFailed", err)
				}
			}
		})
	}
}

func TestValidateShortFileToleranceFloor(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	job := &models.Job{ID: 1, SourceSize: 10_000_000}

	// 2% of 10s is 0.2s; the 1s floor must allow 0.8s drift.
	probe := &remote.ProbeResult{HasVideoStream: true, SizeBytes: 5_000_000, DurationSeconds: 10.8}
	r := &fakeRunner{probe: probe}
	if err := p.Validate(context.Background(), r, job, "/out.mkv", 10); err != nil {
		t.Errorf("Validate() error = %v, want the 1s floor to absorb the drift", err)
	}
}

func TestRemoteOutputPathKeepsExtension(t *testing.T) {
	p, _, _ := newPipeline(t, DefaultConfig())
	w := &models.Worker{ID: 2, WorkDir: "/scratch"}
	job := &models.Job{ID: 11, SourcePath: "/media/a.mkv"}

	got := p.RemoteOutputPath(w, job)
	want := "/scratch/job-11/output-11.mkv"
	if got != want {
		t.Errorf("RemoteOutputPath() = %q, want %q", got, want)
	}
}
