// Package transfer moves job media between the controller and workers.
// It decides per (job, worker) whether any bytes have to move at all,
// splits large uploads across concurrent streams, pre-stages the next
// queued job's input while the current encode runs, and validates
// encoder output before a job may complete.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/remote"
	"github.com/transcodefarm/farmd/pkg/store"
)

// Mode is how a job's source reaches a worker.
type Mode string

const (
	// ModeLocal means the worker shares the controller's filesystem.
	ModeLocal Mode = "local"
	// ModeMapped means a path-mapping rewrite makes the source visible
	// on the worker without copying.
	ModeMapped Mode = "mapped"
	// ModePullPush is the fallback: upload the source, encode, pull the
	// output back.
	ModePullPush Mode = "pull_push"
)

// ErrValidationFailed wraps every post-encode validation rejection so
// callers can route the job to the retry path.
var ErrValidationFailed = errors.New("output validation failed")

// Config tunes the pipeline.
type Config struct {
	// ChunkThresholdBytes is the source size above which uploads split
	// into concurrent streams. Zero disables chunking.
	ChunkThresholdBytes int64
	// ChunkStreams is the number of concurrent streams for a chunked
	// upload.
	ChunkStreams int

	// MinSizeRatio and MaxSizeRatio bound the output size relative to
	// the source during validation.
	MinSizeRatio float64
	MaxSizeRatio float64
	// DurationTolerancePct is the allowed output/source duration drift,
	// with a one second absolute floor for short files.
	DurationTolerancePct float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkThresholdBytes:  1 << 30,
		ChunkStreams:         4,
		MinSizeRatio:         0.01,
		MaxSizeRatio:         3.0,
		DurationTolerancePct: 2.0,
	}
}

// stagedInput records a pre-uploaded source waiting on a worker.
type stagedInput struct {
	workerID int64
	path     string
}

// Pipeline is the transfer stage shared by all worker loops.
type Pipeline struct {
	store store.Store
	bus   *bus.Bus
	cfg   Config
	log   *logging.Logger

	mu      sync.Mutex
	staged  map[int64]stagedInput
	staging map[int64]bool
}

// New creates a transfer pipeline.
func New(st store.Store, b *bus.Bus, cfg Config, log *logging.Logger) *Pipeline {
	if cfg.ChunkStreams <= 0 {
		cfg.ChunkStreams = DefaultConfig().ChunkStreams
	}
	if cfg.MinSizeRatio <= 0 {
		cfg.MinSizeRatio = DefaultConfig().MinSizeRatio
	}
	if cfg.MaxSizeRatio <= 0 {
		cfg.MaxSizeRatio = DefaultConfig().MaxSizeRatio
	}
	if cfg.DurationTolerancePct <= 0 {
		cfg.DurationTolerancePct = DefaultConfig().DurationTolerancePct
	}
	return &Pipeline{
		store:   st,
		bus:     b,
		cfg:     cfg,
		log:     log,
		staged:  make(map[int64]stagedInput),
		staging: make(map[int64]bool),
	}
}

// Resolve picks the transfer mode for a job on a worker and the input
// path as the worker will see it. Only ModePullPush moves bytes.
func (p *Pipeline) Resolve(job *models.Job, w *models.Worker) (Mode, string) {
	if w.IsLocal() {
		return ModeLocal, job.SourcePath
	}
	if mapped, ok := w.MapPath(job.SourcePath); ok {
		return ModeMapped, mapped
	}
	return ModePullPush, p.remoteInputPath(w, job)
}

// StageIn makes the job's source readable on the worker and returns the
// path the encode should use. Local and mapped modes return immediately;
// pull mode uploads, reusing a pre-staged copy when one is waiting.
func (p *Pipeline) StageIn(ctx context.Context, job *models.Job, w *models.Worker, r remote.Runner) (string, error) {
	mode, path := p.Resolve(job, w)
	if mode != ModePullPush {
		return path, nil
	}

	p.mu.Lock()
	if s, ok := p.staged[job.ID]; ok && s.workerID == w.ID {
		delete(p.staged, job.ID)
		p.mu.Unlock()
		p.log.Debugf("job %d: using pre-staged input %s", job.ID, s.path)
		return s.path, nil
	}
	p.mu.Unlock()

	if err := p.upload(ctx, r, job.SourcePath, path, job.SourceSize, nil); err != nil {
		return "", fmt.Errorf("stage in job %d: %w", job.ID, err)
	}
	return path, nil
}

// StageOut pulls the encoded output back from the worker and cleans up
// the job's working directory. The encode always writes into the job
// directory, so this runs in every transfer mode.
func (p *Pipeline) StageOut(ctx context.Context, job *models.Job, w *models.Worker, r remote.Runner, remoteOutput, localDest string) error {
	if err := r.Get(ctx, remoteOutput, localDest); err != nil {
		return fmt.Errorf("stage out job %d: %w", job.ID, err)
	}
	p.cleanupJobDir(ctx, w, job, r)
	return nil
}

// RemoteOutputPath is where the encode on a pull-mode worker writes.
func (p *Pipeline) RemoteOutputPath(w *models.Worker, job *models.Job) string {
	ext := filepath.Ext(job.SourcePath)
	return filepath.ToSlash(filepath.Join(p.jobDir(w, job), fmt.Sprintf("output-%d%s", job.ID, ext)))
}

func (p *Pipeline) remoteInputPath(w *models.Worker, job *models.Job) string {
	return filepath.ToSlash(filepath.Join(p.jobDir(w, job), filepath.Base(job.SourcePath)))
}

func (p *Pipeline) jobDir(w *models.Worker, job *models.Job) string {
	workDir := w.WorkDir
	if workDir == "" {
		workDir = "/tmp/farmd"
	}
	return filepath.Join(workDir, fmt.Sprintf("job-%d", job.ID))
}

func (p *Pipeline) cleanupJobDir(ctx context.Context, w *models.Worker, job *models.Job, r remote.Runner) {
	dir := p.jobDir(w, job)
	if res, err := r.Run(ctx, "rm", "-rf", dir); err != nil {
		p.log.Debugf("job %d: cleanup %s: %v", job.ID, dir, err)
	} else if res.ExitCode != 0 {
		p.log.Debugf("job %d: cleanup %s: exit %d", job.ID, dir, res.ExitCode)
	}
}

// upload moves one file, splitting into concurrent range streams when
// the source is large and the runner supports ranged writes. Any stream
// failing aborts the whole upload.
func (p *Pipeline) upload(ctx context.Context, r remote.Runner, local, dst string, size int64, progress func(done int64)) error {
	rp, chunked := r.(remote.RangePutter)
	if !chunked || p.cfg.ChunkThresholdBytes <= 0 || size < p.cfg.ChunkThresholdBytes {
		if err := r.Put(ctx, local, dst); err != nil {
			return err
		}
		if progress != nil {
			progress(size)
		}
		return nil
	}

	chunks := splitRanges(size, p.cfg.ChunkStreams)
	tmp := dst + ".partial"

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		done     int64
		firstErr error
	)
	for _, c := range chunks {
		wg.Add(1)
		go func(offset, length int64) {
			defer wg.Done()
			err := rp.PutRange(ctx, local, tmp, offset, length)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			done += length
			if progress != nil {
				progress(done)
			}
		}(c.offset, c.length)
	}
	wg.Wait()

	if firstErr != nil {
		// One bad stream poisons the whole file.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cleanupCancel()
		if err := r.Remove(cleanupCtx, tmp); err != nil {
			p.log.Debugf("remove %s after aborted upload: %v", tmp, err)
		}
		return fmt.Errorf("chunked upload aborted: %w", firstErr)
	}

	res, err := r.Run(ctx, "mv", tmp, dst)
	if err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("finalize upload: mv exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

type byteRange struct {
	offset int64
	length int64
}

// splitRanges cuts size into at most n ranges aligned to the remote
// block size, so every ranged writer lands on a dd block boundary.
func splitRanges(size int64, n int) []byteRange {
	align := int64(remote.RangeBlockSize)
	blocks := (size + align - 1) / align
	if int64(n) > blocks {
		n = int(blocks)
	}
	if n < 1 {
		n = 1
	}

	perChunk := blocks / int64(n) * align
	out := make([]byteRange, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := perChunk
		if i == n-1 {
			length = size - offset
		}
		out = append(out, byteRange{offset: offset, length: length})
		offset += length
	}
	return out
}
