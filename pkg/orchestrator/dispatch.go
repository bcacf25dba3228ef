package orchestrator

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/remote"
)

// encodeChunkSeconds is the media length of one encode chunk. The loop
// checks for cancellation between chunks, so an abort takes effect
// within one chunk, not at the end of the file.
const encodeChunkSeconds = 300.0

// dispatch runs one claimed job through its full pipeline. It runs on
// its own goroutine; every early return has already routed the job to
// failed, cancelled, or the retry path.
func (o *Orchestrator) dispatch(job *models.Job, w *models.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	o.jobs.RegisterAbort(job.ID, cancel)
	defer func() {
		cancel()
		o.jobs.ClearAbort(job.ID)
	}()

	runner, err := o.runnerFor(w)
	if err != nil {
		o.failJob(job.ID, fmt.Sprintf("connect worker %s: %v", w.Name, err))
		return
	}

	mode, _ := o.transfer.Resolve(job, w)
	o.metrics.TransfersStarted.WithLabelValues(string(mode)).Inc()

	if err := o.jobs.Advance(job.ID, models.JobStatusTransferring, fmt.Sprintf("transfer mode %s", mode)); err != nil {
		o.log.Errorf("job %d: enter transferring: %v", job.ID, err)
		return
	}

	input, err := o.transfer.StageIn(ctx, job, w, runner)
	if err != nil {
		o.abortOrFail(ctx, job.ID, err)
		return
	}

	// Re-read: the claim wrote EffectiveParams and the worker binding.
	job, err = o.store.GetJob(job.ID)
	if err != nil {
		o.log.Errorf("job %d: reload after stage in: %v", job.ID, err)
		return
	}

	var sourceDuration float64
	if probe, err := runner.Probe(ctx, input); err != nil {
		o.log.Warnf("job %d: probe input: %v", job.ID, err)
	} else {
		sourceDuration = probe.DurationSeconds
	}

	if err := o.jobs.Advance(job.ID, models.JobStatusTranscoding, ""); err != nil {
		o.log.Errorf("job %d: enter transcoding: %v", job.ID, err)
		return
	}

	// The worker is busy encoding; overlap the next job's upload.
	o.transfer.PreStage(ctx, w, runner)

	output := o.transfer.RemoteOutputPath(w, job)
	if err := o.encode(ctx, job, runner, input, output, sourceDuration); err != nil {
		o.abortOrFail(ctx, job.ID, err)
		return
	}

	if err := o.jobs.Advance(job.ID, models.JobStatusVerifying, ""); err != nil {
		o.log.Errorf("job %d: enter verifying: %v", job.ID, err)
		return
	}
	if err := o.transfer.Validate(ctx, runner, job, output, sourceDuration); err != nil {
		o.setValidation(job.ID, models.ValidationFailed)
		o.abortOrFail(ctx, job.ID, err)
		return
	}
	o.setValidation(job.ID, models.ValidationPassed)

	if err := o.jobs.Advance(job.ID, models.JobStatusReplacing, ""); err != nil {
		o.log.Errorf("job %d: enter replacing: %v", job.ID, err)
		return
	}

	final := job.SourcePath
	if p, ok := job.Params["output_path"].(string); ok && p != "" {
		final = p
	}
	if err := o.transfer.StageOut(ctx, job, w, runner, output, final); err != nil {
		o.abortOrFail(ctx, job.ID, err)
		return
	}

	var size int64
	if fi, err := os.Stat(final); err == nil {
		size = fi.Size()
	}
	if err := o.jobs.Complete(job.ID, final, size); err != nil {
		o.log.Errorf("job %d: complete: %v", job.ID, err)
	}
}

// encode runs ffmpeg on the worker. Long sources are encoded in time
// chunks to MPEG-TS segments and remuxed, giving the loop a cancel
// point and a progress report per chunk.
func (o *Orchestrator) encode(ctx context.Context, job *models.Job, r remote.Runner, input, output string, duration float64) error {
	params := job.EffectiveParams
	if params == nil {
		params = job.Params
	}

	if duration <= encodeChunkSeconds {
		res, err := r.Run(ctx, "ffmpeg", encodeArgs(params, input, output, 0, 0, "")...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("ffmpeg exit %d: %s", res.ExitCode, stderrTail(res.Stderr))
		}
		o.recordProgress(job, 100, 0)
		return nil
	}

	segCount := int(math.Ceil(duration / encodeChunkSeconds))
	segs := make([]string, 0, segCount)
	began := time.Now()

	for i := 0; i < segCount; i++ {
		// Chunk boundary: the one place a running encode observes
		// cancellation without killing ffmpeg mid-write.
		if err := ctx.Err(); err != nil {
			return err
		}

		start := float64(i) * encodeChunkSeconds
		length := math.Min(encodeChunkSeconds, duration-start)
		seg := fmt.Sprintf("%s.seg%03d.ts", output, i)

		res, err := r.Run(ctx, "ffmpeg", encodeArgs(params, input, seg, start, length, "mpegts")...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("ffmpeg exit %d: %s", res.ExitCode, stderrTail(res.Stderr))
		}
		segs = append(segs, seg)
		o.log.Debugf("job %d: encoded chunk %s", job.ID, chunkLabel(i, segCount))

		done := start + length
		eta := 0
		if speed := done / time.Since(began).Seconds(); speed > 0 {
			eta = int((duration - done) / speed)
		}
		o.recordProgress(job, done/duration*100, eta)
	}

	res, err := r.Run(ctx, "ffmpeg", concatArgs(segs, output)...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ffmpeg concat exit %d: %s", res.ExitCode, stderrTail(res.Stderr))
	}
	for _, seg := range segs {
		if err := r.Remove(ctx, seg); err != nil {
			o.log.Debugf("job %d: remove segment %s: %v", job.ID, seg, err)
		}
	}
	return nil
}

func (o *Orchestrator) recordProgress(job *models.Job, percent float64, eta int) {
	if err := o.jobs.RecordProgress(job.ID, percent, 0, eta); err != nil {
		o.log.Debugf("job %d: record progress: %v", job.ID, err)
	}
}

// abortOrFail distinguishes a cancelled attempt (the state machine has
// already moved; just stop) from a real failure (enters the retry
// path).
func (o *Orchestrator) abortOrFail(ctx context.Context, id int64, cause error) {
	if ctx.Err() != nil {
		o.log.Debugf("job %d: attempt aborted: %v", id, cause)
		return
	}
	o.failJob(id, cause.Error())
}

func (o *Orchestrator) failJob(id int64, reason string) {
	if err := o.jobs.Fail(id, reason); err != nil {
		o.log.Errorf("job %d: record failure: %v", id, err)
	}
}

func (o *Orchestrator) setValidation(id int64, status string) {
	job, err := o.store.GetJob(id)
	if err != nil {
		return
	}
	job.ValidationStatus = &status
	if err := o.store.UpdateJob(job); err != nil {
		o.log.Warnf("job %d: record validation status: %v", id, err)
	}
}

// runnerFor returns the cached execution channel for a worker, dialing
// on first use. Local workers run in-process.
func (o *Orchestrator) runnerFor(w *models.Worker) (remote.Runner, error) {
	o.runnersMu.Lock()
	defer o.runnersMu.Unlock()
	if r, ok := o.runners[w.ID]; ok {
		return r, nil
	}

	var (
		r   remote.Runner
		err error
	)
	if w.IsLocal() {
		r = remote.NewLocalRunner()
	} else {
		user, host := splitUserHost(w.Hostname)
		r, err = remote.DialSSH(remote.SSHConfig{
			Host:           host,
			Port:           w.Port,
			User:           user,
			PrivateKeyPath: w.CredentialRef,
		})
		if err != nil {
			return nil, err
		}
	}
	o.runners[w.ID] = r
	return r, nil
}

// DropRunner discards a worker's cached channel so the next dispatch
// redials, used when a worker cycles offline.
func (o *Orchestrator) DropRunner(workerID int64) {
	o.runnersMu.Lock()
	defer o.runnersMu.Unlock()
	if r, ok := o.runners[workerID]; ok {
		r.Close()
		delete(o.runners, workerID)
	}
}

// splitUserHost parses "user@host" with a root default.
func splitUserHost(hostname string) (string, string) {
	if i := strings.IndexByte(hostname, '@'); i > 0 {
		return hostname[:i], hostname[i+1:]
	}
	return "root", hostname
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
