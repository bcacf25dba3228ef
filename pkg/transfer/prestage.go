package transfer

import (
	"context"
	"sort"

	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/remote"
)

// PreStage starts upload-only staging of the next queued job onto a
// worker whose current job just entered transcoding, so its input is
// ready the moment the encode finishes. It never starts an encode and
// never blocks the caller; progress surfaces as job.preupload_progress
// events. At most one pre-stage runs per job.
func (p *Pipeline) PreStage(ctx context.Context, w *models.Worker, r remote.Runner) {
	next := p.nextStageable(w)
	if next == nil {
		return
	}

	p.mu.Lock()
	if p.staging[next.ID] {
		p.mu.Unlock()
		return
	}
	if _, ok := p.staged[next.ID]; ok {
		p.mu.Unlock()
		return
	}
	p.staging[next.ID] = true
	p.mu.Unlock()

	go p.runPreStage(ctx, next, w, r)
}

// nextStageable picks the highest-priority unassigned queued job whose
// source would actually have to move to this worker.
func (p *Pipeline) nextStageable(w *models.Worker) *models.Job {
	queued, err := p.store.GetJobsInState(models.JobStatusQueued)
	if err != nil {
		return nil
	}
	sortQueue(queued)
	for _, job := range queued {
		if job.Assigned() || job.SourcePath == "" {
			continue
		}
		if mode, _ := p.Resolve(job, w); mode != ModePullPush {
			continue
		}
		p.mu.Lock()
		_, taken := p.staged[job.ID]
		busy := p.staging[job.ID]
		p.mu.Unlock()
		if taken || busy {
			continue
		}
		return job
	}
	return nil
}

func (p *Pipeline) runPreStage(ctx context.Context, job *models.Job, w *models.Worker, r remote.Runner) {
	defer func() {
		p.mu.Lock()
		delete(p.staging, job.ID)
		p.mu.Unlock()
	}()

	dst := p.remoteInputPath(w, job)
	p.log.Infof("job %d: pre-staging to worker %d (%s)", job.ID, w.ID, dst)
	p.emitPreupload(job.ID, w.ID, 0)

	err := p.upload(ctx, r, job.SourcePath, dst, job.SourceSize, func(done int64) {
		pct := 100.0
		if job.SourceSize > 0 {
			pct = float64(done) / float64(job.SourceSize) * 100
		}
		p.emitPreupload(job.ID, w.ID, pct)
	})
	if err != nil {
		// A failed pre-stage costs nothing: dispatch uploads normally.
		p.log.Warnf("job %d: pre-stage failed: %v", job.ID, err)
		return
	}

	p.mu.Lock()
	p.staged[job.ID] = stagedInput{workerID: w.ID, path: dst}
	p.mu.Unlock()
	p.emitPreupload(job.ID, w.ID, 100)
}

func (p *Pipeline) emitPreupload(jobID, workerID int64, pct float64) {
	p.bus.Emit(models.TopicJobPreuploadProgress, map[string]interface{}{
		"job_id":    jobID,
		"worker_id": workerID,
		"percent":   pct,
	})
}

// StagedWorker reports which worker holds a pre-staged copy of the
// job's input, if any. The scheduler can use it as a soft affinity hint.
func (p *Pipeline) StagedWorker(jobID int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.staged[jobID]
	return s.workerID, ok
}

// DiscardStaged drops the record of a pre-staged input and removes the
// remote copy, for jobs that were cancelled or dispatched elsewhere.
func (p *Pipeline) DiscardStaged(ctx context.Context, jobID int64, r remote.Runner) {
	p.mu.Lock()
	s, ok := p.staged[jobID]
	delete(p.staged, jobID)
	p.mu.Unlock()
	if !ok || r == nil {
		return
	}
	if err := r.Remove(ctx, s.path); err != nil {
		p.log.Debugf("job %d: discard staged %s: %v", jobID, s.path, err)
	}
}

// sortQueue orders by priority descending, then oldest first.
func sortQueue(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})
}
