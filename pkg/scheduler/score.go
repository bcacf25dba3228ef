package scheduler

import (
	"sort"

	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/store"
)

// Weights are the composite score components. They should sum to 1 but
// the scorer does not insist; relative magnitude is what matters.
type Weights struct {
	Load     float64
	History  float64
	Transfer float64
}

// DefaultWeights returns the production split.
func DefaultWeights() Weights {
	return Weights{Load: 0.35, History: 0.30, Transfer: 0.35}
}

const (
	// referenceFPS normalizes historic throughput; anything at or
	// above this scores full marks.
	referenceFPS = 60.0

	// referenceTransferSeconds is the knee of the transfer score
	// curve: a one-way transfer this long scores 0.5.
	referenceTransferSeconds = 60.0

	// noBenchmarkPenalty multiplies the transfer score of workers
	// that have never been benchmarked. A penalty, not a veto.
	noBenchmarkPenalty = 0.5

	// neutralScore is used where no signal exists either way.
	neutralScore = 0.5
)

// candidate pairs a worker with its composite score for one job.
type candidate struct {
	worker *models.Worker
	score  float64
}

// scoreWorker computes the composite score of one worker for one job.
func scoreWorker(st store.Store, w *models.Worker, job *models.Job, weights Weights) float64 {
	return weights.Load*loadScore(w) +
		weights.History*historyScore(st, w) +
		weights.Transfer*transferScore(w, job)
}

// loadScore is free capacity: 1 fully idle, 0 saturated or unreachable.
func loadScore(w *models.Worker) float64 {
	if w.Status != models.WorkerStatusOnline && !w.IsLocal() {
		return 0
	}
	if w.MaxConcurrentJobs <= 0 {
		return 0
	}
	score := 1 - float64(w.ActiveJobs)/float64(w.MaxConcurrentJobs)
	if score < 0 {
		return 0
	}
	return score
}

// historyScore is rolling success rate scaled by normalized average
// throughput. A worker with no history scores neutral rather than
// being locked out of its first job.
func historyScore(st store.Store, w *models.Worker) float64 {
	h, err := st.GetWorkerHistory(w.ID)
	if err != nil {
		return neutralScore
	}
	total := h.Completed + h.Failed
	if total == 0 {
		return neutralScore
	}

	successRate := float64(h.Completed) / float64(total)
	fps := h.AvgFPS / referenceFPS
	if fps > 1 {
		fps = 1
	}
	// Success rate dominates; throughput moderates within it.
	return successRate * (0.5 + 0.5*fps)
}

// transferScore estimates how cheaply the source reaches the worker.
// Local disks are free; everything else decays with the one-way
// transfer-time estimate from the worker's benchmark.
func transferScore(w *models.Worker, job *models.Job) float64 {
	if w.IsLocal() {
		return 1
	}
	if _, mapped := w.MapPath(job.SourcePath); mapped {
		return 1
	}

	mbps := w.DownloadMbps
	if mbps <= 0 {
		return neutralScore * noBenchmarkPenalty
	}

	seconds := float64(job.SourceSize) * 8 / (mbps * 1e6)
	return referenceTransferSeconds / (referenceTransferSeconds + seconds)
}

// rankCandidates scores and orders workers for a job: highest score
// first, ties broken by fewest active jobs, then lowest id.
func rankCandidates(st store.Store, workers []*models.Worker, job *models.Job, weights Weights) []candidate {
	ranked := make([]candidate, 0, len(workers))
	for _, w := range workers {
		ranked = append(ranked, candidate{worker: w, score: scoreWorker(st, w, job, weights)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.worker.ActiveJobs != b.worker.ActiveJobs {
			return a.worker.ActiveJobs < b.worker.ActiveJobs
		}
		return a.worker.ID < b.worker.ID
	})
	return ranked
}
