// Package api is the REST and websocket surface of the daemon. Every
// handler delegates straight to a subsystem; no business rules live
// here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/transcodefarm/farmd/pkg/jobs"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/orchestrator"
	"github.com/transcodefarm/farmd/pkg/store"
)

// Handler serves the control API for one orchestrator.
type Handler struct {
	orc *orchestrator.Orchestrator
	log *logging.Logger
}

// New creates the API handler.
func New(orc *orchestrator.Orchestrator, log *logging.Logger) *Handler {
	return &Handler{orc: orc, log: log}
}

// Router builds the full route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/jobs", h.CreateJobs).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.DeleteJob).Methods("DELETE")
	r.HandleFunc("/jobs/{id}/cancel", h.jobAction(h.orc.Jobs().Cancel)).Methods("POST")
	r.HandleFunc("/jobs/{id}/retry", h.jobAction(h.orc.Jobs().Retry)).Methods("POST")
	r.HandleFunc("/jobs/{id}/pause", h.jobAction(h.orc.Jobs().Pause)).Methods("POST")
	r.HandleFunc("/jobs/{id}/resume", h.jobAction(h.orc.Jobs().Resume)).Methods("POST")

	r.HandleFunc("/workers", h.CreateWorker).Methods("POST")
	r.HandleFunc("/workers", h.ListWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}", h.GetWorker).Methods("GET")
	r.HandleFunc("/workers/{id}", h.UpdateWorker).Methods("PUT")
	r.HandleFunc("/workers/{id}", h.RemoveWorker).Methods("DELETE")
	r.HandleFunc("/workers/{id}/enable", h.setWorkerEnabled(true)).Methods("POST")
	r.HandleFunc("/workers/{id}/disable", h.setWorkerEnabled(false)).Methods("POST")
	r.HandleFunc("/workers/{id}/heartbeat", h.WorkerHeartbeat).Methods("POST")
	r.HandleFunc("/workers/{id}/benchmark", h.TriggerBenchmark).Methods("POST")
	r.HandleFunc("/workers/{id}/benchmark", h.LatestBenchmark).Methods("GET")

	r.HandleFunc("/cloud/plans", h.CloudPlans).Methods("GET")
	r.HandleFunc("/cloud/spend", h.CloudSpend).Methods("GET")
	r.HandleFunc("/cloud/deploy", h.CloudDeploy).Methods("POST")
	r.HandleFunc("/cloud/workers/{id}/teardown", h.CloudTeardown).Methods("POST")

	r.Handle("/events", h.orc.Hub()).Methods("GET")
	r.HandleFunc("/events", h.PublishEvent).Methods("POST")
	r.Handle("/metrics", h.orc.Metrics().Handler()).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")

	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debugf("api: encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrWorkerNotFound),
		errors.Is(err, store.ErrBenchmarkNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrMissingSource):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobTerminal),
		errors.Is(err, jobs.ErrNotFailed),
		errors.Is(err, jobs.ErrNotPaused):
		status = http.StatusConflict
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// CreateJobs accepts one job request or a batch (a JSON array).
// Batches are all-or-nothing validated per element; accepted jobs are
// returned in submission order.
func (h *Handler) CreateJobs(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var reqs []models.JobRequest
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &reqs); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		var req models.JobRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	created := make([]*models.Job, 0, len(reqs))
	for i := range reqs {
		job, err := h.orc.Jobs().Submit(&reqs[i])
		if err != nil {
			h.writeError(w, err)
			return
		}
		created = append(created, job)
	}

	if len(created) == 1 {
		h.writeJSON(w, http.StatusCreated, created[0])
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if state := r.URL.Query().Get("state"); state != "" {
		list, err := h.orc.Store().GetJobsInState(models.JobStatus(state))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, list)
		return
	}
	h.writeJSON(w, http.StatusOK, h.orc.Store().GetAllJobs())
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := h.orc.Store().GetJob(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// DeleteJob removes a terminal job's record. Running jobs must be
// cancelled first.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := h.orc.Store().GetJob(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !models.IsTerminalState(job.Status) {
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": "job is still active, cancel it first"})
		return
	}
	if err := h.orc.Store().DeleteJob(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) jobAction(action func(int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}
		if err := action(id); err != nil {
			h.writeError(w, err)
			return
		}
		job, err := h.orc.Store().GetJob(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, job)
	}
}

func (h *Handler) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var worker models.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if worker.Name == "" {
		http.Error(w, "worker name is required", http.StatusBadRequest)
		return
	}
	if err := h.orc.Registry().Add(&worker); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &worker)
}

func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orc.Registry().List())
}

func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	worker, err := h.orc.Registry().Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, worker)
}

func (h *Handler) UpdateWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	var worker models.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	worker.ID = id
	if err := h.orc.Registry().Update(&worker); err != nil {
		h.writeError(w, err)
		return
	}
	h.orc.DropRunner(id)
	h.writeJSON(w, http.StatusOK, &worker)
}

func (h *Handler) RemoveWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	if err := h.orc.Registry().Remove(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.orc.DropRunner(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setWorkerEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			http.Error(w, "invalid worker id", http.StatusBadRequest)
			return
		}
		if err := h.orc.Registry().SetEnabled(id, enabled); err != nil {
			h.writeError(w, err)
			return
		}
		worker, err := h.orc.Registry().Get(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, worker)
	}
}

func (h *Handler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	var beat struct {
		CPULoad float64 `json:"cpu_load"`
		GPULoad float64 `json:"gpu_load"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&beat); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if err := h.orc.Registry().Heartbeat(id, beat.CPULoad, beat.GPULoad); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) TriggerBenchmark(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	if err := h.orc.Scheduler().TriggerBenchmark(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "benchmark scheduled"})
}

func (h *Handler) LatestBenchmark(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	bench, err := h.orc.Store().LatestBenchmark(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, bench)
}

func (h *Handler) CloudPlans(w http.ResponseWriter, r *http.Request) {
	if h.orc.Cloud() == nil {
		http.Error(w, "no cloud provider configured", http.StatusNotImplemented)
		return
	}
	plans, err := h.orc.Cloud().Plans(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}

func (h *Handler) CloudSpend(w http.ResponseWriter, r *http.Request) {
	if h.orc.Cloud() == nil {
		http.Error(w, "no cloud provider configured", http.StatusNotImplemented)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]float64{
		"monthly_spend_usd": h.orc.Cloud().MonthlySpend(),
	})
}

// CloudDeploy starts a deploy and returns immediately; progress is
// published on the event stream as cloud.deploy_progress.
func (h *Handler) CloudDeploy(w http.ResponseWriter, r *http.Request) {
	if h.orc.Cloud() == nil {
		http.Error(w, "no cloud provider configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Plan         string `json:"plan"`
		Region       string `json:"region"`
		IdleMinutes  int    `json:"idle_minutes"`
		AutoTeardown *bool  `json:"auto_teardown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Plan == "" {
		http.Error(w, "plan is required", http.StatusBadRequest)
		return
	}
	autoTeardown := true
	if req.AutoTeardown != nil {
		autoTeardown = *req.AutoTeardown
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.orc.Cloud().Deploy(ctx, req.Plan, req.Region, req.IdleMinutes, autoTeardown); err != nil {
			h.log.Errorf("cloud deploy %s: %v", req.Plan, err)
		}
	}()
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "deploying", "plan": req.Plan})
}

func (h *Handler) CloudTeardown(w http.ResponseWriter, r *http.Request) {
	if h.orc.Cloud() == nil {
		http.Error(w, "no cloud provider configured", http.StatusNotImplemented)
		return
	}
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	if err := h.orc.Cloud().Teardown(id, "requested via api"); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "teardown started"})
}

// producerTopics are the topics external collaborators may publish:
// the library sync and the analysis pipeline announcing completed work.
// Everything else on the bus is emitted by the daemon itself.
var producerTopics = map[string]bool{
	models.TopicSyncCompleted:     true,
	models.TopicAnalysisCompleted: true,
}

// PublishEvent lets upstream producers push an event onto the bus.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !producerTopics[req.Event] {
		http.Error(w, "topic not accepted from producers", http.StatusBadRequest)
		return
	}

	h.orc.Bus().Emit(req.Event, req.Data)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.Store().HealthCheck(); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"event_subscribers": h.orc.Bus().SubscriberCount(),
		"stream_clients":    h.orc.Hub().ClientCount(),
	})
}
