package registry

import (
	"testing"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store, *bus.Bus) {
	t.Helper()
	log := logging.New("test", logging.ERROR, false)
	st := store.NewMemoryStore()
	b := bus.New(log)
	r := New(st, b, Config{HeartbeatTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond}, log)
	return r, st, b
}

func addWorker(t *testing.T, r *Registry, kind models.WorkerKind) *models.Worker {
	t.Helper()
	w := &models.Worker{
		Name:     "w-" + string(kind),
		Kind:     kind,
		Enabled:  true,
		Hostname: "encoder.local",
	}
	if err := r.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return w
}

func TestAddDefaultsByKind(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	local := addWorker(t, r, models.WorkerKindLocal)
	if local.Status != models.WorkerStatusOnline {
		t.Errorf("local worker status = %s, want online", local.Status)
	}
	if local.MaxConcurrentJobs != 1 {
		t.Errorf("MaxConcurrentJobs = %d, want 1", local.MaxConcurrentJobs)
	}

	ssh := addWorker(t, r, models.WorkerKindSSH)
	if ssh.Status != models.WorkerStatusOffline {
		t.Errorf("ssh worker status = %s, want offline until first heartbeat", ssh.Status)
	}
}

func TestHeartbeatBringsWorkerOnline(t *testing.T) {
	r, st, b := newTestRegistry(t)
	w := addWorker(t, r, models.WorkerKindSSH)

	sub := b.Subscribe(models.TopicServerOnline)
	defer sub.Close()

	if err := r.Heartbeat(w.ID, 33.5, 10); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, err := st.GetWorker(w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if got.Status != models.WorkerStatusOnline {
		t.Errorf("status = %s, want online", got.Status)
	}
	if got.CPULoad != 33.5 || got.GPULoad != 10 {
		t.Errorf("load = %.1f/%.1f, want 33.5/10", got.CPULoad, got.GPULoad)
	}
	if got.LastHeartbeat.IsZero() {
		t.Error("LastHeartbeat not recorded")
	}

	select {
	case ev := <-sub.Events():
		if ev.Data["worker_id"] != w.ID {
			t.Errorf("online event for worker %v, want %d", ev.Data["worker_id"], w.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no server.online event")
	}
}

func TestHeartbeatNegativeLoadLeavesTelemetry(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	w := addWorker(t, r, models.WorkerKindSSH)

	if err := r.Heartbeat(w.ID, 55, 20); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	// A bare liveness ping carries no telemetry.
	if err := r.Heartbeat(w.ID, -1, -1); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, _ := st.GetWorker(w.ID)
	if got.CPULoad != 55 || got.GPULoad != 20 {
		t.Errorf("load = %.1f/%.1f, want previous 55/20", got.CPULoad, got.GPULoad)
	}
}

func TestSweepMarksSilentWorkerLost(t *testing.T) {
	r, st, b := newTestRegistry(t)
	w := addWorker(t, r, models.WorkerKindSSH)

	var lost []int64
	r.OnWorkerLost(func(w *models.Worker) { lost = append(lost, w.ID) })

	sub := b.Subscribe(models.TopicServerOffline)
	defer sub.Close()

	if err := r.Heartbeat(w.ID, 0, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := st.UpdateWorkerHeartbeat(w.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("UpdateWorkerHeartbeat: %v", err)
	}

	r.sweep()

	got, _ := st.GetWorker(w.ID)
	if got.Status != models.WorkerStatusOffline {
		t.Errorf("status = %s, want offline", got.Status)
	}
	if len(lost) != 1 || lost[0] != w.ID {
		t.Errorf("lost hook fired for %v, want [%d]", lost, w.ID)
	}
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no server.offline event")
	}
}

func TestSweepIgnoresLocalWorkers(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	w := addWorker(t, r, models.WorkerKindLocal)

	r.sweep()

	got, _ := st.GetWorker(w.ID)
	if got.Status != models.WorkerStatusOnline {
		t.Errorf("local worker went %s during sweep", got.Status)
	}
}

func TestCandidatesFiltering(t *testing.T) {
	r, st, _ := newTestRegistry(t)

	online := addWorker(t, r, models.WorkerKindSSH)
	if err := r.Heartbeat(online.ID, 0, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	disabled := addWorker(t, r, models.WorkerKindSSH)
	if err := r.Heartbeat(disabled.ID, 0, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := r.SetEnabled(disabled.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	addWorker(t, r, models.WorkerKindSSH) // never heartbeated, offline

	full := addWorker(t, r, models.WorkerKindSSH)
	if err := r.Heartbeat(full.ID, 0, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	fw, _ := st.GetWorker(full.ID)
	fw.ActiveJobs = fw.MaxConcurrentJobs
	if err := st.UpdateWorker(fw); err != nil {
		t.Fatalf("UpdateWorker: %v", err)
	}

	got := r.Candidates()
	if len(got) != 1 || got[0].ID != online.ID {
		ids := make([]int64, len(got))
		for i, w := range got {
			ids[i] = w.ID
		}
		t.Errorf("Candidates = %v, want [%d]", ids, online.ID)
	}
}

func TestSetEnabledIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	w := addWorker(t, r, models.WorkerKindLocal)

	if err := r.SetEnabled(w.ID, true); err != nil {
		t.Fatalf("SetEnabled same value: %v", err)
	}
	if err := r.SetEnabled(w.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	got, _ := r.Get(w.ID)
	if got.Enabled {
		t.Error("worker still enabled")
	}
}
