package cloud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
	"github.com/transcodefarm/farmd/pkg/store"
)

type fakeProvider struct {
	mu         sync.Mutex
	nextID     int
	instances  map[string]*Instance
	createErr  error
	statusErr  error
	terminated []string
	plans      []Plan
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		instances: make(map[string]*Instance),
		plans: []Plan{
			{Name: "rtx4090", GPUModel: "RTX 4090", HourlyUSD: 0.50, HWAccels: []string{"nvenc"}},
		},
	}
}

func (p *fakeProvider) Name() string { return "fakecloud" }

func (p *fakeProvider) Plans(ctx context.Context) ([]Plan, error) { return p.plans, nil }

func (p *fakeProvider) CreateInstance(ctx context.Context, plan, region string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	id := "inst-" + string(rune('a'+p.nextID-1))
	p.instances[id] = &Instance{ID: id, State: InstanceStateRunning, Hostname: "10.0.0.9", Port: 22}
	return id, nil
}

func (p *fakeProvider) InstanceStatus(ctx context.Context, id string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	inst, ok := p.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (p *fakeProvider) TerminateInstance(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, id)
	delete(p.instances, id)
	return nil
}

func (p *fakeProvider) ListInstances(ctx context.Context) ([]Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (p *fakeProvider) terminatedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

type fakeBootstrapper struct {
	accels []string
	err    error
}

func (b *fakeBootstrapper) Bootstrap(ctx context.Context, host string, port int) ([]string, error) {
	return b.accels, b.err
}

func newController(t *testing.T, p *fakeProvider, boot Bootstrapper, cfg Config) (*Controller, store.Store, *bus.Bus) {
	t.Helper()
	quiet := logging.New("test", logging.ERROR, false)
	st := store.NewMemoryStore()
	b := bus.New(quiet)
	t.Cleanup(b.Close)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	return New(p, st, b, boot, cfg, quiet), st, b
}

func TestDeploySuccess(t *testing.T) {
	p := newFakeProvider()
	c, st, b := newController(t, p, &fakeBootstrapper{accels: []string{"nvenc"}}, Config{})

	sub := b.Subscribe("cloud.*")
	defer sub.Close()

	w, err := c.Deploy(context.Background(), "rtx4090", "eu-west", 30, true)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleActive {
		t.Errorf("Lifecycle = %v, want active", got.Cloud.Lifecycle)
	}
	if got.Status != models.WorkerStatusOnline {
		t.Errorf("Status = %v, want online", got.Status)
	}
	if len(got.HWAccels) == 0 || got.HWAccels[0] != "nvenc" {
		t.Errorf("HWAccels = %v, want probed [nvenc]", got.HWAccels)
	}
	if !got.Schedulable() {
		t.Error("deployed worker not schedulable")
	}

	// Event order: progress (creating), progress (bootstrapping), completed.
	var topics []string
	deadline := time.After(time.Second)
	for len(topics) < 3 {
		select {
		case ev := <-sub.Events():
			topics = append(topics, ev.Topic)
		case <-deadline:
			t.Fatalf("only saw events %v", topics)
		}
	}
	if topics[len(topics)-1] != models.TopicCloudDeployCompleted {
		t.Errorf("last event = %s, want cloud.deploy_completed", topics[len(topics)-1])
	}
}

func TestDeployBootstrapFailure(t *testing.T) {
	p := newFakeProvider()
	c, st, b := newController(t, p, &fakeBootstrapper{err: errors.New("nvidia driver mismatch")}, Config{})

	sub := b.Subscribe(models.TopicCloudDeployFailed)
	defer sub.Close()

	w, err := c.Deploy(context.Background(), "rtx4090", "eu-west", 30, true)
	if err == nil {
		t.Fatal("Deploy() succeeded, want bootstrap failure")
	}

	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleFailed {
		t.Errorf("Lifecycle = %v, want failed", got.Cloud.Lifecycle)
	}
	if got.Enabled {
		t.Error("failed worker still enabled")
	}
	if got.Schedulable() {
		t.Error("failed worker still schedulable")
	}
	// The half-created instance must not keep billing.
	if len(p.terminatedIDs()) != 1 {
		t.Errorf("terminated %v, want the orphaned instance", p.terminatedIDs())
	}

	select {
	case ev := <-sub.Events():
		if ev.Data["reason"] == "" {
			t.Error("deploy_failed event has no reason")
		}
	case <-time.After(time.Second):
		t.Fatal("no cloud.deploy_failed event")
	}
}

func TestDeployPollTimeout(t *testing.T) {
	p := newFakeProvider()
	c, st, _ := newController(t, p, &fakeBootstrapper{}, Config{})

	// Status lookups fail transiently forever; the poll ceiling must end it.
	p.statusErr = errors.New("connection refused")

	w, err := c.Deploy(context.Background(), "rtx4090", "eu-west", 30, true)
	if err == nil {
		t.Fatal("Deploy() succeeded, want poll timeout")
	}
	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleFailed {
		t.Errorf("Lifecycle = %v, want failed after poll timeout", got.Cloud.Lifecycle)
	}
}

// activeCloudWorker plants a deployed worker directly in the store.
func activeCloudWorker(t *testing.T, st store.Store, idleMinutes int, autoTeardown bool, age time.Duration) *models.Worker {
	t.Helper()
	w := &models.Worker{
		Name:              "cloud-test",
		Kind:              models.WorkerKindCloud,
		Enabled:           true,
		MaxConcurrentJobs: 1,
		Status:            models.WorkerStatusOnline,
		Cloud: &models.CloudMeta{
			Provider:     "fakecloud",
			InstanceID:   "inst-x",
			Plan:         "rtx4090",
			Region:       "eu-west",
			CreatedAt:    time.Now().Add(-age),
			AutoTeardown: autoTeardown,
			IdleMinutes:  idleMinutes,
			Lifecycle:    models.CloudLifecycleActive,
		},
	}
	if err := st.CreateWorker(w); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestIdleTeardown(t *testing.T) {
	p := newFakeProvider()
	c, st, b := newController(t, p, &fakeBootstrapper{}, Config{})

	sub := b.Subscribe(models.TopicCloudTeardownCompleted)
	defer sub.Close()

	w := activeCloudWorker(t, st, 30, true, time.Hour)
	c.Sweep()

	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleDestroyed {
		t.Fatalf("Lifecycle = %v, want destroyed", got.Cloud.Lifecycle)
	}
	if got.Schedulable() {
		t.Error("destroyed worker still schedulable")
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no cloud.teardown_completed event")
	}
}

func TestIdleTeardownSkipsBusyWorker(t *testing.T) {
	p := newFakeProvider()
	c, st, _ := newController(t, p, &fakeBootstrapper{}, Config{})

	w := activeCloudWorker(t, st, 30, true, time.Hour)

	// A claimed job keeps the worker alive regardless of age.
	job := &models.Job{Status: models.JobStatusQueued, SourcePath: "/in/a.mkv", MaxRetries: 3}
	if err := st.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.ClaimWorkerSlot(job.ID, w.ID); !ok || err != nil {
		t.Fatalf("claim: %v %v", ok, err)
	}

	c.Sweep()

	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleActive {
		t.Errorf("Lifecycle = %v, want still active with a job claimed", got.Cloud.Lifecycle)
	}
}

func TestIdleTeardownRespectsOptOut(t *testing.T) {
	p := newFakeProvider()
	c, st, _ := newController(t, p, &fakeBootstrapper{}, Config{})

	w := activeCloudWorker(t, st, 30, false, time.Hour)
	c.Sweep()

	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleActive {
		t.Errorf("Lifecycle = %v, want active (autoTeardown off)", got.Cloud.Lifecycle)
	}
}

func TestSpendCapForcesTeardown(t *testing.T) {
	p := newFakeProvider()
	// 0.50/h for 10h = 5 USD, over the 1 USD cap.
	c, st, b := newController(t, p, &fakeBootstrapper{}, Config{MonthlySpendCapUSD: 1})

	sub := b.Subscribe(models.TopicCloudSpendCapReached)
	defer sub.Close()

	// Not idle: a recent job finished moments ago. Caps do not care.
	w := activeCloudWorker(t, st, 30, true, 10*time.Hour)

	c.Sweep()

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no cloud.spend_cap_reached event")
	}
	got, _ := st.GetWorker(w.ID)
	if got.Cloud.Lifecycle != models.CloudLifecycleDestroyed {
		t.Errorf("Lifecycle = %v, want destroyed on cap breach", got.Cloud.Lifecycle)
	}
}

func TestDeployRefusedOverCap(t *testing.T) {
	p := newFakeProvider()
	c, st, _ := newController(t, p, &fakeBootstrapper{}, Config{MonthlySpendCapUSD: 1})

	activeCloudWorker(t, st, 30, true, 10*time.Hour) // 5 USD spent

	if _, err := c.Deploy(context.Background(), "rtx4090", "eu-west", 30, true); !errors.Is(err, ErrSpendCapReached) {
		t.Errorf("Deploy() error = %v, want ErrSpendCapReached", err)
	}
}

func TestManualTeardownStates(t *testing.T) {
	p := newFakeProvider()
	c, st, _ := newController(t, p, &fakeBootstrapper{}, Config{})

	w := activeCloudWorker(t, st, 30, true, time.Minute)
	if err := c.Teardown(w.ID, "operator request"); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	// Second teardown of a destroyed worker is a no-op.
	if err := c.Teardown(w.ID, "again"); err != nil {
		t.Errorf("repeat Teardown() error = %v, want nil", err)
	}

	ssh := &models.Worker{Name: "ssh", Kind: models.WorkerKindSSH, Status: models.WorkerStatusOnline, MaxConcurrentJobs: 1}
	if err := st.CreateWorker(ssh); err != nil {
		t.Fatal(err)
	}
	if err := c.Teardown(ssh.ID, "x"); err != ErrNotCloudWorker {
		t.Errorf("Teardown(ssh) error = %v, want ErrNotCloudWorker", err)
	}
}

func TestReconcileOrphans(t *testing.T) {
	p := newFakeProvider()
	c, st, b := newController(t, p, &fakeBootstrapper{}, Config{})

	// One instance with a record, one without.
	p.instances["inst-known"] = &Instance{ID: "inst-known", State: InstanceStateRunning}
	p.instances["inst-orphan"] = &Instance{ID: "inst-orphan", State: InstanceStateRunning}

	w := activeCloudWorker(t, st, 30, true, time.Minute)
	w.Cloud.InstanceID = "inst-known"
	if err := st.UpdateWorker(w); err != nil {
		t.Fatal(err)
	}

	sub := b.Subscribe(models.TopicCloudOrphanDetected)
	defer sub.Close()

	if err := c.ReconcileOrphans(context.Background()); err != nil {
		t.Fatalf("ReconcileOrphans() error = %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Data["instance_id"] != "inst-orphan" {
			t.Errorf("orphan id = %v, want inst-orphan", ev.Data["instance_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("no cloud.orphan_detected event")
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("unexpected second orphan event for %v", ev.Data["instance_id"])
	case <-time.After(50 * time.Millisecond):
	}

	// Report only: nothing was terminated.
	if len(p.terminatedIDs()) != 0 {
		t.Errorf("reconciliation terminated %v, want none", p.terminatedIDs())
	}
}
