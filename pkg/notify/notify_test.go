package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

type recordSink struct {
	mu     sync.Mutex
	name   string
	topics []string
	err    error
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Push(ctx context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.topics = append(s.topics, ev.Topic)
	return nil
}

func (s *recordSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

func TestChannelWants(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		topic   string
		want    bool
	}{
		{"exact match", Channel{Enabled: true, Topics: []string{"job.failed"}}, "job.failed", true},
		{"exact miss", Channel{Enabled: true, Topics: []string{"job.failed"}}, "job.completed", false},
		{"category match", Channel{Enabled: true, Topics: []string{"cloud.*"}}, "cloud.spend_cap_reached", true},
		{"category miss", Channel{Enabled: true, Topics: []string{"cloud.*"}}, "job.failed", false},
		{"wildcard", Channel{Enabled: true, Topics: []string{"*"}}, "server.offline", true},
		{"disabled channel", Channel{Enabled: false, Topics: []string{"*"}}, "job.failed", false},
		{"empty allowlist", Channel{Enabled: true}, "job.failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.channel.wants(tt.topic); got != tt.want {
				t.Errorf("wants(%q) = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestDispatcherForwardsMatchingEvents(t *testing.T) {
	quiet := logging.New("test", logging.ERROR, false)
	b := bus.New(quiet)
	defer b.Close()

	d := New(b, quiet)
	failures := &recordSink{name: "failures"}
	everything := &recordSink{name: "everything"}
	d.AddChannel(&Channel{Name: "failures", Enabled: true, Topics: []string{"job.failed", "cloud.*"}, Sink: failures})
	d.AddChannel(&Channel{Name: "everything", Enabled: true, Topics: []string{"*"}, Sink: everything})
	d.Start()
	defer d.Stop()

	pushed := b.Subscribe(models.TopicNotificationPush)
	defer pushed.Close()

	b.Emit(models.TopicJobFailed, map[string]interface{}{"job_id": int64(1)})
	b.Emit(models.TopicJobCompleted, map[string]interface{}{"job_id": int64(2)})
	b.Emit(models.TopicCloudSpendCapReached, nil)

	waitFor(t, func() bool { return len(failures.got()) == 2 && len(everything.got()) == 3 })

	got := failures.got()
	if got[0] != models.TopicJobFailed || got[1] != models.TopicCloudSpendCapReached {
		t.Errorf("failures channel saw %v", got)
	}

	// Each successful push is itself announced.
	count := 0
	timeout := time.After(time.Second)
	for count < 5 {
		select {
		case <-pushed.Events():
			count++
		case <-timeout:
			t.Fatalf("saw %d notification.push events, want 5", count)
		}
	}
}

func TestDispatcherDoesNotLoopOnItsOwnEvents(t *testing.T) {
	quiet := logging.New("test", logging.ERROR, false)
	b := bus.New(quiet)
	defer b.Close()

	d := New(b, quiet)
	sink := &recordSink{name: "all"}
	d.AddChannel(&Channel{Name: "all", Enabled: true, Topics: []string{"*"}, Sink: sink})
	d.Start()
	defer d.Stop()

	b.Emit(models.TopicJobFailed, nil)
	waitFor(t, func() bool { return len(sink.got()) == 1 })

	// Give any feedback loop time to show itself.
	time.Sleep(50 * time.Millisecond)
	if got := sink.got(); len(got) != 1 {
		t.Errorf("sink saw %v, notification.push must not be re-notified", got)
	}
}

func TestDispatcherSinkFailureDoesNotAnnounce(t *testing.T) {
	quiet := logging.New("test", logging.ERROR, false)
	b := bus.New(quiet)
	defer b.Close()

	d := New(b, quiet)
	d.AddChannel(&Channel{Name: "broken", Enabled: true, Topics: []string{"*"}, Sink: &recordSink{name: "broken", err: errors.New("sink down")}})
	d.Start()
	defer d.Stop()

	pushed := b.Subscribe(models.TopicNotificationPush)
	defer pushed.Close()

	b.Emit(models.TopicJobFailed, nil)

	select {
	case <-pushed.Events():
		t.Error("failed push still emitted notification.push")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSetEnabled(t *testing.T) {
	quiet := logging.New("test", logging.ERROR, false)
	b := bus.New(quiet)
	defer b.Close()

	d := New(b, quiet)
	sink := &recordSink{name: "ops"}
	d.AddChannel(&Channel{Name: "ops", Enabled: false, Topics: []string{"*"}, Sink: sink})
	d.Start()
	defer d.Stop()

	b.Emit(models.TopicJobFailed, nil)
	time.Sleep(20 * time.Millisecond)
	if len(sink.got()) != 0 {
		t.Fatal("disabled channel received a push")
	}

	if !d.SetEnabled("ops", true) {
		t.Fatal("SetEnabled did not find the channel")
	}
	b.Emit(models.TopicJobCompleted, nil)
	waitFor(t, func() bool { return len(sink.got()) == 1 })

	if d.SetEnabled("nope", true) {
		t.Error("SetEnabled invented a channel")
	}
}

func TestWebhookSink(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []models.Event
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev models.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		mu.Lock()
		seen = append(seen, ev)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
	}))
	defer srv.Close()

	sink := NewWebhookSink("hook", srv.URL, map[string]string{"Authorization": "Bearer tok"})
	ev := models.NewEvent(models.TopicJobCompleted, map[string]interface{}{"job_id": float64(9)})
	if err := sink.Push(context.Background(), ev); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Topic != models.TopicJobCompleted {
		t.Fatalf("server saw %v", seen)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookSinkServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink("hook", srv.URL, nil)
	if err := sink.Push(context.Background(), models.NewEvent(models.TopicJobFailed, nil)); err == nil {
		t.Error("Push() succeeded against a 500")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(time.Millisecond)
	}
}
