package models

import "testing"

func TestWorkerMapPath(t *testing.T) {
	w := &Worker{
		PathMappings: []PathMapping{
			{SourcePrefix: "/mnt/media", TargetPrefix: "/tank/media"},
			{SourcePrefix: "/mnt", TargetPrefix: "/other"},
		},
	}

	tests := []struct {
		in      string
		want    string
		matched bool
	}{
		{"/mnt/media/movies/a.mkv", "/tank/media/movies/a.mkv", true},
		{"/mnt/tv/b.mkv", "/other/tv/b.mkv", true}, // first matching prefix wins, in table order
		{"/srv/video/c.mkv", "/srv/video/c.mkv", false},
	}

	for _, tt := range tests {
		got, ok := w.MapPath(tt.in)
		if got != tt.want || ok != tt.matched {
			t.Errorf("MapPath(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.matched)
		}
	}
}

func TestWorkerSchedulable(t *testing.T) {
	tests := []struct {
		name string
		w    Worker
		want bool
	}{
		{"online ssh", Worker{Kind: WorkerKindSSH, Enabled: true, Status: WorkerStatusOnline}, true},
		{"offline local", Worker{Kind: WorkerKindLocal, Enabled: true, Status: WorkerStatusOffline}, true},
		{"disabled online", Worker{Kind: WorkerKindSSH, Enabled: false, Status: WorkerStatusOnline}, false},
		{"offline ssh", Worker{Kind: WorkerKindSSH, Enabled: true, Status: WorkerStatusOffline}, false},
		{"active cloud", Worker{Kind: WorkerKindCloud, Enabled: true, Status: WorkerStatusOnline,
			Cloud: &CloudMeta{Lifecycle: CloudLifecycleActive}}, true},
		{"destroying cloud", Worker{Kind: WorkerKindCloud, Enabled: true, Status: WorkerStatusOnline,
			Cloud: &CloudMeta{Lifecycle: CloudLifecycleDestroying}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Schedulable(); got != tt.want {
				t.Errorf("Schedulable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopicCategory(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"job.progress", "job"},
		{"cloud.deploy_progress", "cloud"},
		{"health", "health"},
		{"a.b.c", "a"},
	}
	for _, tt := range tests {
		if got := TopicCategory(tt.topic); got != tt.want {
			t.Errorf("TopicCategory(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
