package models

import "time"

// BenchmarkStatus is the lifecycle of a network measurement run
type BenchmarkStatus string

const (
	BenchmarkStatusPending   BenchmarkStatus = "pending"
	BenchmarkStatusRunning   BenchmarkStatus = "running"
	BenchmarkStatusCompleted BenchmarkStatus = "completed"
	BenchmarkStatusFailed    BenchmarkStatus = "failed"
)

// Benchmark is a point-in-time network measurement for a worker. Created
// only by the scheduler's benchmark trigger and read-only everywhere else.
type Benchmark struct {
	ID           int64           `json:"id"`
	WorkerID     int64           `json:"worker_id"`
	UploadMbps   float64         `json:"upload_mbps,omitempty"`
	DownloadMbps float64         `json:"download_mbps,omitempty"`
	LatencyMS    float64         `json:"latency_ms,omitempty"`
	TestBytes    int64           `json:"test_bytes"`
	Status       BenchmarkStatus `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
