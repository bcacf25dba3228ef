package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/transcodefarm/farmd/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store.
// WAL plus a single writer connection keeps SQLITE_BUSY out of the
// scheduler's hot path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		media_item_id INTEGER,
		params TEXT,
		effective_params TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		preset_id INTEGER,
		status TEXT NOT NULL,
		status_detail TEXT NOT NULL DEFAULT '',
		progress_percent REAL NOT NULL DEFAULT 0,
		current_fps REAL NOT NULL DEFAULT 0,
		eta_seconds INTEGER NOT NULL DEFAULT 0,
		worker_id INTEGER,
		slot_held INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		episode INTEGER NOT NULL DEFAULT 0,
		gpu_fallback_stage INTEGER NOT NULL DEFAULT 0,
		validation_status TEXT,
		source_path TEXT NOT NULL,
		source_size INTEGER NOT NULL DEFAULT 0,
		output_path TEXT NOT NULL DEFAULT '',
		output_size INTEGER NOT NULL DEFAULT 0,
		cloud_cost_usd REAL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		state_transitions TEXT
	);

	CREATE TABLE IF NOT EXISTS workers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		hostname TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		credential_ref TEXT NOT NULL DEFAULT '',
		work_dir TEXT NOT NULL DEFAULT '',
		path_mappings TEXT,
		cpu_model TEXT NOT NULL DEFAULT '',
		cpu_cores INTEGER NOT NULL DEFAULT 0,
		gpu_model TEXT NOT NULL DEFAULT '',
		hw_accels TEXT,
		max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		active_jobs INTEGER NOT NULL DEFAULT 0,
		cpu_load REAL NOT NULL DEFAULT 0,
		gpu_load REAL NOT NULL DEFAULT 0,
		last_heartbeat DATETIME,
		performance_score REAL NOT NULL DEFAULT 0,
		last_benchmark_at DATETIME,
		upload_mbps REAL NOT NULL DEFAULT 0,
		download_mbps REAL NOT NULL DEFAULT 0,
		cloud TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS benchmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id INTEGER NOT NULL,
		upload_mbps REAL NOT NULL DEFAULT 0,
		download_mbps REAL NOT NULL DEFAULT 0,
		latency_ms REAL NOT NULL DEFAULT 0,
		test_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(status, priority DESC, created_at);
	CREATE INDEX IF NOT EXISTS idx_benchmarks_worker ON benchmarks(worker_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, media_item_id, params, effective_params, priority, preset_id, status,
	status_detail, progress_percent, current_fps, eta_seconds, worker_id, retry_count,
	max_retries, episode, gpu_fallback_stage, validation_status, source_path, source_size,
	output_path, output_size, cloud_cost_usd, created_at, updated_at, started_at,
	completed_at, state_transitions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job            models.Job
		mediaItemID    sql.NullInt64
		presetID       sql.NullInt64
		workerID       sql.NullInt64
		cloudCost      sql.NullFloat64
		validation     sql.NullString
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		paramsJSON     sql.NullString
		effectiveJSON  sql.NullString
		transitionJSON sql.NullString
	)

	err := row.Scan(&job.ID, &mediaItemID, &paramsJSON, &effectiveJSON, &job.Priority,
		&presetID, &job.Status, &job.StatusDetail, &job.ProgressPercent, &job.CurrentFPS,
		&job.ETASeconds, &workerID, &job.RetryCount, &job.MaxRetries, &job.Episode,
		&job.GPUFallbackStage, &validation, &job.SourcePath, &job.SourceSize,
		&job.OutputPath, &job.OutputSize, &cloudCost, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt, &transitionJSON)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if mediaItemID.Valid {
		job.MediaItemID = &mediaItemID.Int64
	}
	if presetID.Valid {
		job.PresetID = &presetID.Int64
	}
	if workerID.Valid {
		job.WorkerID = &workerID.Int64
	}
	if cloudCost.Valid {
		job.CloudCostUSD = &cloudCost.Float64
	}
	if validation.Valid {
		job.ValidationStatus = &validation.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if effectiveJSON.Valid && effectiveJSON.String != "" {
		if err := json.Unmarshal([]byte(effectiveJSON.String), &job.EffectiveParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal effective params: %w", err)
		}
	}
	if transitionJSON.Valid && transitionJSON.String != "" {
		if err := json.Unmarshal([]byte(transitionJSON.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state transitions: %w", err)
		}
	}
	return &job, nil
}

func marshalOrNull(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Job operations

func (s *SQLiteStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	paramsJSON, err := marshalOrNull(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	effectiveJSON, err := marshalOrNull(job.EffectiveParams)
	if err != nil {
		return fmt.Errorf("failed to marshal effective params: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO jobs (media_item_id, params, effective_params, priority, preset_id,
			status, status_detail, worker_id, retry_count, max_retries, episode,
			gpu_fallback_stage, source_path, source_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullableInt(job.MediaItemID), paramsJSON, effectiveJSON, job.Priority,
		nullableInt(job.PresetID), string(job.Status), job.StatusDetail,
		job.RetryCount, job.MaxRetries, job.Episode, job.GPUFallbackStage,
		job.SourcePath, job.SourceSize, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	job.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetJob(id int64) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ?
		ORDER BY priority DESC, created_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows), nil
}

func (s *SQLiteStore) GetJobsByWorker(workerID int64, states ...models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE worker_id = ?`
	args := []interface{}{workerID}
	if len(states) > 0 {
		query += ` AND status IN (?` + repeat(",?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows), nil
}

func collectJobs(rows *sql.Rows) []*models.Job {
	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func (s *SQLiteStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := marshalOrNull(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	effectiveJSON, err := marshalOrNull(job.EffectiveParams)
	if err != nil {
		return fmt.Errorf("failed to marshal effective params: %w", err)
	}

	// Status is deliberately absent: TransitionJobState owns it.
	res, err := s.db.Exec(`
		UPDATE jobs SET media_item_id = ?, params = ?, effective_params = ?, priority = ?,
			preset_id = ?, status_detail = ?, retry_count = ?, max_retries = ?, episode = ?,
			gpu_fallback_stage = ?, validation_status = ?, source_path = ?, source_size = ?,
			output_path = ?, output_size = ?, cloud_cost_usd = ?, updated_at = ?
		WHERE id = ?
	`, nullableInt(job.MediaItemID), paramsJSON, effectiveJSON, job.Priority,
		nullableInt(job.PresetID), job.StatusDetail, job.RetryCount, job.MaxRetries,
		job.Episode, job.GPUFallbackStage, nullableStr(job.ValidationStatus),
		job.SourcePath, job.SourceSize, job.OutputPath, job.OutputSize,
		nullableFloat(job.CloudCostUSD), time.Now(), job.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrJobNotFound)
}

func (s *SQLiteStore) DeleteJob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrJobNotFound)
}

// TransitionJobState performs a validated state transition inside a
// transaction, appending to the audit trail. Idempotent on same-state.
func (s *SQLiteStore) TransitionJobState(id int64, to models.JobStatus, detail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	var transitionsJSON sql.NullString
	err = tx.QueryRow(`SELECT status, state_transitions FROM jobs WHERE id = ?`, id).
		Scan(&currentStatus, &transitionsJSON)
	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get job state: %w", err)
	}

	from := models.JobStatus(currentStatus)
	if from == to {
		return false, nil
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}

	var transitions []models.StateTransition
	if transitionsJSON.Valid && transitionsJSON.String != "" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &transitions); err != nil {
			transitions = nil
		}
	}
	now := time.Now()
	transitions = append(transitions, models.StateTransition{
		From: from, To: to, Timestamp: now, Reason: detail,
	})
	newTransitions, err := json.Marshal(transitions)
	if err != nil {
		return false, fmt.Errorf("marshal transitions: %w", err)
	}

	query := `UPDATE jobs SET status = ?, state_transitions = ?, updated_at = ?`
	args := []interface{}{string(to), string(newTransitions), now}
	if detail != "" {
		query += `, status_detail = ?`
		args = append(args, detail)
	}
	switch to {
	case models.JobStatusTransferring:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case models.JobStatusCompleted:
		query += `, completed_at = ?`
		args = append(args, now)
	case models.JobStatusQueued:
		// Re-entering the queue starts a fresh attempt; the
		// progress baseline resets with it.
		query += `, progress_percent = 0, current_fps = 0, eta_seconds = 0`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.Exec(query, args...); err != nil {
		return false, fmt.Errorf("update job state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) UpdateJobProgress(id int64, episode int, percent, fps float64, etaSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var jobEpisode int
	var current float64
	err = tx.QueryRow(`SELECT status, episode, progress_percent FROM jobs WHERE id = ?`, id).
		Scan(&status, &jobEpisode, &current)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}

	if models.JobStatus(status) != models.JobStatusTranscoding {
		return ErrNotTranscoding
	}
	if episode != jobEpisode {
		// Stale report from a previous attempt.
		return nil
	}
	if percent < current {
		return ErrProgressRegression
	}

	_, err = tx.Exec(`UPDATE jobs SET progress_percent = ?, current_fps = ?, eta_seconds = ?,
		updated_at = ? WHERE id = ?`, percent, fps, etaSeconds, time.Now(), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimWorkerSlot is the atomic commit point of select-and-claim: the job
// binds to the worker and the worker slot count increments in one
// transaction, guarded against over-subscription.
func (s *SQLiteStore) ClaimWorkerSlot(jobID, workerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var currentWorker sql.NullInt64
	err = tx.QueryRow(`SELECT status, worker_id FROM jobs WHERE id = ?`, jobID).
		Scan(&status, &currentWorker)
	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}
	if models.JobStatus(status) != models.JobStatusQueued || currentWorker.Valid {
		return false, nil
	}

	res, err := tx.Exec(`UPDATE workers SET active_jobs = active_jobs + 1
		WHERE id = ? AND enabled = 1 AND active_jobs < max_concurrent_jobs`, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM workers WHERE id = ?`, workerID).Scan(&exists); err == nil && exists == 0 {
			return false, ErrWorkerNotFound
		}
		return false, nil
	}

	_, err = tx.Exec(`UPDATE jobs SET worker_id = ?, slot_held = 1, updated_at = ? WHERE id = ?`,
		workerID, time.Now(), jobID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) ReleaseWorkerSlot(jobID int64, unbind bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var workerID sql.NullInt64
	var slotHeld int
	err = tx.QueryRow(`SELECT worker_id, slot_held FROM jobs WHERE id = ?`, jobID).
		Scan(&workerID, &slotHeld)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}

	if workerID.Valid && slotHeld == 1 {
		_, err = tx.Exec(`UPDATE workers SET active_jobs = MAX(active_jobs - 1, 0) WHERE id = ?`,
			workerID.Int64)
		if err != nil {
			return err
		}
	}

	query := `UPDATE jobs SET slot_held = 0, updated_at = ?`
	args := []interface{}{time.Now()}
	if unbind {
		query += `, worker_id = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)
	if _, err := tx.Exec(query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// Worker operations

func (s *SQLiteStore) CreateWorker(w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	if w.Kind != models.WorkerKindCloud {
		w.Cloud = nil
	}

	mappings, err := marshalOrNull(w.PathMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal path mappings: %w", err)
	}
	accels, err := marshalOrNull(w.HWAccels)
	if err != nil {
		return fmt.Errorf("failed to marshal hw accels: %w", err)
	}
	cloud, err := marshalOrNull(w.Cloud)
	if err != nil {
		return fmt.Errorf("failed to marshal cloud meta: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO workers (name, kind, enabled, hostname, port, credential_ref, work_dir,
			path_mappings, cpu_model, cpu_cores, gpu_model, hw_accels, max_concurrent_jobs,
			status, active_jobs, cpu_load, gpu_load, last_heartbeat, performance_score,
			last_benchmark_at, upload_mbps, download_mbps, cloud, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.Name, string(w.Kind), w.Enabled, w.Hostname, w.Port, w.CredentialRef, w.WorkDir,
		mappings, w.CPUModel, w.CPUCores, w.GPUModel, accels, w.MaxConcurrentJobs,
		string(w.Status), w.ActiveJobs, w.CPULoad, w.GPULoad, nullableTime(w.LastHeartbeat),
		w.PerformanceScore, nullableTimePtr(w.LastBenchmarkAt), w.UploadMbps, w.DownloadMbps,
		cloud, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

const workerColumns = `id, name, kind, enabled, hostname, port, credential_ref, work_dir,
	path_mappings, cpu_model, cpu_cores, gpu_model, hw_accels, max_concurrent_jobs, status,
	active_jobs, cpu_load, gpu_load, last_heartbeat, performance_score, last_benchmark_at,
	upload_mbps, download_mbps, cloud, created_at`

func scanWorker(row rowScanner) (*models.Worker, error) {
	var (
		w             models.Worker
		kind          string
		status        string
		mappingsJSON  sql.NullString
		accelsJSON    sql.NullString
		cloudJSON     sql.NullString
		lastHeartbeat sql.NullTime
		lastBenchmark sql.NullTime
	)

	err := row.Scan(&w.ID, &w.Name, &kind, &w.Enabled, &w.Hostname, &w.Port, &w.CredentialRef,
		&w.WorkDir, &mappingsJSON, &w.CPUModel, &w.CPUCores, &w.GPUModel, &accelsJSON,
		&w.MaxConcurrentJobs, &status, &w.ActiveJobs, &w.CPULoad, &w.GPULoad, &lastHeartbeat,
		&w.PerformanceScore, &lastBenchmark, &w.UploadMbps, &w.DownloadMbps, &cloudJSON,
		&w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}

	w.Kind = models.WorkerKind(kind)
	w.Status = models.WorkerStatus(status)
	if lastHeartbeat.Valid {
		w.LastHeartbeat = lastHeartbeat.Time
	}
	if lastBenchmark.Valid {
		w.LastBenchmarkAt = &lastBenchmark.Time
	}
	if mappingsJSON.Valid && mappingsJSON.String != "" {
		if err := json.Unmarshal([]byte(mappingsJSON.String), &w.PathMappings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal path mappings: %w", err)
		}
	}
	if accelsJSON.Valid && accelsJSON.String != "" {
		if err := json.Unmarshal([]byte(accelsJSON.String), &w.HWAccels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hw accels: %w", err)
		}
	}
	if cloudJSON.Valid && cloudJSON.String != "" {
		if err := json.Unmarshal([]byte(cloudJSON.String), &w.Cloud); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cloud meta: %w", err)
		}
	}
	return &w, nil
}

func (s *SQLiteStore) GetWorker(id int64) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func (s *SQLiteStore) GetAllWorkers() []*models.Worker {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	workers := []*models.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers
}

func (s *SQLiteStore) UpdateWorker(w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.Kind != models.WorkerKindCloud {
		w.Cloud = nil
	}
	mappings, err := marshalOrNull(w.PathMappings)
	if err != nil {
		return fmt.Errorf("failed to marshal path mappings: %w", err)
	}
	accels, err := marshalOrNull(w.HWAccels)
	if err != nil {
		return fmt.Errorf("failed to marshal hw accels: %w", err)
	}
	cloud, err := marshalOrNull(w.Cloud)
	if err != nil {
		return fmt.Errorf("failed to marshal cloud meta: %w", err)
	}

	// active_jobs is deliberately absent: the claim discipline owns it.
	res, err := s.db.Exec(`
		UPDATE workers SET name = ?, kind = ?, enabled = ?, hostname = ?, port = ?,
			credential_ref = ?, work_dir = ?, path_mappings = ?, cpu_model = ?, cpu_cores = ?,
			gpu_model = ?, hw_accels = ?, max_concurrent_jobs = ?, status = ?, cpu_load = ?,
			gpu_load = ?, performance_score = ?, last_benchmark_at = ?, upload_mbps = ?,
			download_mbps = ?, cloud = ?
		WHERE id = ?
	`, w.Name, string(w.Kind), w.Enabled, w.Hostname, w.Port, w.CredentialRef, w.WorkDir,
		mappings, w.CPUModel, w.CPUCores, w.GPUModel, accels, w.MaxConcurrentJobs,
		string(w.Status), w.CPULoad, w.GPULoad, w.PerformanceScore,
		nullableTimePtr(w.LastBenchmarkAt), w.UploadMbps, w.DownloadMbps, cloud, w.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrWorkerNotFound)
}

func (s *SQLiteStore) UpdateWorkerStatus(id int64, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE workers SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrWorkerNotFound)
}

func (s *SQLiteStore) UpdateWorkerHeartbeat(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrWorkerNotFound)
}

func (s *SQLiteStore) DeleteWorker(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrWorkerNotFound)
}

// Benchmark operations

func (s *SQLiteStore) CreateBenchmark(b *models.Benchmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO benchmarks (worker_id, upload_mbps, download_mbps, latency_ms, test_bytes,
			status, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.WorkerID, b.UploadMbps, b.DownloadMbps, b.LatencyMS, b.TestBytes, string(b.Status),
		b.Error, b.CreatedAt, nullableTimePtr(b.StartedAt), nullableTimePtr(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert benchmark: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateBenchmark(b *models.Benchmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE benchmarks SET upload_mbps = ?, download_mbps = ?, latency_ms = ?, test_bytes = ?,
			status = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`, b.UploadMbps, b.DownloadMbps, b.LatencyMS, b.TestBytes, string(b.Status), b.Error,
		nullableTimePtr(b.StartedAt), nullableTimePtr(b.CompletedAt), b.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrBenchmarkNotFound)
}

func (s *SQLiteStore) LatestBenchmark(workerID int64) (*models.Benchmark, error) {
	var (
		b           models.Benchmark
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := s.db.QueryRow(`
		SELECT id, worker_id, upload_mbps, download_mbps, latency_ms, test_bytes, status, error,
			created_at, started_at, completed_at
		FROM benchmarks WHERE worker_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, workerID, string(models.BenchmarkStatusCompleted)).
		Scan(&b.ID, &b.WorkerID, &b.UploadMbps, &b.DownloadMbps, &b.LatencyMS, &b.TestBytes,
			&status, &b.Error, &b.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBenchmarkNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.BenchmarkStatus(status)
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}

func (s *SQLiteStore) GetWorkerHistory(workerID int64) (*WorkerHistory, error) {
	h := &WorkerHistory{}
	err := s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN current_fps END), 0)
		FROM jobs WHERE worker_id = ?
	`, workerID).Scan(&h.Completed, &h.Failed, &h.AvgFPS)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Lifecycle

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// nullable helpers

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
