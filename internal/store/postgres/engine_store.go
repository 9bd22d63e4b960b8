// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/store"
)

// dbPool is the subset of pgxpool.Pool the stores need; pgxmock satisfies
// it in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// EngineStore implements the session, batch, task and resume stores.
type EngineStore struct {
	pool dbPool
}

// NewEngineStore connects a pool for the given DSN.
func NewEngineStore(ctx context.Context, dsn string) (*EngineStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &EngineStore{pool: pool}, nil
}

// NewEngineStoreWithPool constructs a store from an existing pool,
// primarily for testing.
func NewEngineStoreWithPool(pool dbPool) (*EngineStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EngineStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *EngineStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping probes backing-store connectivity for the operation queue.
func (s *EngineStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *EngineStore) CreateSession(ctx context.Context, session gallery.ScrapeSession) error {
	snapshot, err := json.Marshal(session.SitemapSnapshot)
	if err != nil {
		return fmt.Errorf("marshal sitemap snapshot: %w", err)
	}
	captureCfg, err := json.Marshal(session.Capture)
	if err != nil {
		return fmt.Errorf("marshal capture config: %w", err)
	}
	poolCfg, err := json.Marshal(session.Pool)
	if err != nil {
		return fmt.Errorf("marshal pool config: %w", err)
	}
	query := `
		INSERT INTO scrape_sessions (
			id, session_type, status,
			total, processed, succeeded, failed, skipped,
			batch_size, total_batches, current_batch,
			sitemap_snapshot, capture_config, pool_config,
			error_text, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16);
	`
	_, err = s.pool.Exec(ctx, query,
		session.ID, session.Type, session.Status,
		session.Counters.Total, session.Counters.Processed,
		session.Counters.Succeeded, session.Counters.Failed, session.Counters.Skipped,
		session.BatchSize, session.TotalBatches, session.CurrentBatch,
		snapshot, captureCfg, poolCfg,
		session.ErrorText, session.Created,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, session_type, status,
	total, processed, succeeded, failed, skipped,
	batch_size, total_batches, current_batch,
	sitemap_snapshot, capture_config, pool_config,
	error_text, created_at, started_at, paused_at, resumed_at, completed_at`

func scanSession(row pgx.Row) (gallery.ScrapeSession, error) {
	var (
		session    gallery.ScrapeSession
		snapshot   []byte
		captureCfg []byte
		poolCfg    []byte
	)
	err := row.Scan(
		&session.ID, &session.Type, &session.Status,
		&session.Counters.Total, &session.Counters.Processed,
		&session.Counters.Succeeded, &session.Counters.Failed, &session.Counters.Skipped,
		&session.BatchSize, &session.TotalBatches, &session.CurrentBatch,
		&snapshot, &captureCfg, &poolCfg,
		&session.ErrorText, &session.Created,
		&session.Started, &session.Paused, &session.Resumed, &session.Completed,
	)
	if err != nil {
		return gallery.ScrapeSession{}, err
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &session.SitemapSnapshot); err != nil {
			return gallery.ScrapeSession{}, fmt.Errorf("unmarshal sitemap snapshot: %w", err)
		}
	}
	if len(captureCfg) > 0 {
		if err := json.Unmarshal(captureCfg, &session.Capture); err != nil {
			return gallery.ScrapeSession{}, fmt.Errorf("unmarshal capture config: %w", err)
		}
	}
	if len(poolCfg) > 0 {
		if err := json.Unmarshal(poolCfg, &session.Pool); err != nil {
			return gallery.ScrapeSession{}, fmt.Errorf("unmarshal pool config: %w", err)
		}
	}
	return session, nil
}

// GetSession fetches one session by ID.
func (s *EngineStore) GetSession(ctx context.Context, id string) (gallery.ScrapeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM scrape_sessions WHERE id = $1;`
	session, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gallery.ScrapeSession{}, store.ErrNotFound
		}
		return gallery.ScrapeSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ActiveSession returns the single non-terminal session, if any.
func (s *EngineStore) ActiveSession(ctx context.Context) (gallery.ScrapeSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM scrape_sessions
		WHERE status IN ('pending','running','paused')
		ORDER BY created_at DESC
		LIMIT 1;`
	session, err := scanSession(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gallery.ScrapeSession{}, store.ErrNotFound
		}
		return gallery.ScrapeSession{}, fmt.Errorf("get active session: %w", err)
	}
	return session, nil
}

// UpdateSessionStatus applies a status transition and stamps the matching
// lifecycle timestamp.
func (s *EngineStore) UpdateSessionStatus(
	ctx context.Context,
	id string,
	status gallery.SessionStatus,
	errText string,
) error {
	query := `
		UPDATE scrape_sessions SET
			status = $2,
			error_text = $3,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			resumed_at = CASE WHEN $2 = 'running' AND status = 'paused' THEN NOW() ELSE resumed_at END,
			paused_at = CASE WHEN $2 = 'paused' THEN NOW() ELSE paused_at END,
			completed_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN NOW() ELSE completed_at END
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id, status, errText)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateSessionProgress writes counters and the current batch index.
func (s *EngineStore) UpdateSessionProgress(
	ctx context.Context,
	id string,
	counters gallery.SessionCounters,
	currentBatch int,
) error {
	if !counters.Consistent() {
		return fmt.Errorf("session %s: inconsistent counters %+v", id, counters)
	}
	query := `
		UPDATE scrape_sessions SET
			total = $2, processed = $3, succeeded = $4, failed = $5, skipped = $6,
			current_batch = $7
		WHERE id = $1 AND $7 <= total_batches;
	`
	tag, err := s.pool.Exec(ctx, query,
		id, counters.Total, counters.Processed,
		counters.Succeeded, counters.Failed, counters.Skipped,
		currentBatch,
	)
	if err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateBatches inserts batch rows.
func (s *EngineStore) CreateBatches(ctx context.Context, batches []gallery.ScrapeBatch) error {
	query := `
		INSERT INTO scrape_batches (id, session_id, batch_number, status, total)
		VALUES ($1,$2,$3,$4,$5);
	`
	for _, b := range batches {
		if _, err := s.pool.Exec(ctx, query, b.ID, b.SessionID, b.Number, b.Status, b.Counters.Total); err != nil {
			return fmt.Errorf("insert batch %d: %w", b.Number, err)
		}
	}
	return nil
}

// ListBatches returns a session's batches ordered by batch number.
func (s *EngineStore) ListBatches(ctx context.Context, sessionID string) ([]gallery.ScrapeBatch, error) {
	query := `
		SELECT id, session_id, batch_number, status,
			total, processed, succeeded, failed, skipped,
			started_at, finished_at
		FROM scrape_batches
		WHERE session_id = $1
		ORDER BY batch_number;
	`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []gallery.ScrapeBatch
	for rows.Next() {
		var b gallery.ScrapeBatch
		err := rows.Scan(
			&b.ID, &b.SessionID, &b.Number, &b.Status,
			&b.Counters.Total, &b.Counters.Processed,
			&b.Counters.Succeeded, &b.Counters.Failed, &b.Counters.Skipped,
			&b.Started, &b.Finished,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatch replaces a batch's mutable columns.
func (s *EngineStore) UpdateBatch(ctx context.Context, batch gallery.ScrapeBatch) error {
	query := `
		UPDATE scrape_batches SET
			status = $2,
			total = $3, processed = $4, succeeded = $5, failed = $6, skipped = $7,
			started_at = $8, finished_at = $9
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		batch.ID, batch.Status,
		batch.Counters.Total, batch.Counters.Processed,
		batch.Counters.Succeeded, batch.Counters.Failed, batch.Counters.Skipped,
		batch.Started, batch.Finished,
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateTasks inserts task rows.
func (s *EngineStore) CreateTasks(ctx context.Context, tasks []gallery.TemplateTask) error {
	query := `
		INSERT INTO template_tasks (
			id, batch_id, session_id, source_url, slug, name, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7);
	`
	for _, t := range tasks {
		if _, err := s.pool.Exec(ctx, query,
			t.ID, t.BatchID, t.SessionID, t.SourceURL, t.Slug, t.Name, t.Status,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.Slug, err)
		}
	}
	return nil
}

// ListTasks returns a batch's tasks in creation order.
func (s *EngineStore) ListTasks(ctx context.Context, batchID string) ([]gallery.TemplateTask, error) {
	query := `
		SELECT id, batch_id, session_id, source_url, slug, name, detail_url,
			status, phase_started_at, phase_duration_ms, retries, error_text, record_id
		FROM template_tasks
		WHERE batch_id = $1
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []gallery.TemplateTask
	for rows.Next() {
		var t gallery.TemplateTask
		var durationMs int64
		err := rows.Scan(
			&t.ID, &t.BatchID, &t.SessionID, &t.SourceURL, &t.Slug, &t.Name, &t.DetailURL,
			&t.Status, &t.PhaseStarted, &durationMs, &t.Retries, &t.ErrorText, &t.RecordID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.PhaseDuration = msToDuration(durationMs)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask replaces a task's mutable columns.
func (s *EngineStore) UpdateTask(ctx context.Context, task gallery.TemplateTask) error {
	query := `
		UPDATE template_tasks SET
			slug = $2, name = $3, detail_url = $4, status = $5, phase_started_at = $6,
			phase_duration_ms = $7, retries = $8, error_text = $9, record_id = $10
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query,
		task.ID, task.Slug, task.Name, task.DetailURL, task.Status, task.PhaseStarted,
		task.PhaseDuration.Milliseconds(), task.Retries, task.ErrorText, task.RecordID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveResumePoint upserts the session checkpoint.
func (s *EngineStore) SaveResumePoint(ctx context.Context, point gallery.ResumePoint) error {
	remaining, err := json.Marshal(point.RemainingURLs)
	if err != nil {
		return fmt.Errorf("marshal remaining urls: %w", err)
	}
	query := `
		INSERT INTO session_resume_points (
			session_id, last_batch_id, last_task_id, remaining_urls, payload, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id) DO UPDATE SET
			last_batch_id = EXCLUDED.last_batch_id,
			last_task_id = EXCLUDED.last_task_id,
			remaining_urls = EXCLUDED.remaining_urls,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at;
	`
	_, err = s.pool.Exec(ctx, query,
		point.SessionID, point.LastBatchID, point.LastTaskID,
		remaining, point.Payload, point.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save resume point: %w", err)
	}
	return nil
}

// GetResumePoint fetches the session checkpoint.
func (s *EngineStore) GetResumePoint(ctx context.Context, sessionID string) (gallery.ResumePoint, error) {
	query := `
		SELECT session_id, last_batch_id, last_task_id, remaining_urls, payload, updated_at
		FROM session_resume_points
		WHERE session_id = $1;
	`
	var point gallery.ResumePoint
	var remaining []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&point.SessionID, &point.LastBatchID, &point.LastTaskID,
		&remaining, &point.Payload, &point.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gallery.ResumePoint{}, store.ErrNotFound
		}
		return gallery.ResumePoint{}, fmt.Errorf("get resume point: %w", err)
	}
	if len(remaining) > 0 {
		if err := json.Unmarshal(remaining, &point.RemainingURLs); err != nil {
			return gallery.ResumePoint{}, fmt.Errorf("unmarshal remaining urls: %w", err)
		}
	}
	return point, nil
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
