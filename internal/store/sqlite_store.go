// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/voslund/fetchd/internal/model"
)

const schemaVersion = 1

// Connection policy. WAL keeps the recovery sweeps reading while a walker
// writes; busy_timeout covers the brief write-lock contention between the
// dispatcher and the engine; foreign_keys stays on because the schema relies
// on it. The pragmas ride in the DSN so every pooled connection gets them.
const (
	busyTimeoutMs   = 10000
	maxConns        = 16
	connMaxLifetime = 30 * time.Minute
)

var dsnPragmas = []string{
	"journal_mode(WAL)",
	fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs),
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

// SQLiteStore implements StateStore on a single SQLite database.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=" + strings.Join(dsnPragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state store: open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store: ping: %w", err)
	}

	s := &SQLiteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		tmdb_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		year INTEGER,
		requested_seasons_json TEXT,
		requested_episodes_json TEXT,
		targets_json TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		media_kind TEXT NOT NULL,
		steps_json TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipeline_executions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		steps_json TEXT NOT NULL,
		context_json TEXT,
		parent_execution_id TEXT,
		episode_id TEXT,
		pause_reason TEXT,
		started_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_executions_request ON pipeline_executions(request_id, started_at_ms);
	CREATE INDEX IF NOT EXISTS idx_executions_parent ON pipeline_executions(parent_execution_id);

	CREATE TABLE IF NOT EXISTS step_executions (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		step_type TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at_ms INTEGER,
		completed_at_ms INTEGER,
		progress INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		error TEXT,
		UNIQUE(execution_id, step_order)
	);

	CREATE TABLE IF NOT EXISTS processing_items (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		type TEXT NOT NULL,
		tmdb_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT,
		step_context_json TEXT,
		download_id TEXT,
		encoding_job_id TEXT,
		source_file_path TEXT,
		cooldown_ends_ms INTEGER,
		last_error TEXT,
		updated_at_ms INTEGER NOT NULL,
		UNIQUE(request_id, type, season, episode)
	);

	CREATE INDEX IF NOT EXISTS idx_items_status ON processing_items(status);
	CREATE INDEX IF NOT EXISTS idx_items_request ON processing_items(request_id);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		torrent_hash TEXT NOT NULL UNIQUE,
		torrent_name TEXT NOT NULL,
		media_kind TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		save_path TEXT NOT NULL,
		content_path TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		completed_at_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS encoder_workers (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_jobs INTEGER NOT NULL DEFAULT 0,
		max_concurrent INTEGER NOT NULL DEFAULT 1,
		blocked_until_ms INTEGER,
		last_heartbeat_ms INTEGER NOT NULL DEFAULT 0,
		capabilities_json TEXT
	);

	CREATE TABLE IF NOT EXISTS encoder_assignments (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		encoder_id TEXT,
		status TEXT NOT NULL,
		input_path TEXT NOT NULL,
		output_path TEXT,
		config_json TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		sent_at_ms INTEGER,
		started_at_ms INTEGER,
		last_progress_ms INTEGER,
		completed_at_ms INTEGER,
		progress REAL NOT NULL DEFAULT 0,
		output_size INTEGER,
		compression_ratio REAL,
		encode_duration_ms INTEGER,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_status_sent ON encoder_assignments(status, sent_at_ms);
	CREATE INDEX IF NOT EXISTS idx_assignments_job ON encoder_assignments(job_id);

	CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		nonce BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func s2ms(sec int64) int64 {
	if sec == 0 {
		return 0
	}
	return sec * 1000
}

func ms2s(ms int64) int64 {
	if ms == 0 {
		return 0
	}
	return ms / 1000
}

func nowUnix() int64 { return time.Now().Unix() }

func marshal(v any) []byte {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

func unmarshalInto(data []byte, v any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

// --- Requests ---

const requestCols = `id, kind, tmdb_id, title, year, requested_seasons_json,
	requested_episodes_json, targets_json, status, progress, error, created_at_ms, completed_at_ms`

func (s *SQLiteStore) PutRequest(ctx context.Context, r *model.Request) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO requests (`+requestCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		progress = excluded.progress,
		error = excluded.error,
		completed_at_ms = excluded.completed_at_ms`,
		r.ID, r.Kind, r.TMDBID, r.Title, r.Year,
		marshal(r.RequestedSeasons), marshal(r.RequestedEpisodes), marshal(r.Targets),
		r.Status, r.Progress, r.Error, s2ms(r.CreatedAtUnix), s2ms(r.CompletedAtUnix))
	return err
}

func scanRequest(row interface{ Scan(...any) error }) (*model.Request, error) {
	var r model.Request
	var seasons, episodes, targets []byte
	var errMsg sql.NullString
	var createdMs, completedMs sql.NullInt64
	if err := row.Scan(&r.ID, &r.Kind, &r.TMDBID, &r.Title, &r.Year,
		&seasons, &episodes, &targets, &r.Status, &r.Progress, &errMsg,
		&createdMs, &completedMs); err != nil {
		return nil, err
	}
	unmarshalInto(seasons, &r.RequestedSeasons)
	unmarshalInto(episodes, &r.RequestedEpisodes)
	unmarshalInto(targets, &r.Targets)
	r.Error = errMsg.String
	r.CreatedAtUnix = ms2s(createdMs.Int64)
	r.CompletedAtUnix = ms2s(completedMs.Int64)
	return &r, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListRequests(ctx context.Context) ([]*model.Request, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+requestCols+` FROM requests ORDER BY created_at_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateRequest(ctx context.Context, id string, fn func(*model.Request) error) (*model.Request, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := r.Status
	if err := fn(r); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE requests SET status=?, progress=?, error=?, completed_at_ms=?
	WHERE id=? AND status=?`,
		r.Status, r.Progress, r.Error, s2ms(r.CompletedAtUnix), id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return r, tx.Commit()
}

// --- Templates ---

func (s *SQLiteStore) PutTemplate(ctx context.Context, t *model.Template) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO templates (id, name, media_kind, steps_json, created_at_ms, updated_at_ms)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		media_kind = excluded.media_kind,
		steps_json = excluded.steps_json,
		updated_at_ms = excluded.updated_at_ms`,
		t.ID, t.Name, t.MediaKind, marshal(t.Steps), s2ms(t.CreatedAtUnix), s2ms(t.UpdatedAtUnix))
	return err
}

func scanTemplate(row interface{ Scan(...any) error }) (*model.Template, error) {
	var t model.Template
	var steps []byte
	var createdMs, updatedMs int64
	if err := row.Scan(&t.ID, &t.Name, &t.MediaKind, &steps, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	unmarshalInto(steps, &t.Steps)
	t.CreatedAtUnix = ms2s(createdMs)
	t.UpdatedAtUnix = ms2s(updatedMs)
	return &t, nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, media_kind, steps_json, created_at_ms, updated_at_ms FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, media_kind, steps_json, created_at_ms, updated_at_ms FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Executions ---

const executionCols = `id, request_id, template_id, status, current_step, steps_json,
	context_json, parent_execution_id, episode_id, pause_reason, started_at_ms, completed_at_ms, error`

func (s *SQLiteStore) PutExecution(ctx context.Context, e *model.PipelineExecution) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO pipeline_executions (`+executionCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		current_step = excluded.current_step,
		context_json = excluded.context_json,
		pause_reason = excluded.pause_reason,
		completed_at_ms = excluded.completed_at_ms,
		error = excluded.error`,
		e.ID, e.RequestID, e.TemplateID, e.Status, e.CurrentStep, marshal(e.Steps),
		marshal(e.Context), e.ParentExecutionID, e.EpisodeID, string(e.PauseReason),
		s2ms(e.StartedAtUnix), s2ms(e.CompletedAtUnix), e.Error)
	return err
}

func scanExecution(row interface{ Scan(...any) error }) (*model.PipelineExecution, error) {
	var e model.PipelineExecution
	var steps, contextJSON []byte
	var parent, episode, pauseReason, errMsg sql.NullString
	var startedMs, completedMs sql.NullInt64
	if err := row.Scan(&e.ID, &e.RequestID, &e.TemplateID, &e.Status, &e.CurrentStep,
		&steps, &contextJSON, &parent, &episode, &pauseReason, &startedMs, &completedMs, &errMsg); err != nil {
		return nil, err
	}
	unmarshalInto(steps, &e.Steps)
	unmarshalInto(contextJSON, &e.Context)
	e.ParentExecutionID = parent.String
	e.EpisodeID = episode.String
	e.PauseReason = model.PauseReason(pauseReason.String)
	e.StartedAtUnix = ms2s(startedMs.Int64)
	e.CompletedAtUnix = ms2s(completedMs.Int64)
	e.Error = errMsg.String
	return &e, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.PipelineExecution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM pipeline_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) listExecutions(ctx context.Context, where string, args ...any) ([]*model.PipelineExecution, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+executionCols+` FROM pipeline_executions `+where+` ORDER BY started_at_ms`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.PipelineExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, requestID string) ([]*model.PipelineExecution, error) {
	if requestID == "" {
		return s.listExecutions(ctx, "")
	}
	return s.listExecutions(ctx, "WHERE request_id = ?", requestID)
}

func (s *SQLiteStore) ListChildExecutions(ctx context.Context, parentID string) ([]*model.PipelineExecution, error) {
	return s.listExecutions(ctx, "WHERE parent_execution_id = ?", parentID)
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, fn func(*model.PipelineExecution) error) (*model.PipelineExecution, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+executionCols+` FROM pipeline_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := e.Status
	if err := fn(e); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE pipeline_executions SET status=?, current_step=?, context_json=?,
		pause_reason=?, completed_at_ms=?, error=?
	WHERE id=? AND status=?`,
		e.Status, e.CurrentStep, marshal(e.Context), string(e.PauseReason),
		s2ms(e.CompletedAtUnix), e.Error, id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return e, tx.Commit()
}

// --- Step executions ---

const stepCols = `id, execution_id, step_order, step_type, name, status,
	started_at_ms, completed_at_ms, progress, output, error`

func (s *SQLiteStore) CreateStepExecutions(ctx context.Context, rows []*model.StepExecution) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO step_executions (`+stepCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, se := range rows {
		if _, err := stmt.ExecContext(ctx, se.ID, se.ExecutionID, se.StepOrder, se.StepType,
			se.Name, se.Status, s2ms(se.StartedAtUnix), s2ms(se.CompletedAtUnix),
			se.Progress, se.Output, se.Error); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
	}
	return tx.Commit()
}

func scanStep(row interface{ Scan(...any) error }) (*model.StepExecution, error) {
	var se model.StepExecution
	var startedMs, completedMs sql.NullInt64
	var output, errMsg sql.NullString
	if err := row.Scan(&se.ID, &se.ExecutionID, &se.StepOrder, &se.StepType, &se.Name,
		&se.Status, &startedMs, &completedMs, &se.Progress, &output, &errMsg); err != nil {
		return nil, err
	}
	se.StartedAtUnix = ms2s(startedMs.Int64)
	se.CompletedAtUnix = ms2s(completedMs.Int64)
	se.Output = output.String
	se.Error = errMsg.String
	return &se, nil
}

func (s *SQLiteStore) ListStepExecutions(ctx context.Context, executionID string) ([]*model.StepExecution, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+stepCols+` FROM step_executions WHERE execution_id = ? ORDER BY step_order`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.StepExecution
	for rows.Next() {
		se, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimStep(ctx context.Context, executionID string, stepOrder int, startedAtUnix int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
	UPDATE step_executions SET status = ?, started_at_ms = ?
	WHERE execution_id = ? AND step_order = ? AND status = ?`,
		model.StepRunning, s2ms(startedAtUnix), executionID, stepOrder, model.StepPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) UpdateStepExecution(ctx context.Context, executionID string, stepOrder int, fn func(*model.StepExecution) error) (*model.StepExecution, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+stepCols+` FROM step_executions WHERE execution_id = ? AND step_order = ?`,
		executionID, stepOrder)
	se, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := se.Status
	if err := fn(se); err != nil {
		return nil, err
	}
	// Terminal states are monotonic.
	if prev.IsTerminal() && se.Status != prev {
		return nil, ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE step_executions SET status=?, started_at_ms=?, completed_at_ms=?, progress=?, output=?, error=?
	WHERE execution_id=? AND step_order=? AND status=?`,
		se.Status, s2ms(se.StartedAtUnix), s2ms(se.CompletedAtUnix), se.Progress, se.Output, se.Error,
		executionID, stepOrder, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return se, tx.Commit()
}

var _ StateStore = (*SQLiteStore)(nil)
