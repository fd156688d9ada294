// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/voslund/fetchd/internal/model"
)

// --- Encoder workers ---

const workerCols = `id, status, current_jobs, max_concurrent, blocked_until_ms,
	last_heartbeat_ms, capabilities_json`

func (s *SQLiteStore) PutWorker(ctx context.Context, w *model.EncoderWorker) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO encoder_workers (`+workerCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		current_jobs = excluded.current_jobs,
		max_concurrent = excluded.max_concurrent,
		blocked_until_ms = excluded.blocked_until_ms,
		last_heartbeat_ms = excluded.last_heartbeat_ms,
		capabilities_json = excluded.capabilities_json`,
		w.ID, w.Status, w.CurrentJobs, w.MaxConcurrent, s2ms(w.BlockedUntilUnix),
		s2ms(w.LastHeartbeatUnix), marshal(w.Capabilities))
	return err
}

func scanWorker(row interface{ Scan(...any) error }) (*model.EncoderWorker, error) {
	var w model.EncoderWorker
	var blockedMs, heartbeatMs sql.NullInt64
	var caps []byte
	if err := row.Scan(&w.ID, &w.Status, &w.CurrentJobs, &w.MaxConcurrent,
		&blockedMs, &heartbeatMs, &caps); err != nil {
		return nil, err
	}
	w.BlockedUntilUnix = ms2s(blockedMs.Int64)
	w.LastHeartbeatUnix = ms2s(heartbeatMs.Int64)
	unmarshalInto(caps, &w.Capabilities)
	return &w, nil
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.EncoderWorker, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+workerCols+` FROM encoder_workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.EncoderWorker, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+workerCols+` FROM encoder_workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.EncoderWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, id string, fn func(*model.EncoderWorker) error) (*model.EncoderWorker, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+workerCols+` FROM encoder_workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := w.Status
	if err := fn(w); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE encoder_workers SET status=?, current_jobs=?, max_concurrent=?,
		blocked_until_ms=?, last_heartbeat_ms=?, capabilities_json=?
	WHERE id=? AND status=?`,
		w.Status, w.CurrentJobs, w.MaxConcurrent, s2ms(w.BlockedUntilUnix),
		s2ms(w.LastHeartbeatUnix), marshal(w.Capabilities), id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return w, tx.Commit()
}

func (s *SQLiteStore) MarkAllWorkersOffline(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE encoder_workers SET status = ?, current_jobs = 0 WHERE status != ?`,
		model.WorkerOffline, model.WorkerOffline)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Encoder assignments ---

const assignmentCols = `id, job_id, encoder_id, status, input_path, output_path,
	config_json, attempt, max_attempts, sent_at_ms, started_at_ms, last_progress_ms,
	completed_at_ms, progress, output_size, compression_ratio, encode_duration_ms, error`

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *model.EncoderAssignment) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// At most one non-terminal assignment per job at any instant.
	var existing int
	err = tx.QueryRowContext(ctx, `
	SELECT COUNT(1) FROM encoder_assignments
	WHERE job_id = ? AND status NOT IN (?, ?)`,
		a.JobID, model.AssignmentCompleted, model.AssignmentFailed).Scan(&existing)
	if err != nil {
		return err
	}
	if existing > 0 {
		return ErrDuplicate
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO encoder_assignments (`+assignmentCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.EncoderID, a.Status, a.InputPath, a.OutputPath,
		marshal(a.Config), a.Attempt, a.MaxAttempts, s2ms(a.SentAtUnix),
		s2ms(a.StartedAtUnix), s2ms(a.LastProgressUnix), s2ms(a.CompletedAtUnix),
		a.Progress, a.OutputSize, a.CompressionRatio, a.EncodeDurationMs, a.Error)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanAssignment(row interface{ Scan(...any) error }) (*model.EncoderAssignment, error) {
	var a model.EncoderAssignment
	var encoderID, outputPath, errMsg sql.NullString
	var config []byte
	var sentMs, startedMs, progressMs, completedMs, outputSize, durationMs sql.NullInt64
	var ratio sql.NullFloat64
	if err := row.Scan(&a.ID, &a.JobID, &encoderID, &a.Status, &a.InputPath, &outputPath,
		&config, &a.Attempt, &a.MaxAttempts, &sentMs, &startedMs, &progressMs,
		&completedMs, &a.Progress, &outputSize, &ratio, &durationMs, &errMsg); err != nil {
		return nil, err
	}
	a.EncoderID = encoderID.String
	a.OutputPath = outputPath.String
	a.Error = errMsg.String
	unmarshalInto(config, &a.Config)
	a.SentAtUnix = ms2s(sentMs.Int64)
	a.StartedAtUnix = ms2s(startedMs.Int64)
	a.LastProgressUnix = ms2s(progressMs.Int64)
	a.CompletedAtUnix = ms2s(completedMs.Int64)
	a.OutputSize = outputSize.Int64
	a.CompressionRatio = ratio.Float64
	a.EncodeDurationMs = durationMs.Int64
	return &a, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*model.EncoderAssignment, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM encoder_assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) ActiveAssignmentByJob(ctx context.Context, jobID string) (*model.EncoderAssignment, error) {
	row := s.DB.QueryRowContext(ctx, `
	SELECT `+assignmentCols+` FROM encoder_assignments
	WHERE job_id = ? AND status NOT IN (?, ?)`,
		jobID, model.AssignmentCompleted, model.AssignmentFailed)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) ActiveAssignmentByInput(ctx context.Context, inputPath string) (*model.EncoderAssignment, error) {
	row := s.DB.QueryRowContext(ctx, `
	SELECT `+assignmentCols+` FROM encoder_assignments
	WHERE input_path = ? AND status NOT IN (?, ?)
	ORDER BY sent_at_ms LIMIT 1`,
		inputPath, model.AssignmentCompleted, model.AssignmentFailed)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) listAssignments(ctx context.Context, where string, args ...any) ([]*model.EncoderAssignment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+assignmentCols+` FROM encoder_assignments `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.EncoderAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAssignmentsByStatus(ctx context.Context, status model.AssignmentStatus) ([]*model.EncoderAssignment, error) {
	// Insertion order, so the scheduler picks the earliest-queued job first.
	return s.listAssignments(ctx,
		"WHERE status = ? ORDER BY rowid", status)
}

func (s *SQLiteStore) ListActiveAssignmentsByEncoder(ctx context.Context, encoderID string) ([]*model.EncoderAssignment, error) {
	return s.listAssignments(ctx,
		"WHERE encoder_id = ? AND status NOT IN (?, ?)",
		encoderID, model.AssignmentCompleted, model.AssignmentFailed)
}

func (s *SQLiteStore) UpdateAssignment(ctx context.Context, id string, fn func(*model.EncoderAssignment) error) (*model.EncoderAssignment, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM encoder_assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := a.Status
	if err := fn(a); err != nil {
		return nil, err
	}
	if prev.IsTerminal() && a.Status != prev {
		return nil, ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE encoder_assignments SET encoder_id=?, status=?, output_path=?, attempt=?,
		sent_at_ms=?, started_at_ms=?, last_progress_ms=?, completed_at_ms=?,
		progress=?, output_size=?, compression_ratio=?, encode_duration_ms=?, error=?
	WHERE id=? AND status=?`,
		a.EncoderID, a.Status, a.OutputPath, a.Attempt,
		s2ms(a.SentAtUnix), s2ms(a.StartedAtUnix), s2ms(a.LastProgressUnix), s2ms(a.CompletedAtUnix),
		a.Progress, a.OutputSize, a.CompressionRatio, a.EncodeDurationMs, a.Error, id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return a, tx.Commit()
}

func (s *SQLiteStore) ResetAssignedToPending(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
	UPDATE encoder_assignments SET status = ?, sent_at_ms = NULL, encoder_id = NULL
	WHERE status = ?`,
		model.AssignmentPending, model.AssignmentAssigned)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
