// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/voslund/fetchd/internal/model"
)

// --- Processing items ---

const itemCols = `id, request_id, type, tmdb_id, title, season, episode, status,
	progress, current_step, step_context_json, download_id, encoding_job_id,
	source_file_path, cooldown_ends_ms, last_error, updated_at_ms`

func (s *SQLiteStore) PutItem(ctx context.Context, it *model.ProcessingItem) error {
	if it.UpdatedAtUnix == 0 {
		it.UpdatedAtUnix = nowUnix()
	}
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO processing_items (`+itemCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.RequestID, it.Type, it.TMDBID, it.Title, it.Season, it.Episode,
		it.Status, it.Progress, it.CurrentStep, marshal(it.StepContext),
		it.DownloadID, it.EncodingJobID, it.SourceFilePath,
		s2ms(it.CooldownEndsUnix), it.LastError, s2ms(it.UpdatedAtUnix))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanItem(row interface{ Scan(...any) error }) (*model.ProcessingItem, error) {
	var it model.ProcessingItem
	var stepCtx []byte
	var currentStep, downloadID, jobID, sourcePath, lastError sql.NullString
	var cooldownMs, updatedMs sql.NullInt64
	if err := row.Scan(&it.ID, &it.RequestID, &it.Type, &it.TMDBID, &it.Title,
		&it.Season, &it.Episode, &it.Status, &it.Progress, &currentStep, &stepCtx,
		&downloadID, &jobID, &sourcePath, &cooldownMs, &lastError, &updatedMs); err != nil {
		return nil, err
	}
	unmarshalInto(stepCtx, &it.StepContext)
	it.CurrentStep = currentStep.String
	it.DownloadID = downloadID.String
	it.EncodingJobID = jobID.String
	it.SourceFilePath = sourcePath.String
	it.LastError = lastError.String
	it.CooldownEndsUnix = ms2s(cooldownMs.Int64)
	it.UpdatedAtUnix = ms2s(updatedMs.Int64)
	return &it, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.ProcessingItem, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemCols+` FROM processing_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) FindItem(ctx context.Context, key ItemKey) (*model.ProcessingItem, error) {
	row := s.DB.QueryRowContext(ctx, `
	SELECT `+itemCols+` FROM processing_items
	WHERE request_id = ? AND type = ? AND season = ? AND episode = ?`,
		key.RequestID, key.Type, key.Season, key.Episode)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *SQLiteStore) listItems(ctx context.Context, where string, args ...any) ([]*model.ProcessingItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+itemCols+` FROM processing_items `+where+` ORDER BY season, episode`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ProcessingItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListItemsByRequest(ctx context.Context, requestID string) ([]*model.ProcessingItem, error) {
	return s.listItems(ctx, "WHERE request_id = ?", requestID)
}

func (s *SQLiteStore) ListItemsByStatus(ctx context.Context, status model.ItemStatus) ([]*model.ProcessingItem, error) {
	return s.listItems(ctx, "WHERE status = ?", status)
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, id string, fn func(*model.ProcessingItem) error) (*model.ProcessingItem, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM processing_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := it.Status
	if err := fn(it); err != nil {
		return nil, err
	}
	it.UpdatedAtUnix = nowUnix()

	res, err := tx.ExecContext(ctx, `
	UPDATE processing_items SET status=?, progress=?, current_step=?, step_context_json=?,
		download_id=?, encoding_job_id=?, source_file_path=?, cooldown_ends_ms=?,
		last_error=?, updated_at_ms=?
	WHERE id=? AND status=?`,
		it.Status, it.Progress, it.CurrentStep, marshal(it.StepContext),
		it.DownloadID, it.EncodingJobID, it.SourceFilePath, s2ms(it.CooldownEndsUnix),
		it.LastError, s2ms(it.UpdatedAtUnix), id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return it, tx.Commit()
}

// --- Downloads ---

const downloadCols = `id, request_id, torrent_hash, torrent_name, media_kind,
	status, progress, save_path, content_path, size, completed_at_ms`

func (s *SQLiteStore) PutDownload(ctx context.Context, d *model.Download) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO downloads (`+downloadCols+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		progress = excluded.progress,
		content_path = excluded.content_path,
		size = excluded.size,
		completed_at_ms = excluded.completed_at_ms`,
		d.ID, d.RequestID, d.TorrentHash, d.TorrentName, d.MediaKind,
		d.Status, d.Progress, d.SavePath, d.ContentPath, d.Size, s2ms(d.CompletedAtUnix))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanDownload(row interface{ Scan(...any) error }) (*model.Download, error) {
	var d model.Download
	var contentPath sql.NullString
	var completedMs sql.NullInt64
	if err := row.Scan(&d.ID, &d.RequestID, &d.TorrentHash, &d.TorrentName, &d.MediaKind,
		&d.Status, &d.Progress, &d.SavePath, &contentPath, &d.Size, &completedMs); err != nil {
		return nil, err
	}
	d.ContentPath = contentPath.String
	d.CompletedAtUnix = ms2s(completedMs.Int64)
	return &d, nil
}

func (s *SQLiteStore) GetDownload(ctx context.Context, id string) (*model.Download, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+downloadCols+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLiteStore) GetDownloadByHash(ctx context.Context, torrentHash string) (*model.Download, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+downloadCols+` FROM downloads WHERE torrent_hash = ?`, torrentHash)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLiteStore) ListDownloads(ctx context.Context) ([]*model.Download, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+downloadCols+` FROM downloads`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateDownload(ctx context.Context, id string, fn func(*model.Download) error) (*model.Download, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+downloadCols+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prev := d.Status
	if err := fn(d); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE downloads SET status=?, progress=?, content_path=?, size=?, completed_at_ms=?
	WHERE id=? AND status=?`,
		d.Status, d.Progress, d.ContentPath, d.Size, s2ms(d.CompletedAtUnix), id, prev)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	return d, tx.Commit()
}
