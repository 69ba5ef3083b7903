package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/loyalty-engine/generic"
)

// =============================================================================
// SYNC RUN LOG
// =============================================================================

// SaveRun inserts the run or replaces its mutable columns.
func (s *Store) SaveRun(ctx context.Context, r generic.SyncRun) error {
	var details sql.NullString
	if len(r.Failures) > 0 {
		b, err := json.Marshal(r.Failures)
		if err != nil {
			return fmt.Errorf("encode run failures: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	var from, to sql.NullString
	if r.Window != nil {
		from = sql.NullString{String: formatTime(r.Window.From), Valid: true}
		to = sql.NullString{String: formatTime(r.Window.To), Valid: true}
	}

	_, err := s.exec(ctx, `
		INSERT INTO sync_runs (id, kind, status, started_at, finished_at, window_from, window_to, endpoint,
			pages, processed, succeeded, failed, created, updated, unchanged, ledger_applied,
			error_message, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			pages = excluded.pages,
			processed = excluded.processed,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			created = excluded.created,
			updated = excluded.updated,
			unchanged = excluded.unchanged,
			ledger_applied = excluded.ledger_applied,
			error_message = excluded.error_message,
			error_details = excluded.error_details`,
		r.ID, string(r.Kind), string(r.Status), formatTime(r.StartedAt), formatTimePtr(r.FinishedAt),
		from, to, r.Endpoint,
		r.Pages, r.Processed, r.Succeeded, r.Failed, r.Created, r.Updated, r.Unchanged, r.LedgerApplied,
		r.ErrorMessage, details)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns run-log rows, newest first.
func (s *Store) RecentRuns(ctx context.Context, f generic.RunFilter) ([]generic.SyncRun, error) {
	query := `
		SELECT id, kind, status, started_at, finished_at, window_from, window_to, endpoint,
			pages, processed, succeeded, failed, created, updated, unchanged, ledger_applied,
			error_message, error_details
		FROM sync_runs WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, formatTime(*f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []generic.SyncRun
	for rows.Next() {
		var r generic.SyncRun
		var kind, status, startedAt string
		var finishedAt, from, to, details sql.NullString
		if err := rows.Scan(&r.ID, &kind, &status, &startedAt, &finishedAt, &from, &to, &r.Endpoint,
			&r.Pages, &r.Processed, &r.Succeeded, &r.Failed, &r.Created, &r.Updated, &r.Unchanged,
			&r.LedgerApplied, &r.ErrorMessage, &details); err != nil {
			return nil, err
		}
		r.Kind = generic.SyncKind(kind)
		r.Status = generic.RunStatus(status)
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
			return nil, err
		}
		if from.Valid && to.Valid {
			var w generic.Window
			if w.From, err = parseTime(from.String); err != nil {
				return nil, err
			}
			if w.To, err = parseTime(to.String); err != nil {
				return nil, err
			}
			r.Window = &w
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &r.Failures); err != nil {
				return nil, fmt.Errorf("decode failures of run %s: %w", r.ID, err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
