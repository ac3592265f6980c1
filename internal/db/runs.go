package db

import (
	"context"
	"fmt"
)

// Run records the outcome of one `cogrepo sync` invocation.
type Run struct {
	ID         string `json:"id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Archives   int    `json:"archives"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Malformed  int    `json:"malformed"`
	DryRun     bool   `json:"dry_run"`
	Error      string `json:"error,omitempty"`
}

// InsertRun stores r.
func (db *DB) InsertRun(ctx context.Context, r Run) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.writer.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, started_at, finished_at, archives, processed,
			failed, skipped, malformed, dry_run, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt, r.FinishedAt, r.Archives, r.Processed,
		r.Failed, r.Skipped, r.Malformed, r.DryRun, r.Error)
	if err != nil {
		return fmt.Errorf("inserting sync run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns the latest sync runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, started_at, finished_at, archives, processed,
			failed, skipped, malformed, dry_run, error
		FROM sync_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.StartedAt, &r.FinishedAt, &r.Archives,
			&r.Processed, &r.Failed, &r.Skipped, &r.Malformed,
			&r.DryRun, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
