// Package db is the SQLite catalog of enriched conversations. It
// mirrors the JSONL output in a queryable form for `cogrepo recent`,
// `cogrepo search` and `cogrepo status`, and keeps a history of
// sync runs.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    internal_id         TEXT PRIMARY KEY,
    source              TEXT NOT NULL,
    external_id         TEXT NOT NULL,
    archive             TEXT NOT NULL DEFAULT '',
    fingerprint         TEXT NOT NULL DEFAULT '',
    title               TEXT NOT NULL DEFAULT '',
    original_title      TEXT NOT NULL DEFAULT '',
    summary_abstractive TEXT NOT NULL DEFAULT '',
    summary_extractive  TEXT NOT NULL DEFAULT '',
    primary_domain      TEXT NOT NULL DEFAULT '',
    score               REAL NOT NULL DEFAULT 0,
    tags                TEXT NOT NULL DEFAULT '[]',
    key_insights        TEXT NOT NULL DEFAULT '[]',
    message_count       INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT,
    processed_at        TEXT NOT NULL,
    enriched            INTEGER NOT NULL DEFAULT 0,
    UNIQUE (source, external_id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_processed
    ON conversations(processed_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_fingerprint
    ON conversations(fingerprint);

CREATE TABLE IF NOT EXISTS messages (
    id              INTEGER PRIMARY KEY,
    conversation_id TEXT NOT NULL
        REFERENCES conversations(internal_id) ON DELETE CASCADE,
    ordinal         INTEGER NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    timestamp       TEXT,
    UNIQUE (conversation_id, ordinal)
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id          TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    archives    INTEGER NOT NULL DEFAULT 0,
    processed   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    malformed   INTEGER NOT NULL DEFAULT 0,
    dry_run     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);
`

const schemaFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS conversations_fts USING fts5(
    title,
    summary,
    tags,
    content='',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS conversations_ai AFTER INSERT ON conversations BEGIN
    INSERT INTO conversations_fts(rowid, title, summary, tags)
        VALUES (new.rowid, new.title, new.summary_abstractive, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS conversations_ad AFTER DELETE ON conversations BEGIN
    INSERT INTO conversations_fts(conversations_fts, rowid, title, summary, tags)
        VALUES('delete', old.rowid, old.title, old.summary_abstractive, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS conversations_au AFTER UPDATE ON conversations BEGIN
    INSERT INTO conversations_fts(conversations_fts, rowid, title, summary, tags)
        VALUES('delete', old.rowid, old.title, old.summary_abstractive, old.tags);
    INSERT INTO conversations_fts(rowid, title, summary, tags)
        VALUES (new.rowid, new.title, new.summary_abstractive, new.tags);
END;
`

// DB manages a write connection and a read-only pool.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-16000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens the catalog at path with separate writer
// and reader connections.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	db := &DB{writer: writer, reader: reader}
	if err := db.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return db, nil
}

// HasFTS reports whether full-text search is available. The fts5
// module is only present when go-sqlite3 is built with the
// sqlite_fts5 tag.
func (db *DB) HasFTS() bool {
	_, err := db.reader.Exec("SELECT 1 FROM conversations_fts LIMIT 1")
	return err == nil
}

// ensureColumn adds a column if it doesn't already exist.
func (db *DB) ensureColumn(
	table, column, definition string,
) error {
	var count int
	err := db.writer.QueryRow(
		fmt.Sprintf(
			"SELECT count(*) FROM pragma_table_info('%s')"+
				" WHERE name='%s'",
			table, column,
		),
	).Scan(&count)
	if err != nil {
		return fmt.Errorf(
			"checking column %s.%s: %w", table, column, err,
		)
	}
	if count > 0 {
		return nil
	}
	_, err = db.writer.Exec(fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s",
		table, column, definition,
	))
	return err
}

func (db *DB) init() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.writer.Exec(schemaSQL); err != nil {
		return err
	}

	var ftsCount int
	if err := db.writer.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='conversations_fts'",
	).Scan(&ftsCount); err != nil {
		return fmt.Errorf("checking fts table: %w", err)
	}
	hadFTS := ftsCount > 0

	// FTS is optional; only a missing module is tolerated.
	if _, err := db.writer.Exec(schemaFTS); err != nil {
		if !strings.Contains(err.Error(), "no such module") {
			return fmt.Errorf("initializing FTS: %w", err)
		}
	} else if !hadFTS {
		if _, err := db.writer.Exec(`
			INSERT INTO conversations_fts(rowid, title, summary, tags)
			SELECT rowid, title, summary_abstractive, tags
			FROM conversations`); err != nil {
			return fmt.Errorf("backfilling FTS: %w", err)
		}
	}

	// Added after the first catalog release.
	if err := db.ensureColumn(
		"conversations", "model", "TEXT NOT NULL DEFAULT ''",
	); err != nil {
		return fmt.Errorf("adding model column: %w", err)
	}
	return nil
}

// Close closes both writer and reader connections.
func (db *DB) Close() error {
	return errors.Join(db.writer.Close(), db.reader.Close())
}

// Update executes fn within a write lock and transaction.
// The transaction is committed if fn returns nil, rolled back
// otherwise.
func (db *DB) Update(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.writer.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Reader returns the read-only connection pool.
func (db *DB) Reader() *sql.DB {
	return db.reader
}
