//go:build sqlite
// +build sqlite

package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id   TEXT NOT NULL,
    job_name TEXT,
    started  TEXT NOT NULL,
    dur_ms   INTEGER NOT NULL,
    attempts INTEGER NOT NULL,
    outcome  TEXT NOT NULL,
    err      TEXT
);
CREATE INDEX IF NOT EXISTS runs_job_started ON runs(job_id, started);
`

type sqliteStore struct {
	db   *sql.DB
	log  zerolog.Logger
	keep int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history sqlite driver needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log, keep: cfg.Keep, pruneEvery: 500}, nil
}

func (s *sqliteStore) Append(ctx context.Context, rec Record) error {
	if rec.Started.IsZero() {
		rec.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(job_id, job_name, started, dur_ms, attempts, outcome, err)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.JobID, rec.JobName, rec.Started.Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(), rec.Attempts, rec.Outcome, nullStr(rec.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		s.prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, job_name, started, dur_ms, attempts, outcome, COALESCE(err, '')
		 FROM runs ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var started string
		var durMS int64
		if err := rows.Scan(&rec.JobID, &rec.JobName, &started, &durMS, &rec.Attempts, &rec.Outcome, &rec.Error); err != nil {
			return nil, err
		}
		rec.Started, _ = time.Parse(time.RFC3339Nano, started)
		rec.Duration = time.Duration(durMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT MAX(id) FROM runs) - ?`, s.keep)
	if err != nil {
		s.log.Warn().Err(err).Msg("history prune failed")
	}
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
