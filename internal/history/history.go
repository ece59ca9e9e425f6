// Package history persists completed measurement runs in a local sqlite
// database and exports them for offline analysis.
package history

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NodePath81/edgeprobe/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	at            TEXT NOT NULL,
	meas_id       TEXT NOT NULL,
	base_url      TEXT NOT NULL,
	server        TEXT,
	download_mbps REAL,
	upload_mbps   REAL,
	idle_median_ms REAL,
	idle_loss     REAL,
	result        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_at ON runs(at);
`

// Store is a sqlite-backed archive of run results.
type Store struct {
	db *sql.DB
}

// Entry is one archived run.
type Entry struct {
	ID     int64
	At     string
	Result model.RunResult
}

// Open creates or opens the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save archives one run. The full result is stored as JSON alongside a few
// indexed columns for querying.
func (s *Store) Save(ctx context.Context, res *model.RunResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	at := res.TimestampUTC
	if at == "" {
		at = model.NewTimestamp(time.Now())
	}
	var idleMedian any
	if res.IdleLatency.MedianMs != nil {
		idleMedian = *res.IdleLatency.MedianMs
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(at, meas_id, base_url, server, download_mbps, upload_mbps, idle_median_ms, idle_loss, result)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		at, res.MeasID, res.BaseURL, res.Server,
		res.Download.Mbps, res.Upload.Mbps, idleMedian, res.IdleLatency.Loss, string(raw),
	)
	return err
}

// Recent returns up to n archived runs, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, result FROM runs ORDER BY at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var raw string
		if err := rows.Scan(&e.ID, &e.At, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Result); err != nil {
			return nil, fmt.Errorf("decode run %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExportJSON writes all archived runs to w as a JSON array, newest first.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) error {
	entries, err := s.Recent(ctx, -1)
	if err != nil {
		return err
	}
	results := make([]model.RunResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, e.Result)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// ExportCSV writes one summary row per archived run.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer) error {
	entries, err := s.Recent(ctx, -1)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"timestamp_utc", "meas_id", "server",
		"download_mbps", "upload_mbps", "idle_median_ms", "idle_loss",
	}); err != nil {
		return err
	}
	for _, e := range entries {
		res := e.Result
		median := ""
		if res.IdleLatency.MedianMs != nil {
			median = strconv.FormatFloat(*res.IdleLatency.MedianMs, 'f', 3, 64)
		}
		row := []string{
			res.TimestampUTC, res.MeasID, res.Server,
			strconv.FormatFloat(res.Download.Mbps, 'f', 3, 64),
			strconv.FormatFloat(res.Upload.Mbps, 'f', 3, 64),
			median,
			strconv.FormatFloat(res.IdleLatency.Loss, 'f', 4, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
