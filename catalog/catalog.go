// Package catalog keeps a sqlite log of the scans run on a machine: when they
// ran, how many rows they took, where the peak was, and which file holds the
// data.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id       TEXT PRIMARY KEY,
	kind     TEXT NOT NULL,
	started  INTEGER NOT NULL,
	finished INTEGER,
	steps    INTEGER NOT NULL DEFAULT 0,
	peak_mm  REAL,
	file     TEXT,
	error    TEXT
);
CREATE INDEX IF NOT EXISTS runs_started ON runs (started);
`

// Run is one scan
type Run struct {
	ID       string
	Kind     string
	Started  time.Time
	Finished time.Time
	Steps    int

	// PeakMM is the stage position the delays are referenced to, if any
	PeakMM *float64

	File  string
	Error string
}

// NewRun returns a run of kind starting now with a fresh id
func NewRun(kind string) Run {
	return Run{ID: uuid.NewString(), Kind: kind, Started: time.Now()}
}

// Store is a run catalog backed by a sqlite file
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path.  ":memory:" gives a
// throwaway catalog.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// one writer; an in-memory database also lives only as long as its connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &Store{db: db}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixNano(), Valid: !t.IsZero()}
}

func nullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Record inserts or replaces run.  An empty ID is filled with a new uuid.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Started.IsZero() {
		run.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, kind, started, finished, steps, peak_mm, file, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Kind,
		run.Started.UnixNano(),
		nullTime(run.Finished),
		run.Steps,
		nullFloat64(run.PeakMM),
		nullString(run.File),
		nullString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, started, finished, steps, peak_mm, file, error
		FROM runs
		ORDER BY started DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			peak     sql.NullFloat64
			file     sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &started, &finished, &r.Steps, &peak, &file, &errText); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(0, started)
		if finished.Valid {
			r.Finished = time.Unix(0, finished.Int64)
		}
		if peak.Valid {
			p := peak.Float64
			r.PeakMM = &p
		}
		r.File = file.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
