// Package history records past fleet runs in a local SQLite database so
// `squall history` can show what was provisioned, where, and when.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MachineRecord is one provisioned machine in a recorded run.
type MachineRecord struct {
	Nickname  string
	Provider  string
	Region    string
	PublicIP  string
	PublicDNS string
}

// Run is one recorded fleet run.
type Run struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Machines   []MachineRecord
}

// Store is a SQLite-backed run log.
type Store struct{ db *sql.DB }

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// RecordRun persists one finished run with its machines.
func (s *Store) RecordRun(ctx context.Context, run Run) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (started_at, finished_at, outcome) VALUES (?, ?, ?)`,
		run.StartedAt.UTC().Format(time.RFC3339), run.FinishedAt.UTC().Format(time.RFC3339), run.Outcome)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, m := range run.Machines {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO machines (run_id, nickname, provider, region, public_ip, public_dns) VALUES (?, ?, ?, ?, ?, ?)`,
			id, m.Nickname, m.Provider, m.Region, m.PublicIP, m.PublicDNS)
		if err != nil {
			return 0, fmt.Errorf("insert machine %s: %w", m.Nickname, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListRuns returns the most recent runs, newest first, with their machines.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, outcome FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Outcome); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		machines, err := s.machinesForRun(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Machines = machines
	}
	return runs, nil
}

func (s *Store) machinesForRun(ctx context.Context, runID int64) ([]MachineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nickname, provider, region, public_ip, public_dns FROM machines WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MachineRecord
	for rows.Next() {
		var m MachineRecord
		if err := rows.Scan(&m.Nickname, &m.Provider, &m.Region, &m.PublicIP, &m.PublicDNS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
