// Package store records classification runs and their final cell lists in
// a SQLite database.
//
// A run is created as running, and only a completed run has cells attached.
// Failed runs keep their parameters and error but never expose partial
// results.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cellfinder/internal/models"
)

// schema.sql creates the runs and cells tables
//
//go:embed schema.sql
var schemaSQL string

// Status is the lifecycle state of a run
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

var (
	// ErrRunNotFound is returned for unknown run ids
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotRunning is returned when finishing a run twice
	ErrRunNotRunning = errors.New("run is not running")

	// ErrRunIncomplete is returned when asking for the cells of a run that
	// did not complete
	ErrRunIncomplete = errors.New("run is not complete")
)

// Run is one row of the runs table
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     Status
	ParamsYAML string
	Error      string
	Summary    Summary
}

// Summary holds the cell counts of a completed run
type Summary struct {
	RawCells    int
	MergedCells int
	NonCells    int
}

// Store wraps the run database
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection also keeps :memory:
	// databases alive across calls
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db}, nil
}

// BeginRun records a new running run and returns its id
func (s *Store) BeginRun(paramsYAML []byte) (string, error) {
	id := uuid.New().String()
	_, err := s.Exec(
		`INSERT INTO runs (id, started_at, status, params_yaml) VALUES (?, ?, ?, ?)`,
		id, time.Now().UnixMilli(), StatusRunning, string(paramsYAML),
	)
	if err != nil {
		return "", fmt.Errorf("failed to begin run: %w", err)
	}
	return id, nil
}

// CompleteRun stores the final cells and marks the run complete, in one
// transaction
func (s *Store) CompleteRun(id string, cells []models.Cell, summary Summary) (err error) {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec(`
		UPDATE runs
		SET status = ?, finished_at = ?, n_raw_cells = ?, n_merged_cells = ?, n_non_cells = ?
		WHERE id = ? AND status = ?`,
		StatusComplete, time.Now().UnixMilli(),
		summary.RawCells, summary.MergedCells, summary.NonCells,
		id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if err := s.checkTransition(tx, res, id); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO cells (run_id, x, y, z, type) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cells {
		if _, err := stmt.Exec(id, c.X, c.Y, c.Z, int(c.Type)); err != nil {
			return fmt.Errorf("failed to insert cell: %w", err)
		}
	}

	return tx.Commit()
}

// FailRun marks the run failed and records the cause
func (s *Store) FailRun(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ? AND status = ?`,
		StatusFailed, time.Now().UnixMilli(), msg, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return s.checkTransition(s.DB, res, id)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// checkTransition distinguishes unknown runs from runs that already finished
func (s *Store) checkTransition(q queryRower, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status Status
	err = q.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrRunNotRunning, id, status)
}

// GetRun returns a run by id
func (s *Store) GetRun(id string) (*Run, error) {
	var (
		r          Run
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := s.QueryRow(`
		SELECT id, started_at, finished_at, status, params_yaml, error,
		       n_raw_cells, n_merged_cells, n_non_cells
		FROM runs WHERE id = ?`, id).Scan(
		&r.ID, &startedAt, &finishedAt, &r.Status, &r.ParamsYAML, &r.Error,
		&r.Summary.RawCells, &r.Summary.MergedCells, &r.Summary.NonCells,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	r.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		r.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return &r, nil
}

// RunIDs returns the ids of all recorded runs, oldest first
func (s *Store) RunIDs() ([]string, error) {
	rows, err := s.Query(`SELECT id FROM runs ORDER BY started_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Cells returns the cell list of a completed run in insertion order
func (s *Store) Cells(id string) ([]models.Cell, error) {
	run, err := s.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusComplete {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunIncomplete, id, run.Status)
	}

	rows, err := s.Query(`SELECT x, y, z, type FROM cells WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []models.Cell
	for rows.Next() {
		var (
			p    models.Point3D
			code int
		)
		if err := rows.Scan(&p.X, &p.Y, &p.Z, &code); err != nil {
			return nil, err
		}
		t, err := models.ParseCellType(code)
		if err != nil {
			return nil, err
		}
		cells = append(cells, models.NewCell(p, t))
	}
	return cells, rows.Err()
}
