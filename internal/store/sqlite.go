package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sudankdk/ctfcheck/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    challenge    TEXT NOT NULL,
    image        TEXT NOT NULL,
    container_id TEXT,
    ready        INTEGER NOT NULL,
    passed       INTEGER NOT NULL,
    error        TEXT,
    tests        TEXT NOT NULL,
    started_at   DATETIME NOT NULL,
    finished_at  DATETIME NOT NULL
)`

const selectRun = `SELECT id, challenge, image, container_id, ready, passed,
	error, tests, started_at, finished_at FROM runs`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the
// schema if needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveReport inserts r, replacing any earlier report with the same ID.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *model.Report) error {
	tests, err := json.Marshal(r.Tests)
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (
			id, challenge, image, container_id, ready, passed,
			error, tests, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Challenge, r.Image, r.ContainerID, r.Ready, r.Passed,
		r.Error, string(tests), r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, selectRun+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, limit, offset int) ([]*model.Report, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectRun+" ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	reports := []*model.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return reports, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*model.Report, error) {
	var (
		r           model.Report
		containerID sql.NullString
		errMsg      sql.NullString
		tests       string
	)
	if err := row.Scan(
		&r.ID, &r.Challenge, &r.Image, &containerID, &r.Ready, &r.Passed,
		&errMsg, &tests, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.ContainerID = containerID.String
	r.Error = errMsg.String
	if err := json.Unmarshal([]byte(tests), &r.Tests); err != nil {
		return nil, fmt.Errorf("decode tests of %s: %w", r.ID, err)
	}
	return &r, nil
}
