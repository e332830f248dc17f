package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	command_id  TEXT NOT NULL,
	command     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	args        TEXT NOT NULL DEFAULT '{}',
	output      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	exit_code   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
`

// sqliteTimeFormat is fixed width so that text ordering matches time ordering.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps the snapshot in an SQLite table. Each Save replaces the table contents in one transaction.
type SQLiteStore struct {
	db *sqlx.DB
}

func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating %q: %w", filepath.Dir(path), err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// one writer at a time; the persister is the only caller anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type recordRow struct {
	ID         string         `db:"id"`
	CommandID  string         `db:"command_id"`
	Command    string         `db:"command"`
	Status     string         `db:"status"`
	Args       string         `db:"args"`
	Output     string         `db:"output"`
	Error      string         `db:"error"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
	ExitCode   sql.NullInt64  `db:"exit_code"`
}

func toRow(r Record) (recordRow, error) {
	args, err := json.Marshal(r.Args)
	if err != nil {
		return recordRow{}, fmt.Errorf("encoding args of %s: %w", r.ID, err)
	}
	row := recordRow{
		ID:        r.ID,
		CommandID: r.CommandID,
		Command:   r.Command,
		Status:    string(r.Status),
		Args:      string(args),
		Output:    r.Output,
		Error:     r.Error,
		StartedAt: r.StartedAt.UTC().Format(sqliteTimeFormat),
	}
	if r.FinishedAt != nil {
		row.FinishedAt = sql.NullString{String: r.FinishedAt.UTC().Format(sqliteTimeFormat), Valid: true}
	}
	if r.ExitCode != nil {
		row.ExitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	return row, nil
}

func (row recordRow) record() (Record, error) {
	r := Record{
		ID:        row.ID,
		CommandID: row.CommandID,
		Command:   row.Command,
		Status:    Status(row.Status),
		Output:    row.Output,
		Error:     row.Error,
	}
	if err := json.Unmarshal([]byte(row.Args), &r.Args); err != nil {
		return Record{}, fmt.Errorf("decoding args of %s: %w", row.ID, err)
	}
	started, err := time.Parse(time.RFC3339Nano, row.StartedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing started_at of %s: %w", row.ID, err)
	}
	r.StartedAt = started
	if row.FinishedAt.Valid {
		finished, err := time.Parse(time.RFC3339Nano, row.FinishedAt.String)
		if err != nil {
			return Record{}, fmt.Errorf("parsing finished_at of %s: %w", row.ID, err)
		}
		r.FinishedAt = &finished
	}
	if row.ExitCode.Valid {
		r.ExitCode = IntPtr(int(row.ExitCode.Int64))
	}
	return r, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM executions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("selecting executions: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *SQLiteStore) Save(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM executions`); err != nil {
		return fmt.Errorf("clearing executions: %w", err)
	}
	for _, r := range records {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO executions (id, command_id, command, status, args, output, error, started_at, finished_at, exit_code)
			VALUES (:id, :command_id, :command, :status, :args, :output, :error, :started_at, :finished_at, :exit_code)
		`, row)
		if err != nil {
			return fmt.Errorf("inserting execution %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing executions: %w", err)
	}
	return nil
}
