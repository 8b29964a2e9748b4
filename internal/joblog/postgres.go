package joblog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedutinova/smartlabel/internal/database"
	"github.com/jackc/pgx/v5"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_logs (
	id            BIGSERIAL PRIMARY KEY,
	job_id        TEXT        NOT NULL,
	level         TEXT        NOT NULL,
	error_type    TEXT        NOT NULL DEFAULT '',
	error_message TEXT        NOT NULL DEFAULT '',
	component     TEXT        NOT NULL DEFAULT '',
	stack_trace   TEXT        NOT NULL DEFAULT '',
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	message       TEXT        NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const indexDDL = `CREATE INDEX IF NOT EXISTS job_logs_job_id_idx ON job_logs (job_id, created_at)`

// PostgresLogger stores entries in the job_logs table.
type PostgresLogger struct {
	q            database.Querier
	writeTimeout time.Duration
}

func NewPostgresLogger(q database.Querier) *PostgresLogger {
	return &PostgresLogger{q: q, writeTimeout: 2 * time.Second}
}

// EnsureSchema creates the job_logs table and its index.
func EnsureSchema(ctx context.Context, db *database.DB) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schema); err != nil {
			return fmt.Errorf("failed to create job_logs: %w", err)
		}
		if _, err := tx.Exec(ctx, indexDDL); err != nil {
			return fmt.Errorf("failed to create job_logs index: %w", err)
		}
		return nil
	})
}

func (l *PostgresLogger) LogError(ctx context.Context, jobID string, e Entry) {
	l.insert(ctx, jobID, stamp(e, LevelError))
}

func (l *PostgresLogger) LogProgress(ctx context.Context, jobID string, e Entry) {
	l.insert(ctx, jobID, stamp(e, LevelProgress))
}

func (l *PostgresLogger) insert(ctx context.Context, jobID string, e Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()

	_, err := l.q.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, error_type, error_message, component, stack_trace, progress, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		jobID, string(e.Level), e.ErrorType, e.ErrorMessage, e.Component, e.StackTrace, e.Progress, e.Message, e.Time,
	)
	if err != nil {
		slog.Warn("failed to write job log entry", "job_id", jobID, "level", e.Level, "error", err)
	}
}

// Entries returns every entry for jobID, oldest first.
func (l *PostgresLogger) Entries(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := l.q.Query(ctx, `
		SELECT level, error_type, error_message, component, stack_trace, progress, message, created_at
		FROM job_logs WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var level string
		if err := rows.Scan(&level, &e.ErrorType, &e.ErrorMessage, &e.Component, &e.StackTrace, &e.Progress, &e.Message, &e.Time); err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		e.Level = Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}
