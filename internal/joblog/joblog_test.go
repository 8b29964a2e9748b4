package joblog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	l.LogError(context.Background(), "job-1", ErrorEntry("worker", "task_failed", errors.New("boom"), false))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "task_failed", rec["error_type"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "worker", rec["source"])
	assert.NotContains(t, rec, "stack")
}

func TestErrorEntry_Stack(t *testing.T) {
	e := ErrorEntry("worker", "panic", errors.New("x"), true)
	assert.Equal(t, LevelError, e.Level)
	assert.Contains(t, e.StackTrace, "goroutine")
}

type recorder struct {
	errors   []string
	progress []float64
}

func (r *recorder) LogError(_ context.Context, id string, e Entry) {
	r.errors = append(r.errors, id+":"+e.ErrorType)
}

func (r *recorder) LogProgress(_ context.Context, id string, e Entry) {
	r.progress = append(r.progress, e.Progress)
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, b, Nop{}}

	m.LogError(context.Background(), "j", Entry{ErrorType: "task_failed"})
	m.LogProgress(context.Background(), "j", Entry{Progress: 0.5})

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []string{"j:task_failed"}, r.errors)
		assert.Equal(t, []float64{0.5}, r.progress)
	}
}

type failingQuerier struct {
	calls int
}

func (f *failingQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	f.calls++
	return pgconn.CommandTag{}, errors.New("connection refused")
}

func (f *failingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("connection refused")
}

func (f *failingQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestPostgresLogger_SwallowsWriteFailures(t *testing.T) {
	q := &failingQuerier{}
	l := NewPostgresLogger(q)

	assert.NotPanics(t, func() {
		l.LogError(context.Background(), "job-1", Entry{ErrorType: "task_failed"})
		l.LogProgress(context.Background(), "job-1", Entry{Progress: 0.2})
	})
	assert.Equal(t, 2, q.calls)

	_, err := l.Entries(context.Background(), "job-1")
	assert.Error(t, err)
}
