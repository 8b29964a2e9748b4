// Package joblog records structured error and progress entries per job.
// Loggers never return errors to the caller; a failed write is reported
// through slog and dropped.
package joblog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

type Level string

const (
	LevelError    Level = "error"
	LevelProgress Level = "progress"
)

type Entry struct {
	Level        Level     `json:"level"`
	ErrorType    string    `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Component    string    `json:"component,omitempty"`
	StackTrace   string    `json:"stack_trace,omitempty"`
	Progress     float64   `json:"progress,omitempty"`
	Message      string    `json:"message,omitempty"`
	Time         time.Time `json:"time"`
}

type Logger interface {
	LogError(ctx context.Context, jobID string, e Entry)
	LogProgress(ctx context.Context, jobID string, e Entry)
}

// ErrorEntry builds an error entry for err tagged with a reason code.
// withStack captures the current goroutine stack.
func ErrorEntry(component, reason string, err error, withStack bool) Entry {
	e := Entry{
		Level:        LevelError,
		ErrorType:    reason,
		ErrorMessage: fmt.Sprint(err),
		Component:    component,
	}
	if withStack {
		e.StackTrace = string(debug.Stack())
	}
	return e
}

func stamp(e Entry, l Level) Entry {
	e.Level = l
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// SlogLogger writes entries as structured slog records.
type SlogLogger struct {
	log *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{log: l.With("component", "joblog")}
}

func (l *SlogLogger) LogError(ctx context.Context, jobID string, e Entry) {
	e = stamp(e, LevelError)
	attrs := []any{
		"job_id", jobID,
		"error_type", e.ErrorType,
		"error", e.ErrorMessage,
		"source", e.Component,
	}
	if e.StackTrace != "" {
		attrs = append(attrs, "stack", e.StackTrace)
	}
	l.log.ErrorContext(ctx, "job error", attrs...)
}

func (l *SlogLogger) LogProgress(ctx context.Context, jobID string, e Entry) {
	e = stamp(e, LevelProgress)
	l.log.InfoContext(ctx, "job progress",
		"job_id", jobID,
		"progress", e.Progress,
		"message", e.Message,
		"source", e.Component,
	)
}

// Multi fans every entry out to all loggers.
type Multi []Logger

func (m Multi) LogError(ctx context.Context, jobID string, e Entry) {
	for _, l := range m {
		l.LogError(ctx, jobID, e)
	}
}

func (m Multi) LogProgress(ctx context.Context, jobID string, e Entry) {
	for _, l := range m {
		l.LogProgress(ctx, jobID, e)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) LogError(context.Context, string, Entry)    {}
func (Nop) LogProgress(context.Context, string, Entry) {}
