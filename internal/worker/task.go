package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/fedutinova/smartlabel/internal/bus"
	"github.com/fedutinova/smartlabel/internal/classify"
	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/joblog"
)

var errWrongRole = errors.New("job type not served by this role")

func (a *Agent) handleTask(ctx context.Context, msg bus.Message) {
	var task job.TaskMessage
	if err := msg.Decode(&task); err != nil {
		a.logError(ctx, "", ReasonTaskDecode, err, false)
		return
	}
	if task.JobID == "" {
		a.logError(ctx, "", ReasonTaskDecode, errors.New("task without job_id"), false)
		return
	}
	a.guard(ctx, task.JobID, func() { a.process(ctx, task) })
}

func (a *Agent) process(ctx context.Context, task job.TaskMessage) {
	id := task.JobID
	role, err := bus.RoleFor(task.JobType)
	if err == nil && role != a.opts.Role {
		err = fmt.Errorf("%w: %s on %s", errWrongRole, task.JobType, a.opts.Role)
	}
	if err != nil {
		a.logError(ctx, id, ReasonUnknownJobType, err, false)
		return
	}

	a.drainCancels(ctx)
	if a.IsCancelled(ctx, id) {
		slog.Info("skipping cancelled job", "job_id", id, "agent", a.opts.AgentID)
		return
	}
	if !a.markProcessing(ctx, id, 0) {
		return
	}

	result, err := a.classify(ctx, task)
	if err != nil {
		if errors.Is(err, common.ErrJobCancelled) {
			slog.Info("job cancelled mid-flight, result discarded", "job_id", id, "agent", a.opts.AgentID)
			return
		}
		a.fail(ctx, task, err)
		return
	}

	a.drainCancels(ctx)
	if a.IsCancelled(ctx, id) {
		slog.Info("job cancelled after work finished, result discarded", "job_id", id, "agent", a.opts.AgentID)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		a.fail(ctx, task, fmt.Errorf("failed to encode result: %w", err))
		return
	}
	a.seen.Add(id, stateFinished)
	a.finish(ctx, job.CompletionMessage{
		JobID:     id,
		Status:    job.StatusCompleted,
		Agent:     a.opts.AgentID,
		Result:    data,
		Timestamp: a.now(),
	})
}

func (a *Agent) classify(ctx context.Context, task job.TaskMessage) (any, error) {
	switch task.JobType {
	case job.TypeSingle:
		var p job.SinglePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, common.ValidationError{Field: "payload", Message: err.Error()}
		}
		return a.classifier.Single(ctx, p)
	case job.TypeBatch:
		var p job.BatchPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, common.ValidationError{Field: "payload", Message: err.Error()}
		}
		return a.classifier.Batch(ctx, p, func(done, total int) bool {
			progress := float64(done) / float64(total)
			a.joblog.LogProgress(ctx, task.JobID, joblog.Entry{
				Component: component,
				Progress:  progress,
				Message:   fmt.Sprintf("%d/%d items labeled", done, total),
			})
			a.drainCancels(ctx)
			if a.IsCancelled(ctx, task.JobID) {
				return false
			}
			return a.markProcessing(ctx, task.JobID, progress)
		})
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownJobType, task.JobType)
	}
}

// markProcessing publishes a processing update and writes it through the
// registry. It returns false when the registry already holds a terminal
// status for the job.
func (a *Agent) markProcessing(ctx context.Context, id string, progress float64) bool {
	update := job.StatusUpdate{
		JobID:     id,
		Status:    job.StatusProcessing,
		Progress:  progress,
		Agent:     a.opts.AgentID,
		Timestamp: a.now(),
	}
	if a.registry != nil {
		if _, err := a.registry.Apply(ctx, update.Record()); err != nil {
			if common.IsInvalidTransition(err) {
				slog.Info("job already finished elsewhere, skipping", "job_id", id, "agent", a.opts.AgentID)
				return false
			}
			slog.Warn("failed to record progress", "job_id", id, "error", err)
		}
	}
	if err := a.bus.Publish(ctx, a.channels.Status(), update); err != nil {
		slog.Warn("failed to publish status update", "job_id", id, "error", err)
	}
	return true
}

func (a *Agent) fail(ctx context.Context, task job.TaskMessage, err error) {
	kind := failureKind(err)
	stack := string(debug.Stack())

	slog.Error("job failed", "job_id", task.JobID, "reason", ReasonTaskFailed, "kind", kind, "agent", a.opts.AgentID, "error", err)
	a.joblog.LogError(ctx, task.JobID, joblog.Entry{
		ErrorType:    kind,
		ErrorMessage: fmt.Sprintf("%s: %v", ReasonTaskFailed, err),
		Component:    component,
		StackTrace:   stack,
	})

	if !a.opts.ReportFailures || a.IsCancelled(ctx, task.JobID) {
		return
	}
	a.seen.Add(task.JobID, stateFinished)
	a.finish(ctx, job.CompletionMessage{
		JobID:  task.JobID,
		Status: job.StatusFailed,
		Agent:  a.opts.AgentID,
		Error: &job.Failure{
			Type:       kind,
			Message:    err.Error(),
			Component:  component,
			StackTrace: stack,
		},
		Timestamp: a.now(),
	})
}

// finish writes the terminal record through the registry and then
// publishes the completion. Once the registry is terminal, cancellations
// from any role are rejected by the state machine. A job the registry
// already holds as terminal gets no completion.
func (a *Agent) finish(ctx context.Context, m job.CompletionMessage) {
	if a.registry != nil {
		if _, err := a.registry.Apply(ctx, m.Record()); err != nil {
			if common.IsInvalidTransition(err) {
				slog.Info("job already terminal, completion dropped", "job_id", m.JobID, "status", m.Status, "agent", a.opts.AgentID)
				return
			}
			slog.Warn("failed to record completion", "job_id", m.JobID, "error", err)
		}
	}
	a.publishCompletion(ctx, m)
}

func (a *Agent) publishCompletion(ctx context.Context, m job.CompletionMessage) {
	if err := a.bus.Publish(ctx, a.channels.Completions(), m); err != nil {
		a.logError(ctx, m.JobID, ReasonTaskFailed, fmt.Errorf("failed to publish completion: %w", err), false)
		return
	}
	slog.Info("job completion published", "job_id", m.JobID, "status", m.Status, "agent", a.opts.AgentID)
}

func failureKind(err error) string {
	switch {
	case common.IsExhausted(err):
		return "providers_exhausted"
	case errors.Is(err, classify.ErrUnparsableLabel):
		return "unparsable_label"
	case common.IsValidation(err):
		return "invalid_payload"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "processing_error"
	}
}
