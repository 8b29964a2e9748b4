package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fedutinova/smartlabel/internal/bus"
	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
)

// IsCancelled reports whether id was cancelled, either through a message
// this agent received or through the shared registry.
func (a *Agent) IsCancelled(ctx context.Context, id string) bool {
	if st, ok := a.seen.Peek(id); ok && st == stateCancelled {
		return true
	}
	if a.registry == nil {
		return false
	}
	j, ok, err := a.registry.Get(ctx, id)
	if err != nil {
		slog.Warn("registry lookup failed, assuming not cancelled", "job_id", id, "error", err)
		return false
	}
	if ok && j.Status == job.StatusCancelled {
		a.seen.Add(id, stateCancelled)
		return true
	}
	return false
}

// drainCancels handles every cancellation already waiting on the channel
// without blocking.
func (a *Agent) drainCancels(ctx context.Context) {
	if a.cancels == nil {
		return
	}
	for {
		msg, ok, err := a.cancels.Poll(ctx, 0)
		if err != nil || !ok {
			return
		}
		a.handleCancel(ctx, msg)
	}
}

// handleCancel records a cancellation. Only the first cancel for a job
// publishes a cancelled status; a job this agent already finished, or one
// the registry holds as terminal, is left alone.
func (a *Agent) handleCancel(ctx context.Context, msg bus.Message) {
	var c job.CancelMessage
	if err := msg.Decode(&c); err != nil {
		a.logError(ctx, "", ReasonCancelFailed, err, false)
		return
	}
	if c.JobID == "" {
		a.logError(ctx, "", ReasonCancelFailed, errors.New("cancel without job_id"), false)
		return
	}
	id := c.JobID

	switch st, _ := a.seen.Peek(id); st {
	case stateCancelled:
		slog.Debug("duplicate cancel ignored", "job_id", id, "agent", a.opts.AgentID)
		return
	case stateFinished:
		slog.Info("cancel arrived after completion, ignoring", "job_id", id, "agent", a.opts.AgentID)
		return
	}
	a.seen.Add(id, stateCancelled)

	update := job.StatusUpdate{
		JobID:     id,
		Status:    job.StatusCancelled,
		Progress:  0,
		Agent:     a.opts.AgentID,
		Timestamp: a.now(),
	}
	if a.registry != nil {
		if _, err := a.registry.Apply(ctx, update.Record()); err != nil {
			if common.IsInvalidTransition(err) {
				slog.Debug("cancel for terminal job ignored", "job_id", id, "agent", a.opts.AgentID)
				return
			}
			a.logError(ctx, id, ReasonCancelFailed, err, false)
		}
	}
	if err := a.bus.Publish(ctx, a.channels.Status(), update); err != nil {
		a.logError(ctx, id, ReasonCancelFailed, err, false)
		return
	}
	slog.Info("job cancelled", "job_id", id, "agent", a.opts.AgentID)
}
