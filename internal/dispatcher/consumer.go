package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedutinova/smartlabel/internal/bus"
	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/registry"
	"github.com/fedutinova/smartlabel/internal/storage"
)

type ConsumerOptions struct {
	PollTimeout  time.Duration
	PollInterval time.Duration
}

// StatusConsumer folds completion messages and status updates into the
// registry. Every write goes through registry.Apply, so a message that
// would move a job backwards is dropped.
type StatusConsumer struct {
	bus      bus.Bus
	registry registry.Registry
	channels bus.Channels
	archive  storage.Archive
	opts     ConsumerOptions
}

// NewStatusConsumer builds a consumer. archive may be nil.
func NewStatusConsumer(b bus.Bus, reg registry.Registry, channels bus.Channels, archive storage.Archive, opts ConsumerOptions) *StatusConsumer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &StatusConsumer{bus: b, registry: reg, channels: channels, archive: archive, opts: opts}
}

// Run subscribes and consumes until ctx is done. Subscribe failures are
// returned; per-message failures are logged.
func (c *StatusConsumer) Run(ctx context.Context) error {
	completions, err := c.bus.Subscribe(ctx, c.channels.Completions())
	if err != nil {
		return fmt.Errorf("failed to subscribe to completions: %w", err)
	}
	defer completions.Close()

	updates, err := c.bus.Subscribe(ctx, c.channels.Status())
	if err != nil {
		return fmt.Errorf("failed to subscribe to status updates: %w", err)
	}
	defer updates.Close()

	slog.Info("status consumer started",
		"completions", c.channels.Completions(),
		"status", c.channels.Status())

	for {
		if ctx.Err() != nil {
			return nil
		}

		gotCompletion := c.pollOnce(ctx, completions, c.handleCompletion)
		gotUpdate := c.pollOnce(ctx, updates, c.handleUpdate)
		if gotCompletion || gotUpdate {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *StatusConsumer) pollOnce(ctx context.Context, sub bus.Subscription, handle func(context.Context, bus.Message)) bool {
	msg, ok, err := sub.Poll(ctx, c.opts.PollTimeout)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("status consumer poll failed", "error", err)
		}
		return false
	}
	if !ok {
		return false
	}
	handle(ctx, msg)
	return true
}

func (c *StatusConsumer) handleCompletion(ctx context.Context, msg bus.Message) {
	var m job.CompletionMessage
	if err := msg.Decode(&m); err != nil {
		slog.Error("dropping undecodable completion", "error", err)
		return
	}
	if _, err := c.ApplyCompletion(ctx, m); err != nil {
		slog.Error("failed to apply completion", "job_id", m.JobID, "error", err)
	}
}

func (c *StatusConsumer) handleUpdate(ctx context.Context, msg bus.Message) {
	var u job.StatusUpdate
	if err := msg.Decode(&u); err != nil {
		slog.Error("dropping undecodable status update", "error", err)
		return
	}
	if _, err := c.ApplyUpdate(ctx, u); err != nil {
		slog.Error("failed to apply status update", "job_id", u.JobID, "error", err)
	}
}

// ApplyCompletion writes m to the registry and archives completed results.
// Agents record the terminal status themselves before publishing, so a
// completion matching the stored status is still archived. A stale
// completion returns the stored record unchanged and no error.
func (c *StatusConsumer) ApplyCompletion(ctx context.Context, m job.CompletionMessage) (*job.Job, error) {
	if m.JobID == "" {
		return nil, common.ValidationError{Field: "job_id", Message: "required"}
	}
	if m.Status != job.StatusCompleted && m.Status != job.StatusFailed {
		return nil, fmt.Errorf("completion for %s carries status %q: %w", m.JobID, m.Status, common.ErrInvalidTransition)
	}

	out, applied, err := c.apply(ctx, m.Record())
	if err != nil {
		return nil, err
	}
	if !applied && (out == nil || out.Status != m.Status) {
		return out, nil
	}

	slog.Info("job finished", "job_id", m.JobID, "status", m.Status, "agent", m.Agent)
	if m.Status == job.StatusCompleted && c.archive != nil {
		c.archiveResult(ctx, out)
	}
	return out, nil
}

// ApplyUpdate writes a progress or lifecycle update to the registry.
func (c *StatusConsumer) ApplyUpdate(ctx context.Context, u job.StatusUpdate) (*job.Job, error) {
	if u.JobID == "" {
		return nil, common.ValidationError{Field: "job_id", Message: "required"}
	}
	out, _, err := c.apply(ctx, u.Record())
	return out, err
}

func (c *StatusConsumer) apply(ctx context.Context, next *job.Job) (*job.Job, bool, error) {
	out, err := c.registry.Apply(ctx, next)
	if err == nil {
		return out, true, nil
	}
	if !common.IsInvalidTransition(err) {
		return nil, false, err
	}

	slog.Debug("ignoring stale job message", "job_id", next.ID, "status", next.Status, "reason", err)
	cur, _, getErr := c.registry.Get(ctx, next.ID)
	if getErr != nil {
		return nil, false, getErr
	}
	return cur, false, nil
}

func (c *StatusConsumer) archiveResult(ctx context.Context, j *job.Job) {
	key := storage.ResultKey(j.ID, j.UpdatedAt)
	res, err := c.archive.Put(ctx, key, j.Result, "application/json")
	if err != nil {
		slog.Error("failed to archive result", "job_id", j.ID, "key", key, "error", err)
		return
	}
	slog.Debug("result archived", "job_id", j.ID, "url", res.URL)
}
