// Package worker runs the consumer side of the job protocol. An Agent
// polls its role's task and cancel channels on a single control flow,
// classifies tasks and reports the outcome on the completion channel.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedutinova/smartlabel/internal/bus"
	"github.com/fedutinova/smartlabel/internal/classify"
	"github.com/fedutinova/smartlabel/internal/config"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/joblog"
	"github.com/fedutinova/smartlabel/internal/registry"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Reason codes attached to logged worker errors.
const (
	ReasonTaskDecode     = "task_decode"
	ReasonTaskFailed     = "task_failed"
	ReasonCancelFailed   = "cancel_failed"
	ReasonPanic          = "panic"
	ReasonUnknownJobType = "unknown_job_type"
)

const component = "worker"

type Classifier interface {
	Single(ctx context.Context, p job.SinglePayload) (*job.SingleResult, error)
	Batch(ctx context.Context, p job.BatchPayload, progress classify.Progress) (*job.BatchResult, error)
}

type Options struct {
	Role           string
	AgentID        string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	CancelledTTL   time.Duration
	CancelledSize  int
	ReportFailures bool
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Role:           cfg.WorkerRole,
		AgentID:        cfg.AgentID,
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		CancelledTTL:   cfg.CancelledTTL,
		CancelledSize:  cfg.CancelledSize,
		ReportFailures: cfg.ReportFailures,
	}
}

// jobState is what the agent remembers about a job id it has seen.
type jobState int

const (
	stateCancelled jobState = iota + 1
	stateFinished
)

type Agent struct {
	opts       Options
	bus        bus.Bus
	registry   registry.Registry
	classifier Classifier
	joblog     joblog.Logger
	channels   bus.Channels

	seen *expirable.LRU[string, jobState]
	now  func() time.Time

	tasks   bus.Subscription
	cancels bus.Subscription
}

// New builds an agent. reg may be nil, in which case cancellation is only
// tracked in memory and no registry writes happen.
func New(opts Options, b bus.Bus, reg registry.Registry, c Classifier, jl joblog.Logger, channels bus.Channels) *Agent {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.CancelledSize <= 0 {
		opts.CancelledSize = 10000
	}
	if opts.CancelledTTL <= 0 {
		opts.CancelledTTL = time.Hour
	}
	if jl == nil {
		jl = joblog.Nop{}
	}
	return &Agent{
		opts:       opts,
		bus:        b,
		registry:   reg,
		classifier: c,
		joblog:     jl,
		channels:   channels,
		seen:       expirable.NewLRU[string, jobState](opts.CancelledSize, nil, opts.CancelledTTL),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to the role channels. It is called by Run and may be
// called earlier so nothing published in between is missed.
func (a *Agent) Start(ctx context.Context) error {
	if a.tasks != nil {
		return nil
	}
	tasks, err := a.bus.Subscribe(ctx, a.channels.Tasks(a.opts.Role))
	if err != nil {
		return fmt.Errorf("failed to subscribe to tasks: %w", err)
	}
	cancels, err := a.bus.Subscribe(ctx, a.channels.Cancel(a.opts.Role))
	if err != nil {
		tasks.Close()
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}
	a.tasks, a.cancels = tasks, cancels

	slog.Info("worker agent subscribed",
		"agent", a.opts.AgentID,
		"role", a.opts.Role,
		"tasks", a.channels.Tasks(a.opts.Role),
		"cancel", a.channels.Cancel(a.opts.Role))
	return nil
}

// Run loops until ctx is done: poll a task, poll a cancellation, sleep.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Close()

	for {
		if ctx.Err() != nil {
			slog.Info("worker agent stopping", "agent", a.opts.AgentID)
			return nil
		}
		a.Step(ctx)

		select {
		case <-ctx.Done():
			slog.Info("worker agent stopping", "agent", a.opts.AgentID)
			return nil
		case <-time.After(a.opts.PollInterval):
		}
	}
}

// Step runs one loop iteration without the trailing sleep and reports
// whether a message was handled.
func (a *Agent) Step(ctx context.Context) bool {
	handled := false
	if msg, ok := a.poll(ctx, a.tasks); ok {
		a.guard(ctx, "", func() { a.handleTask(ctx, msg) })
		handled = true
	}
	if msg, ok := a.poll(ctx, a.cancels); ok {
		a.guard(ctx, "", func() { a.handleCancel(ctx, msg) })
		handled = true
	}
	return handled
}

func (a *Agent) Close() error {
	var first error
	for _, s := range []bus.Subscription{a.tasks, a.cancels} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.tasks, a.cancels = nil, nil
	return first
}

func (a *Agent) poll(ctx context.Context, sub bus.Subscription) (bus.Message, bool) {
	if sub == nil {
		return bus.Message{}, false
	}
	msg, ok, err := sub.Poll(ctx, a.opts.PollTimeout)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("bus poll failed", "agent", a.opts.AgentID, "error", err)
		}
		return bus.Message{}, false
	}
	return msg, ok
}

// guard keeps a panic inside one message from ending the loop.
func (a *Agent) guard(ctx context.Context, jobID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			a.logError(ctx, jobID, ReasonPanic, err, true)
		}
	}()
	fn()
}

func (a *Agent) logError(ctx context.Context, jobID, reason string, err error, withStack bool) {
	slog.Error("worker error", "job_id", jobID, "reason", reason, "agent", a.opts.AgentID, "error", err)
	a.joblog.LogError(ctx, jobID, joblog.ErrorEntry(component, reason, err, withStack))
}
