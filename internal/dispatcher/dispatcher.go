// Package dispatcher is the producer side of the job protocol: it creates
// job records, hands tasks to worker roles and requests cancellation.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/fedutinova/smartlabel/internal/bus"
	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Dispatcher struct {
	bus      bus.Bus
	registry registry.Registry
	channels bus.Channels
	validate *validator.Validate

	now   func() time.Time
	newID func() string
}

func New(b bus.Bus, reg registry.Registry, channels bus.Channels) *Dispatcher {
	return &Dispatcher{
		bus:      b,
		registry: reg,
		channels: channels,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Submit validates payload against the job type, stores a pending record
// and publishes the task. It returns as soon as the task is published.
func (d *Dispatcher) Submit(ctx context.Context, t job.Type, payload any) (string, error) {
	role, err := bus.RoleFor(t)
	if err != nil {
		return "", err
	}
	body, err := d.normalize(t, payload)
	if err != nil {
		return "", err
	}

	id := d.newID()
	if err := d.registry.Put(ctx, job.NewPending(id, t, d.now())); err != nil {
		return "", fmt.Errorf("failed to create job record: %w", err)
	}

	task := job.TaskMessage{JobID: id, JobType: t, Payload: body}
	if err := d.bus.Publish(ctx, d.channels.Tasks(role), task); err != nil {
		d.markUndelivered(ctx, id, err)
		return "", fmt.Errorf("failed to publish task: %w", err)
	}

	slog.Info("job submitted", "job_id", id, "job_type", t, "role", role)
	return id, nil
}

// normalize decodes payload into the typed body for t, validates it and
// returns its canonical JSON.
func (d *Dispatcher) normalize(t job.Type, payload any) (json.RawMessage, error) {
	raw, err := bus.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}

	var typed any
	switch t {
	case job.TypeSingle:
		typed = &job.SinglePayload{}
	case job.TypeBatch:
		typed = &job.BatchPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownJobType, t)
	}
	if err := json.Unmarshal(raw, typed); err != nil {
		return nil, common.ValidationError{Field: "payload", Message: err.Error()}
	}
	if err := d.validate.Struct(typed); err != nil {
		return nil, validationError(err)
	}
	return json.Marshal(typed)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := fmt.Sprintf("failed on %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on %q (%s)", fe.Tag(), fe.Param())
		}
		return common.ValidationError{Field: fe.Namespace(), Message: msg}
	}
	return fmt.Errorf("%w: %v", common.ErrValidation, err)
}

// markUndelivered fails a record whose task never reached the bus, so it
// does not sit in pending forever.
func (d *Dispatcher) markUndelivered(ctx context.Context, id string, cause error) {
	_, err := d.registry.Apply(ctx, &job.Job{
		ID:     id,
		Status: job.StatusFailed,
		Error: &job.Failure{
			Type:      "publish_failed",
			Message:   cause.Error(),
			Component: "dispatcher",
		},
		UpdatedAt: d.now(),
	})
	if err != nil {
		slog.Error("failed to mark undelivered job", "job_id", id, "error", err)
	}
}

// Cancel asks workers to abandon id. The job type is not known here, so
// the request goes to every role. It neither reads nor writes the registry
// and succeeds even when nobody is listening.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return common.ValidationError{Field: "job_id", Message: "required"}
	}

	var first error
	for _, role := range bus.Roles() {
		err := d.bus.Publish(ctx, d.channels.Cancel(role), job.CancelMessage{JobID: id})
		if err != nil {
			slog.Error("failed to publish cancel", "job_id", id, "role", role, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	if first == nil {
		slog.Info("cancel requested", "job_id", id)
	}
	return first
}

// GetStatus returns the latest record. ok is false both for unknown and for
// expired jobs.
func (d *Dispatcher) GetStatus(ctx context.Context, id string) (*job.Job, bool, error) {
	return d.registry.Get(ctx, id)
}
