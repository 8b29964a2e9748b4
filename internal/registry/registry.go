// Package registry stores the latest known status record per job.
package registry

import (
	"context"
	"fmt"

	"github.com/fedutinova/smartlabel/internal/job"
)

type Registry interface {
	// Put overwrites the whole record without consulting the state machine.
	Put(ctx context.Context, j *job.Job) error
	// Get returns the record, or ok=false when it never existed or expired.
	Get(ctx context.Context, id string) (*job.Job, bool, error)
	// Apply merges next over the stored record through job.Transition.
	// Backward moves return common.ErrInvalidTransition and write nothing.
	Apply(ctx context.Context, next *job.Job) (*job.Job, error)
}

// Key builds the namespaced key for a job id.
func Key(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}
