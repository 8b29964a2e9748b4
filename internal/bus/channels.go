package bus

import (
	"fmt"

	"github.com/fedutinova/smartlabel/internal/common"
	"github.com/fedutinova/smartlabel/internal/job"
)

const (
	RoleClassifier      = "classifier"
	RoleBatchClassifier = "batch_classifier"
)

// Roles lists every worker role in a stable order.
func Roles() []string {
	return []string{RoleClassifier, RoleBatchClassifier}
}

// RoleFor maps a job type to the worker role that consumes it.
func RoleFor(t job.Type) (string, error) {
	switch t {
	case job.TypeSingle:
		return RoleClassifier, nil
	case job.TypeBatch:
		return RoleBatchClassifier, nil
	default:
		return "", fmt.Errorf("%w: %q", common.ErrUnknownJobType, t)
	}
}

// Channels derives channel names under a namespace prefix.
type Channels struct {
	Prefix string
}

func (c Channels) Tasks(role string) string {
	return fmt.Sprintf("%s:tasks:%s", c.Prefix, role)
}

func (c Channels) Cancel(role string) string {
	return fmt.Sprintf("%s:cancel:%s", c.Prefix, role)
}

func (c Channels) Status() string {
	return c.Prefix + ":status"
}

func (c Channels) Completions() string {
	return c.Prefix + ":completions"
}
