package job

import (
	"fmt"

	"github.com/fedutinova/smartlabel/internal/common"
)

// allowed lists the statuses reachable from each non-terminal status.
// Terminal statuses have no entry and therefore accept nothing.
var allowed = map[Status]map[Status]bool{
	StatusPending: {
		StatusPending:    true,
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
}

// CanTransition reports whether a record in status from may be overwritten
// by a record in status to.
func CanTransition(from, to Status) bool {
	return allowed[from][to]
}

// Transition merges next over current following the status state machine.
// A nil current accepts any record. The returned job is a fresh value;
// neither argument is modified.
func Transition(current, next *Job) (*Job, error) {
	if next == nil {
		return nil, fmt.Errorf("nil job record: %w", common.ErrInvalidTransition)
	}
	out := next.Clone()

	if current != nil {
		if !CanTransition(current.Status, next.Status) {
			return nil, fmt.Errorf("job %s: %s -> %s: %w",
				current.ID, current.Status, next.Status, common.ErrInvalidTransition)
		}
		if out.Type == "" {
			out.Type = current.Type
		}
		if !out.Status.Terminal() && out.Progress < current.Progress {
			out.Progress = current.Progress
		}
		if out.Agent == "" {
			out.Agent = current.Agent
		}
	}

	switch out.Status {
	case StatusCompleted:
		out.Progress = 1
		out.Error = nil
	case StatusFailed:
		out.Result = nil
	case StatusCancelled:
		out.Progress = 0
		out.Result = nil
		out.Error = nil
	default:
		out.Result = nil
		out.Error = nil
	}
	out.Progress = clamp(out.Progress)
	return out, nil
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
