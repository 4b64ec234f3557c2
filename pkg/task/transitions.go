package task

import "github.com/agentmesh/agentmesh/pkg/a2a"

// allowedTransitions is the complete transition table of the task state
// machine. failed -> pending is the explicit retry re-entry path.
var allowedTransitions = map[a2a.TaskStatus][]a2a.TaskStatus{
	a2a.TaskStatusPending:    {a2a.TaskStatusQueued, a2a.TaskStatusInProgress, a2a.TaskStatusCancelled},
	a2a.TaskStatusQueued:     {a2a.TaskStatusInProgress, a2a.TaskStatusCancelled},
	a2a.TaskStatusInProgress: {a2a.TaskStatusCompleted, a2a.TaskStatusFailed, a2a.TaskStatusCancelled},
	a2a.TaskStatusCompleted:  {},
	a2a.TaskStatusCancelled:  {},
	a2a.TaskStatusFailed:     {a2a.TaskStatusPending},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to a2a.TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// canResolve reports whether a task in the given status may be resolved
// directly to completed/failed. pending and queued are treated as an
// implicit in_progress for handlers that resolve synchronously.
func canResolve(from a2a.TaskStatus) bool {
	switch from {
	case a2a.TaskStatusPending, a2a.TaskStatusQueued, a2a.TaskStatusInProgress:
		return true
	default:
		return false
	}
}
