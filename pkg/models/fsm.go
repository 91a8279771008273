package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusQueued:     true, // Pending → Queued (no free slot)
		JobStatusProcessing: true, // Pending → Processing (slot free immediately)
		JobStatusCancelled:  true, // Pending → Cancelled (cancel before dispatch)
		JobStatusFailed:     true, // Pending → Failed (scheduler refused the job)
	},
	JobStatusQueued: {
		JobStatusProcessing: true, // Queued → Processing (slot freed)
		JobStatusCancelled:  true, // Queued → Cancelled (cancel while waiting)
	},
	JobStatusProcessing: {
		JobStatusCompleted: true, // Processing → Completed (output written)
		JobStatusFailed:    true, // Processing → Failed (engine, storage or timeout)
		JobStatusCancelled: true, // Processing → Cancelled (observed after engine returns)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsActiveState returns true if the job is waiting for or holding a slot
func IsActiveState(state JobStatus) bool {
	return state == JobStatusPending || state == JobStatusQueued || state == JobStatusProcessing
}

// Transition moves the job to a new state, validating it against the state
// machine and stamping the timestamps the new state implies.
func (j *Job) Transition(to JobStatus, reason string, now time.Time) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}

	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to

	switch {
	case to == JobStatusProcessing:
		j.StartedAt = &now
	case IsTerminalState(to):
		j.CompletedAt = &now
		j.EstimatedRemaining = nil
		if j.StartedAt != nil {
			j.ProcessingTime = now.Sub(*j.StartedAt).Seconds()
		}
	}
	return nil
}
