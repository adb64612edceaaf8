package lifecycle

import (
	"fmt"

	"ecobin-dispatch/internal/models"
)

// EnsureTransition reports whether from -> to is an edge of the task state machine
func EnsureTransition(from, to models.TaskStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("task is %s and accepts no further transitions: %w", from, models.ErrInvalidState)
	}
	switch from {
	case models.TaskStatusCreated:
		if to == models.TaskStatusAssigned || to == models.TaskStatusCancelled {
			return nil
		}
	case models.TaskStatusAssigned:
		if to == models.TaskStatusAccepted || to == models.TaskStatusCompleted || to == models.TaskStatusFailed {
			return nil
		}
	case models.TaskStatusAccepted:
		if to == models.TaskStatusEnroute || to == models.TaskStatusCompleted || to == models.TaskStatusFailed {
			return nil
		}
	case models.TaskStatusEnroute:
		if to == models.TaskStatusArrived || to == models.TaskStatusCompleted || to == models.TaskStatusFailed {
			return nil
		}
	case models.TaskStatusArrived:
		if to == models.TaskStatusCompleted || to == models.TaskStatusFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s: %w", from, to, models.ErrInvalidState)
}

// DriverStatuses statuses a driver may request
var DriverStatuses = []models.TaskStatus{
	models.TaskStatusAccepted,
	models.TaskStatusEnroute,
	models.TaskStatusArrived,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
}

func isDriverStatus(s models.TaskStatus) bool {
	for _, d := range DriverStatuses {
		if d == s {
			return true
		}
	}
	return false
}
