package models

import "time"

// TaskStatus lifecycle state of a collection task
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusAccepted  TaskStatus = "accepted"
	TaskStatusEnroute   TaskStatus = "enroute"
	TaskStatusArrived   TaskStatus = "arrived"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusFailed    TaskStatus = "failed"
)

// TerminalTaskStatuses statuses that accept no further transitions
var TerminalTaskStatuses = []TaskStatus{TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed}

// InProgressTaskStatuses statuses in which a driver holds the task
var InProgressTaskStatuses = []TaskStatus{TaskStatusAssigned, TaskStatusAccepted, TaskStatusEnroute, TaskStatusArrived}

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusAssigned, TaskStatusAccepted, TaskStatusEnroute,
		TaskStatusArrived, TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal completed, cancelled or failed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// InProgress assigned, accepted, enroute or arrived
func (s TaskStatus) InProgress() bool {
	switch s {
	case TaskStatusAssigned, TaskStatusAccepted, TaskStatusEnroute, TaskStatusArrived:
		return true
	}
	return false
}

// TaskPriority dispatch urgency
type TaskPriority string

const (
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityCritical TaskPriority = "critical"
)

// Valid reports whether p is a known priority
func (p TaskPriority) Valid() bool {
	return p == TaskPriorityNormal || p == TaskPriorityCritical
}

// Task a unit of dispatch work to empty one bin (tasks table)
type Task struct {
	TaskID      string       `json:"task_id" db:"task_id"`
	BinID       string       `json:"bin_id" db:"bin_id"`
	SocietyID   string       `json:"society_id" db:"society_id"`
	FillLevel   float64      `json:"fill_level" db:"fill_level"` // snapshot at creation
	Priority    TaskPriority `json:"priority" db:"priority"`
	Status      TaskStatus   `json:"status" db:"status"`
	Notes       string       `json:"notes,omitempty" db:"notes"`
	CreatedBy   string       `json:"created_by" db:"created_by"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
}

// AssignmentStatus mirrors the task status while the assignment is open
type AssignmentStatus = TaskStatus

// Assignment binding of a task to a driver (assignments table)
type Assignment struct {
	AssignmentID string           `json:"assignment_id" db:"assignment_id"`
	TaskID       string           `json:"task_id" db:"task_id"`
	DriverID     string           `json:"driver_id" db:"driver_id"`
	Status       AssignmentStatus `json:"status" db:"status"`
	AssignedAt   time.Time        `json:"assigned_at" db:"assigned_at"`
	AcceptedAt   *time.Time       `json:"accepted_at,omitempty" db:"accepted_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// Open reports whether the assignment still binds its driver to the task
func (a *Assignment) Open() bool {
	return a != nil && a.Status.InProgress()
}

// ActorSystem actor recorded for automatic transitions
const ActorSystem = "system"
