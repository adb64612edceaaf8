package repository

import (
	"context"
	"time"

	"ecobin-dispatch/internal/models"
)

// BinsRepository bin state and the append-only sample history
type BinsRepository interface {
	CreateBin(ctx context.Context, bin *models.Bin) error
	GetBin(ctx context.Context, binID string) (*models.Bin, error)
	ListBins(ctx context.Context, societyID string) ([]*models.Bin, error)

	// ApplyTelemetry locks the bin, lets mutate change it, persists the row and appends a
	// sample of the post-merge snapshot, all in one transaction.
	ApplyTelemetry(ctx context.Context, binID string, at time.Time, mutate func(*models.Bin) error) (*models.Bin, *models.BinSample, error)

	// ListSamples returns samples in ascending (recorded_at, id) order.
	// With Limit set, the most recent Limit samples are returned.
	ListSamples(ctx context.Context, filter SampleFilter) ([]*models.BinSample, error)
}

// TasksRepository tasks, assignments and the task event trail
type TasksRepository interface {
	// CreateTask inserts the task and its creation event. Returns models.ErrConflict when the
	// bin already has a non-terminal task.
	CreateTask(ctx context.Context, task *models.Task, event *models.TaskEvent) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// FindOpenTaskForBin most recent non-terminal task, nil when none
	FindOpenTaskForBin(ctx context.Context, binID string) (*models.Task, error)
	// FindInProgressTaskForBin most recent task in assigned/accepted/enroute/arrived, nil when none
	FindInProgressTaskForBin(ctx context.Context, binID string) (*models.Task, error)

	// GetOpenAssignment the assignment currently binding a driver, nil when none
	GetOpenAssignment(ctx context.Context, taskID string) (*models.Assignment, error)
	// CountOpenAssignments open assignment count per driver; absent drivers have zero
	CountOpenAssignments(ctx context.Context, driverIDs []string) (map[string]int, error)

	// Assign moves a created task to assigned, inserts the assignment and the event.
	// Returns models.ErrInvalidState when the task is no longer in created.
	Assign(ctx context.Context, task *models.Task, assignment *models.Assignment, event *models.TaskEvent) error

	// Transition applies a status change guarded by the expected previous status.
	// Returns models.ErrInvalidState when the stored status no longer matches.
	Transition(ctx context.Context, tr Transition) error

	AppendEvent(ctx context.Context, event *models.TaskEvent) error
	// ListEvents returns events in ascending (created_at, event_id) order
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.TaskEvent, error)
}

// DriversRepository directory lookups and the driver location stream
type DriversRepository interface {
	// ListCandidates non-blocked drivers of a society, ordered by id
	ListCandidates(ctx context.Context, societyID string) ([]*models.Driver, error)
	GetDriver(ctx context.Context, driverID string) (*models.Driver, error)
	GetDrivers(ctx context.Context, driverIDs []string) (map[string]*models.Driver, error)

	AppendLocation(ctx context.Context, sample *models.DriverLocationSample) error
	// LatestLocations newest sample per driver; drivers without samples are absent
	LatestLocations(ctx context.Context, driverIDs []string) (map[string]*models.DriverLocationSample, error)
}

// Transition one guarded task status change
type Transition struct {
	Task       *models.Task // carries the new status and timestamps
	From       models.TaskStatus
	Assignment *models.Assignment // optional, persisted with its new status/timestamps
	Event      *models.TaskEvent
}

// SampleFilter bin sample query
type SampleFilter struct {
	SocietyID string
	BinIDs    []string
	Since     *time.Time
	Limit     int
}

// TaskFilter task query
type TaskFilter struct {
	SocietyID string
	BinID     string
	DriverID  string
	Statuses  []models.TaskStatus
	Limit     int
}

// EventFilter task event query; DriverID keeps events of tasks ever assigned to that driver
type EventFilter struct {
	TaskID    string
	SocietyID string
	BinID     string
	DriverID  string
	Since     *time.Time
	Limit     int
}
