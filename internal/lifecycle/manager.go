package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ecobin-dispatch/internal/dispatch"
	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/notifier"
	"ecobin-dispatch/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Creation sources recorded on created events
const (
	SourceThreshold = "threshold"
	SourceManual    = "manual"
)

// Dispatcher runs one assignment attempt for a created task
type Dispatcher interface {
	Assign(ctx context.Context, task *models.Task) (*dispatch.Result, error)
}

// CreateTaskRequest manual task creation
type CreateTaskRequest struct {
	BinID     string              `json:"bin_id"`
	FillLevel *float64            `json:"fill_level,omitempty"`
	Priority  models.TaskPriority `json:"priority,omitempty"`
	Notes     string              `json:"notes,omitempty"`
}

// StatusUpdate driver-requested transition
type StatusUpdate struct {
	Status   models.TaskStatus `json:"status"`
	Notes    string            `json:"notes,omitempty"`
	PhotoURL string            `json:"photo_url,omitempty"`
}

// Manager owns task creation and every status change after assignment
type Manager struct {
	bins       repository.BinsRepository
	tasks      repository.TasksRepository
	dispatcher Dispatcher
	notifier   notifier.Notifier
	logger     *zap.Logger

	Now func() time.Time
}

func NewManager(
	bins repository.BinsRepository,
	tasks repository.TasksRepository,
	dispatcher Dispatcher,
	n notifier.Notifier,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		bins:       bins,
		tasks:      tasks,
		dispatcher: dispatcher,
		notifier:   notifier.Ensure(n, logger),
		logger:     logger,
		Now:        time.Now,
	}
}

func (m *Manager) newTask(bin *models.Bin, fill float64, priority models.TaskPriority, notes, actor string) *models.Task {
	now := m.Now()
	return &models.Task{
		TaskID:    uuid.New().String(),
		BinID:     bin.BinID,
		SocietyID: bin.SocietyID,
		FillLevel: fill,
		Priority:  priority,
		Status:    models.TaskStatusCreated,
		Notes:     notes,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Manager) insertTask(ctx context.Context, task *models.Task, source string) error {
	event := &models.TaskEvent{
		EventID:   uuid.New().String(),
		TaskID:    task.TaskID,
		BinID:     task.BinID,
		SocietyID: task.SocietyID,
		Type:      models.EventCreated,
		Payload: models.CreatedPayload{
			Source:    source,
			FillLevel: task.FillLevel,
			Priority:  task.Priority,
			Notes:     task.Notes,
		},
		Actor:     task.CreatedBy,
		CreatedAt: task.CreatedAt,
	}
	if err := m.tasks.CreateTask(ctx, task, event); err != nil {
		return err
	}
	m.logger.Info("Task created",
		zap.String("task_id", task.TaskID),
		zap.String("bin_id", task.BinID),
		zap.String("priority", string(task.Priority)),
		zap.String("source", source),
	)
	_ = m.notifier.Push(ctx, notifier.Society(task.SocietyID), notifier.EventTaskCreated, task)
	return nil
}

// OpenThresholdTask creates the critical task for a bin that crossed the creation threshold.
// Returns models.ErrConflict when the bin already has an open task.
func (m *Manager) OpenThresholdTask(ctx context.Context, bin *models.Bin) (*models.Task, error) {
	task := m.newTask(bin, bin.FillLevel, models.TaskPriorityCritical, "", models.ActorSystem)
	if err := m.insertTask(ctx, task, SourceThreshold); err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTask manual creation followed by an immediate assignment attempt.
// A failed attempt does not fail the creation; it is reported in the result.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest, actor string) (*models.Task, *dispatch.Result, error) {
	if err := models.ValidateID("bin_id", req.BinID); err != nil {
		return nil, nil, err
	}
	if req.Priority == "" {
		req.Priority = models.TaskPriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown priority %q", models.ErrValidation, req.Priority)
	}
	if req.FillLevel != nil && (math.IsNaN(*req.FillLevel) || math.IsInf(*req.FillLevel, 0)) {
		return nil, nil, fmt.Errorf("%w: fill_level must be a finite number", models.ErrValidation)
	}
	if actor == "" {
		actor = models.ActorSystem
	}

	bin, err := m.bins.GetBin(ctx, req.BinID)
	if err != nil {
		return nil, nil, err
	}
	open, err := m.tasks.FindOpenTaskForBin(ctx, bin.BinID)
	if err != nil {
		return nil, nil, err
	}
	if open != nil {
		return nil, nil, fmt.Errorf("bin %s already has open task %s: %w", bin.BinID, open.TaskID, models.ErrConflict)
	}

	fill := bin.FillLevel
	if req.FillLevel != nil {
		fill = models.ClampFill(*req.FillLevel)
	}
	task := m.newTask(bin, fill, req.Priority, req.Notes, actor)
	if err := m.insertTask(ctx, task, SourceManual); err != nil {
		return nil, nil, err
	}

	result, err := m.dispatcher.Assign(ctx, task)
	if err != nil {
		m.logger.Error("Assignment attempt failed after manual creation",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
		result = &dispatch.Result{Assigned: false, Reason: err.Error()}
	}
	return task, result, nil
}

// Redispatch runs a fresh assignment attempt for a task still in created
func (m *Manager) Redispatch(ctx context.Context, taskID string) (*models.Task, *dispatch.Result, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != models.TaskStatusCreated {
		return nil, nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrInvalidState)
	}
	result, err := m.dispatcher.Assign(ctx, task)
	if err != nil {
		return nil, nil, err
	}
	return task, result, nil
}

// UpdateStatus applies a driver-requested transition. Only the driver holding the task's
// open assignment may move it.
func (m *Manager) UpdateStatus(ctx context.Context, taskID, driverID string, upd StatusUpdate) (*models.Task, error) {
	if !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, upd.Status)
	}
	if !isDriverStatus(upd.Status) {
		return nil, fmt.Errorf("%w: drivers cannot set status %s", models.ErrValidation, upd.Status)
	}
	if driverID == "" {
		return nil, fmt.Errorf("driver id is required: %w", models.ErrAuthorization)
	}

	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("task is %s and accepts no further transitions: %w", task.Status, models.ErrInvalidState)
	}
	// holder check precedes the edge check
	assignment, err := m.tasks.GetOpenAssignment(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	if assignment == nil || assignment.DriverID != driverID {
		return nil, fmt.Errorf("driver %s does not hold task %s: %w", driverID, task.TaskID, models.ErrAuthorization)
	}
	if err := EnsureTransition(task.Status, upd.Status); err != nil {
		return nil, err
	}

	var payload models.EventPayload = models.StatusUpdatePayload{
		From:     task.Status,
		To:       upd.Status,
		Notes:    upd.Notes,
		PhotoURL: upd.PhotoURL,
	}
	if upd.Status == models.TaskStatusCompleted {
		payload = models.CompletedPayload{
			CompletionType: models.CompletionDriverReported,
			Note:           upd.Notes,
			PhotoURL:       upd.PhotoURL,
		}
	}
	if err := m.apply(ctx, task, assignment, upd.Status, upd.Notes, payload, driverID); err != nil {
		return nil, err
	}
	return task, nil
}

// AutoComplete closes an in-progress task whose bin was sensed as emptied
func (m *Manager) AutoComplete(ctx context.Context, task *models.Task, finalFill float64) error {
	if !task.Status.InProgress() {
		return fmt.Errorf("task %s is %s: %w", task.TaskID, task.Status, models.ErrInvalidState)
	}
	assignment, err := m.tasks.GetOpenAssignment(ctx, task.TaskID)
	if err != nil {
		return err
	}
	fill := finalFill
	payload := models.CompletedPayload{
		CompletionType: models.CompletionAutoSensed,
		FinalFillLevel: &fill,
	}
	return m.apply(ctx, task, assignment, models.TaskStatusCompleted, "", payload, models.ActorSystem)
}

// CancelTask the only way into cancelled; allowed while the task is still created
func (m *Manager) CancelTask(ctx context.Context, taskID, actor, notes string) (*models.Task, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", models.ErrValidation)
	}
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := EnsureTransition(task.Status, models.TaskStatusCancelled); err != nil {
		return nil, err
	}
	payload := models.StatusUpdatePayload{From: task.Status, To: models.TaskStatusCancelled, Notes: notes}
	if err := m.apply(ctx, task, nil, models.TaskStatusCancelled, notes, payload, actor); err != nil {
		return nil, err
	}
	return task, nil
}

// apply persists task (and assignment) moving to status in one guarded write, then notifies.
// task and assignment are updated in place on success.
func (m *Manager) apply(
	ctx context.Context,
	task *models.Task,
	assignment *models.Assignment,
	to models.TaskStatus,
	notes string,
	payload models.EventPayload,
	actor string,
) error {
	now := m.Now()
	from := task.Status

	next := *task
	next.Status = to
	next.UpdatedAt = now
	if notes != "" {
		next.Notes = notes
	}
	if to == models.TaskStatusCompleted {
		next.CompletedAt = &now
	}

	var nextAssignment *models.Assignment
	if assignment != nil {
		a := *assignment
		a.Status = to
		switch to {
		case models.TaskStatusAccepted:
			a.AcceptedAt = &now
		case models.TaskStatusCompleted:
			a.CompletedAt = &now
		}
		nextAssignment = &a
	}

	event := &models.TaskEvent{
		EventID:   uuid.New().String(),
		TaskID:    task.TaskID,
		BinID:     task.BinID,
		SocietyID: task.SocietyID,
		Type:      payload.EventType(),
		Payload:   payload,
		Actor:     actor,
		CreatedAt: now,
	}

	err := m.tasks.Transition(ctx, repository.Transition{
		Task:       &next,
		From:       from,
		Assignment: nextAssignment,
		Event:      event,
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			return err
		}
		return fmt.Errorf("failed to transition task %s to %s: %w", task.TaskID, to, err)
	}

	*task = next
	if assignment != nil {
		*assignment = *nextAssignment
	}

	m.logger.Info("Task status changed",
		zap.String("task_id", task.TaskID),
		zap.String("bin_id", task.BinID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	_ = m.notifier.Push(ctx, notifier.Society(task.SocietyID), notifier.EventTaskStatus, map[string]any{
		"task_id": task.TaskID,
		"bin_id":  task.BinID,
		"from":    from,
		"status":  to,
		"actor":   actor,
	})
	return nil
}
