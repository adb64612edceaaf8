package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"ecobin-dispatch/internal/dispatch"
	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/repository"

	"go.uber.org/zap"
)

// TaskOpener the lifecycle operations the monitor drives
type TaskOpener interface {
	OpenThresholdTask(ctx context.Context, bin *models.Bin) (*models.Task, error)
	AutoComplete(ctx context.Context, task *models.Task, finalFill float64) error
}

// Dispatcher runs one assignment attempt
type Dispatcher interface {
	Assign(ctx context.Context, task *models.Task) (*dispatch.Result, error)
}

// Thresholds fill levels in percent; Complete must be below Create
type Thresholds struct {
	Create   float64
	Complete float64
}

// Outcome what one evaluation did
type Outcome struct {
	Created    *models.Task
	Retried    *models.Task
	Assignment *dispatch.Result
	Completed  *models.Task
}

// Metrics evaluation counters
type Metrics struct {
	Evaluations   atomic.Int64
	TasksCreated  atomic.Int64
	Retries       atomic.Int64
	AutoCompleted atomic.Int64
	Races         atomic.Int64
	Failures      atomic.Int64
}

// Monitor evaluates a fresh bin snapshot against the creation and completion thresholds
type Monitor struct {
	tasks      repository.TasksRepository
	opener     TaskOpener
	dispatcher Dispatcher
	thresholds Thresholds
	logger     *zap.Logger
	metrics    Metrics
}

func New(tasks repository.TasksRepository, opener TaskOpener, dispatcher Dispatcher, thresholds Thresholds, logger *zap.Logger) *Monitor {
	return &Monitor{
		tasks:      tasks,
		opener:     opener,
		dispatcher: dispatcher,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Metrics live counters
func (m *Monitor) Metrics() *Metrics {
	return &m.metrics
}

// Evaluate runs both checks. Callers must serialize evaluations per bin.
func (m *Monitor) Evaluate(ctx context.Context, bin *models.Bin) (Outcome, error) {
	m.metrics.Evaluations.Add(1)
	var out Outcome
	var errs []error

	if bin.FillLevel >= m.thresholds.Create {
		if err := m.checkCreation(ctx, bin, &out); err != nil {
			errs = append(errs, err)
		}
	}
	if bin.FillLevel < m.thresholds.Complete {
		if err := m.checkCompletion(ctx, bin, &out); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.metrics.Failures.Add(1)
	}
	return out, errors.Join(errs...)
}

func (m *Monitor) checkCreation(ctx context.Context, bin *models.Bin, out *Outcome) error {
	open, err := m.tasks.FindOpenTaskForBin(ctx, bin.BinID)
	if err != nil {
		return fmt.Errorf("failed to look up open task: %w", err)
	}

	var task *models.Task
	switch {
	case open == nil:
		task, err = m.opener.OpenThresholdTask(ctx, bin)
		if errors.Is(err, models.ErrConflict) {
			m.metrics.Races.Add(1)
			m.logger.Info("Task already opened by a concurrent evaluation",
				zap.String("bin_id", bin.BinID),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to open threshold task: %w", err)
		}
		m.metrics.TasksCreated.Add(1)
		out.Created = task
	case open.Status == models.TaskStatusCreated:
		task = open
		m.metrics.Retries.Add(1)
		out.Retried = task
		m.logger.Info("Retrying assignment for unassigned task",
			zap.String("bin_id", bin.BinID),
			zap.String("task_id", task.TaskID),
		)
	default:
		return nil
	}

	res, err := m.dispatcher.Assign(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to assign task %s: %w", task.TaskID, err)
	}
	out.Assignment = res
	return nil
}

func (m *Monitor) checkCompletion(ctx context.Context, bin *models.Bin, out *Outcome) error {
	task, err := m.tasks.FindInProgressTaskForBin(ctx, bin.BinID)
	if err != nil {
		return fmt.Errorf("failed to look up in-progress task: %w", err)
	}
	if task == nil {
		return nil
	}
	if err := m.opener.AutoComplete(ctx, task, bin.FillLevel); err != nil {
		return fmt.Errorf("failed to auto-complete task %s: %w", task.TaskID, err)
	}
	m.metrics.AutoCompleted.Add(1)
	out.Completed = task
	m.logger.Info("Task auto-completed from telemetry",
		zap.String("bin_id", bin.BinID),
		zap.String("task_id", task.TaskID),
		zap.Float64("fill_level", bin.FillLevel),
	)
	return nil
}
