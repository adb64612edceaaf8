package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/notifier"
	"ecobin-dispatch/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Result outcome of one assignment attempt
type Result struct {
	Assigned   bool               `json:"assigned"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
	Driver     *models.Driver     `json:"driver,omitempty"`
	Method     string             `json:"method"`
	Reason     string             `json:"reason,omitempty"`
}

// Selector gathers candidates for a task, runs the strategy and records the outcome
type Selector struct {
	bins     repository.BinsRepository
	tasks    repository.TasksRepository
	drivers  repository.DriversRepository
	strategy Strategy
	notifier notifier.Notifier
	logger   *zap.Logger

	// Now is the clock; tests replace it
	Now func() time.Time
}

func NewSelector(
	bins repository.BinsRepository,
	tasks repository.TasksRepository,
	drivers repository.DriversRepository,
	strategy Strategy,
	n notifier.Notifier,
	logger *zap.Logger,
) *Selector {
	return &Selector{
		bins:     bins,
		tasks:    tasks,
		drivers:  drivers,
		strategy: strategy,
		notifier: notifier.Ensure(n, logger),
		logger:   logger,
		Now:      time.Now,
	}
}

// BuildContext loads the selection context for task
func (s *Selector) BuildContext(ctx context.Context, task *models.Task) (*SelectionContext, error) {
	bin, err := s.bins.GetBin(ctx, task.BinID)
	if err != nil {
		return nil, err
	}
	drivers, err := s.drivers.ListCandidates(ctx, task.SocietyID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = d.DriverID
	}
	locations, err := s.drivers.LatestLocations(ctx, ids)
	if err != nil {
		return nil, err
	}
	workloads, err := s.tasks.CountOpenAssignments(ctx, ids)
	if err != nil {
		return nil, err
	}

	sc := &SelectionContext{
		TaskID: task.TaskID,
		Bin: BinContext{
			BinID:     bin.BinID,
			Latitude:  bin.Latitude,
			Longitude: bin.Longitude,
			FillLevel: bin.FillLevel,
			SocietyID: bin.SocietyID,
		},
		Candidates: make([]Candidate, 0, len(drivers)),
	}
	for _, d := range drivers {
		c := Candidate{DriverID: d.DriverID, Name: d.Name, ActiveTasks: workloads[d.DriverID]}
		if loc, ok := locations[d.DriverID]; ok {
			lat, lon := loc.Latitude, loc.Longitude
			c.Latitude, c.Longitude = &lat, &lon
		}
		sc.Candidates = append(sc.Candidates, c)
	}
	return sc, nil
}

// Assign runs one assignment attempt for a task in status created.
// A strategy that finds no driver is not an error: the task stays created, an
// assignment_rejected event is recorded and Result.Assigned is false.
func (s *Selector) Assign(ctx context.Context, task *models.Task) (*Result, error) {
	if task.Status != models.TaskStatusCreated {
		return nil, fmt.Errorf("task %s is %s, only created tasks can be assigned: %w",
			task.TaskID, task.Status, models.ErrInvalidState)
	}

	sc, err := s.BuildContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to build selection context: %w", err)
	}

	var sel *Selection
	if len(sc.Candidates) == 0 {
		err = noSelection("no eligible drivers in society %s", task.SocietyID)
	} else {
		sel, err = s.strategy.Select(ctx, sc)
	}
	if err != nil {
		return s.reject(ctx, task, len(sc.Candidates), err)
	}

	// strategies already guarantee membership; keep the check at the persistence boundary
	if _, ok := sc.Candidate(sel.DriverID); !ok {
		return s.reject(ctx, task, len(sc.Candidates), noSelection("driver %s not in candidate set", sel.DriverID))
	}

	driver, err := s.drivers.GetDriver(ctx, sel.DriverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load selected driver: %w", err)
	}

	now := s.Now()
	assignment := &models.Assignment{
		AssignmentID: uuid.New().String(),
		TaskID:       task.TaskID,
		DriverID:     driver.DriverID,
		Status:       models.TaskStatusAssigned,
		AssignedAt:   now,
	}
	event := &models.TaskEvent{
		EventID:   uuid.New().String(),
		TaskID:    task.TaskID,
		BinID:     task.BinID,
		SocietyID: task.SocietyID,
		Type:      models.EventAssigned,
		Payload: models.AssignedPayload{
			DriverID:   driver.DriverID,
			DriverName: driver.Name,
			DistanceKm: sel.DistanceKm,
			Workload:   sel.Workload,
			Method:     sel.Method,
			Reason:     sel.Reason,
		},
		Actor:     models.ActorSystem,
		CreatedAt: now,
	}
	if err := s.tasks.Assign(ctx, task, assignment, event); err != nil {
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}

	s.logger.Info("Task assigned",
		zap.String("task_id", task.TaskID),
		zap.String("bin_id", task.BinID),
		zap.String("driver_id", driver.DriverID),
		zap.String("method", sel.Method),
	)

	_ = s.notifier.Push(ctx, notifier.Driver(driver.DriverID), notifier.EventTaskAssigned, map[string]any{
		"task":       task,
		"assignment": assignment,
	})
	_ = s.notifier.Push(ctx, notifier.Society(task.SocietyID), notifier.EventTaskStatus, map[string]any{
		"task_id":   task.TaskID,
		"bin_id":    task.BinID,
		"status":    task.Status,
		"driver_id": driver.DriverID,
	})

	return &Result{
		Assigned:   true,
		Assignment: assignment,
		Driver:     driver,
		Method:     sel.Method,
		Reason:     sel.Reason,
	}, nil
}

func (s *Selector) reject(ctx context.Context, task *models.Task, candidates int, cause error) (*Result, error) {
	reason := strings.TrimPrefix(cause.Error(), ErrNoSelection.Error()+": ")

	s.logger.Warn("No driver selected for task",
		zap.String("task_id", task.TaskID),
		zap.String("bin_id", task.BinID),
		zap.String("method", s.strategy.Name()),
		zap.Int("candidate_count", candidates),
		zap.String("reason", reason),
	)

	event := &models.TaskEvent{
		EventID:   uuid.New().String(),
		TaskID:    task.TaskID,
		BinID:     task.BinID,
		SocietyID: task.SocietyID,
		Type:      models.EventAssignmentRejected,
		Payload: models.AssignmentRejectedPayload{
			Method:         s.strategy.Name(),
			Reason:         reason,
			CandidateCount: candidates,
		},
		Actor:     models.ActorSystem,
		CreatedAt: s.Now(),
	}
	if err := s.tasks.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record rejected assignment: %w", err)
	}
	return &Result{Assigned: false, Method: s.strategy.Name(), Reason: reason}, nil
}
