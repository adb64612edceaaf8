package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"ecobin-dispatch/internal/dispatch"
	"ecobin-dispatch/internal/lifecycle"
	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/monitor"
	"ecobin-dispatch/internal/notifier"
	"ecobin-dispatch/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stack struct {
	store    *repository.MemoryStore
	ingest   *Service
	manager  *lifecycle.Manager
	monitor  *monitor.Monitor
	binID    string
	driverID string
}

// newStack wires the real components over the memory store. withDriver controls whether
// the society has an eligible driver.
func newStack(t *testing.T, withDriver bool) *stack {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	societyID := uuid.New().String()
	binID := uuid.New().String()
	driverID := uuid.New().String()

	require.NoError(t, store.CreateBin(ctx, &models.Bin{
		BinID: binID, SocietyID: societyID, Latitude: 12.97, Longitude: 77.59, Status: models.BinStatusIdle,
	}))
	if withDriver {
		store.PutDriver(&models.Driver{DriverID: driverID, Name: "Asha", Role: models.RoleDriver, SocietyID: societyID})
		require.NoError(t, store.AppendLocation(ctx, &models.DriverLocationSample{
			DriverID: driverID, Latitude: 12.98, Longitude: 77.59, RecordedAt: time.Now(),
		}))
	}

	logger := zap.NewNop()
	thresholds := monitor.Thresholds{Create: 90, Complete: 10}
	selector := dispatch.NewSelector(store, store, store, dispatch.NewHeuristicStrategy(50), notifier.Nop{}, logger)
	manager := lifecycle.NewManager(store, store, selector, notifier.Nop{}, logger)
	mon := monitor.New(store, manager, selector, thresholds, logger)
	svc := NewService(store, store, mon, monitor.NewKeyedMutex(), notifier.Nop{}, thresholds, logger)

	return &stack{store: store, ingest: svc, manager: manager, monitor: mon, binID: binID, driverID: driverID}
}

func fill(v float64) models.TelemetryUpdate {
	return models.TelemetryUpdate{FillLevel: &v}
}

func (s *stack) send(t *testing.T, level float64) *models.Bin {
	bin, _, err := s.ingest.ApplyTelemetry(context.Background(), s.binID, fill(level))
	require.NoError(t, err)
	return bin
}

func (s *stack) tasks(t *testing.T) []*models.Task {
	tasks, err := s.store.ListTasks(context.Background(), repository.TaskFilter{BinID: s.binID})
	require.NoError(t, err)
	return tasks
}

func (s *stack) openTasks(t *testing.T) int {
	n := 0
	for _, task := range s.tasks(t) {
		if !task.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func TestApplyTelemetry_CrossingCreatesOneCriticalTask(t *testing.T) {
	s := newStack(t, true)

	s.send(t, 85)
	assert.Empty(t, s.tasks(t))

	bin := s.send(t, 92)
	assert.Equal(t, models.BinStatusFull, bin.Status)
	tasks := s.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskPriorityCritical, tasks[0].Priority)
	assert.Equal(t, 92.0, tasks[0].FillLevel)
	assert.Equal(t, models.TaskStatusAssigned, tasks[0].Status)

	s.send(t, 95)
	assert.Len(t, s.tasks(t), 1, "staying above the threshold must not open another task")
}

func TestApplyTelemetry_StuckTaskRetriedWithoutNewRow(t *testing.T) {
	s := newStack(t, false)

	s.send(t, 92)
	tasks := s.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCreated, tasks[0].Status)

	// a driver shows up; the next qualifying sample retries the same task
	s.store.PutDriver(&models.Driver{DriverID: s.driverID, Role: models.RoleDriver, SocietyID: tasks[0].SocietyID})
	require.NoError(t, s.store.AppendLocation(context.Background(), &models.DriverLocationSample{
		DriverID: s.driverID, Latitude: 12.97, Longitude: 77.6, RecordedAt: time.Now(),
	}))
	s.send(t, 94)

	tasks = s.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusAssigned, tasks[0].Status)

	events, err := s.store.ListEvents(context.Background(), repository.EventFilter{TaskID: tasks[0].TaskID})
	require.NoError(t, err)
	var types []models.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.EventType{models.EventCreated, models.EventAssignmentRejected, models.EventAssigned}, types)
}

func TestApplyTelemetry_EmptiedBinAutoCompletes(t *testing.T) {
	s := newStack(t, true)
	s.send(t, 92)
	s.send(t, 45)

	task := s.tasks(t)[0]
	require.Equal(t, models.TaskStatusAssigned, task.Status)

	s.send(t, 3)

	done, err := s.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)

	open, err := s.store.GetOpenAssignment(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Nil(t, open)

	events, err := s.store.ListEvents(context.Background(), repository.EventFilter{TaskID: task.TaskID})
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, models.EventCompleted, last.Type)
	payload := last.Payload.(models.CompletedPayload)
	assert.Equal(t, models.CompletionAutoSensed, payload.CompletionType)
	assert.Equal(t, 3.0, *payload.FinalFillLevel)
}

func TestApplyTelemetry_AtMostOneOpenTaskUnderSerializedTelemetry(t *testing.T) {
	s := newStack(t, true)
	levels := []float64{10, 50, 92, 97, 60, 15, 2, 40, 91, 99, 93, 5, 0, 95, 8}
	for _, level := range levels {
		s.send(t, level)
		assert.LessOrEqual(t, s.openTasks(t), 1)
	}
}

func TestApplyTelemetry_ConcurrentSameBinOpensOneTask(t *testing.T) {
	s := newStack(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(level float64) {
			defer wg.Done()
			_, _, err := s.ingest.ApplyTelemetry(context.Background(), s.binID, fill(level))
			assert.NoError(t, err)
		}(90 + float64(i%5))
	}
	wg.Wait()

	assert.Equal(t, 1, s.openTasks(t))
}

func TestApplyTelemetry_ValidationHasNoSideEffects(t *testing.T) {
	s := newStack(t, true)
	ctx := context.Background()

	_, _, err := s.ingest.ApplyTelemetry(ctx, "bin-7", fill(50))
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, _, err = s.ingest.ApplyTelemetry(ctx, s.binID, fill(math.NaN()))
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, _, err = s.ingest.ApplyTelemetry(ctx, s.binID, models.TelemetryUpdate{})
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, _, err = s.ingest.ApplyTelemetry(ctx, s.binID, fill(250))
	assert.True(t, errors.Is(err, models.ErrValidation))

	samples, err := s.store.ListSamples(ctx, repository.SampleFilter{BinIDs: []string{s.binID}})
	require.NoError(t, err)
	assert.Empty(t, samples)

	_, _, err = s.ingest.ApplyTelemetry(ctx, uuid.New().String(), fill(50))
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestApplyTelemetry_ClampsAndKeepsAbsentFields(t *testing.T) {
	s := newStack(t, false)
	temp := 31.5
	_, _, err := s.ingest.ApplyTelemetry(context.Background(), s.binID, models.TelemetryUpdate{Temperature: &temp})
	require.NoError(t, err)

	bin, sample, err := s.ingest.ApplyTelemetry(context.Background(), s.binID, fill(104))
	require.NoError(t, err)
	assert.Equal(t, 100.0, bin.FillLevel)
	assert.Equal(t, 31.5, *bin.Temperature)
	assert.Equal(t, int64(2), bin.ValidReadings)
	assert.Equal(t, 100.0, sample.FillLevel)
}

func TestRecordLocation(t *testing.T) {
	s := newStack(t, true)
	ctx := context.Background()
	lat, lon := 12.99, 77.61

	sample, err := s.ingest.RecordLocation(ctx, s.driverID, models.LocationUpdate{Latitude: &lat, Longitude: &lon})
	require.NoError(t, err)
	assert.NotZero(t, sample.ID)

	locs, err := s.store.LatestLocations(ctx, []string{s.driverID})
	require.NoError(t, err)
	assert.Equal(t, 12.99, locs[s.driverID].Latitude)

	_, err = s.ingest.RecordLocation(ctx, s.driverID, models.LocationUpdate{Latitude: &lat})
	assert.True(t, errors.Is(err, models.ErrValidation))

	bad := 123.0
	_, err = s.ingest.RecordLocation(ctx, s.driverID, models.LocationUpdate{Latitude: &bad, Longitude: &lon})
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = s.ingest.RecordLocation(ctx, uuid.New().String(), models.LocationUpdate{Latitude: &lat, Longitude: &lon})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestRegisterBin(t *testing.T) {
	s := newStack(t, false)
	bin, err := s.ingest.RegisterBin(context.Background(), RegisterBinRequest{
		SocietyID: uuid.New().String(), Label: "Block C", Latitude: 12.9, Longitude: 77.6,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, bin.BinID)
	assert.Equal(t, models.BinStatusIdle, bin.Status)

	_, err = s.ingest.RegisterBin(context.Background(), RegisterBinRequest{SocietyID: "nope"})
	assert.True(t, errors.Is(err, models.ErrValidation))
}
