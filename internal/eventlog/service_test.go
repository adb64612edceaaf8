package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type timelineFixture struct {
	store     *repository.MemoryStore
	svc       *Service
	societyID string
	binA      string
	binB      string
	driverID  string
	clock     time.Time
}

func newTimelineFixture(t *testing.T) *timelineFixture {
	f := &timelineFixture{
		store:     repository.NewMemoryStore(),
		societyID: uuid.New().String(),
		binA:      uuid.New().String(),
		binB:      uuid.New().String(),
		driverID:  uuid.New().String(),
		clock:     base,
	}
	ctx := context.Background()
	for _, id := range []string{f.binA, f.binB} {
		require.NoError(t, f.store.CreateBin(ctx, &models.Bin{BinID: id, SocietyID: f.societyID, Status: models.BinStatusIdle}))
	}
	f.store.PutDriver(&models.Driver{DriverID: f.driverID, Name: "Asha", Role: models.RoleDriver, SocietyID: f.societyID})
	f.svc = NewService(f.store, f.store, f.store, NewSynthesizer(DefaultRules), zap.NewNop())
	return f
}

func (f *timelineFixture) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func (f *timelineFixture) levels(t *testing.T, binID string, levels ...float64) {
	for _, level := range levels {
		level := level
		_, _, err := f.store.ApplyTelemetry(context.Background(), binID, f.tick(), func(b *models.Bin) error {
			b.FillLevel = level
			return nil
		})
		require.NoError(t, err)
	}
}

// assignTask opens a task on binID and assigns it to the fixture driver without a name in the payload
func (f *timelineFixture) assignTask(t *testing.T, binID string) {
	ctx := context.Background()
	task := &models.Task{
		TaskID: uuid.New().String(), BinID: binID, SocietyID: f.societyID, FillLevel: 92,
		Priority: models.TaskPriorityCritical, Status: models.TaskStatusCreated, CreatedBy: models.ActorSystem, CreatedAt: f.tick(),
	}
	require.NoError(t, f.store.CreateTask(ctx, task, &models.TaskEvent{
		EventID: uuid.New().String(), TaskID: task.TaskID, BinID: binID, SocietyID: f.societyID,
		Type: models.EventCreated, Actor: models.ActorSystem, CreatedAt: task.CreatedAt,
		Payload: models.CreatedPayload{Source: "threshold", FillLevel: 92, Priority: models.TaskPriorityCritical},
	}))
	at := f.tick()
	require.NoError(t, f.store.Assign(ctx, task, &models.Assignment{
		AssignmentID: uuid.New().String(), TaskID: task.TaskID, DriverID: f.driverID,
		Status: models.TaskStatusAssigned, AssignedAt: at,
	}, &models.TaskEvent{
		EventID: uuid.New().String(), TaskID: task.TaskID, BinID: binID, SocietyID: f.societyID,
		Type: models.EventAssigned, Actor: models.ActorSystem, CreatedAt: at,
		Payload: models.AssignedPayload{DriverID: f.driverID, Method: "heuristic"},
	}))
}

func TestService_Timeline(t *testing.T) {
	f := newTimelineFixture(t)
	f.levels(t, f.binA, 10, 50, 92)
	f.assignTask(t, f.binA)
	f.levels(t, f.binA, 60, 15, 2)
	f.levels(t, f.binB, 30, 95)

	entries, err := f.svc.Timeline(context.Background(), Query{SocietyID: f.societyID})
	require.NoError(t, err)
	assert.Equal(t, []string{KindBinFilled, KindBinEmptied, KindTaskAssigned, KindTaskCreated, KindBinFilled}, kinds(entries))
	assert.Equal(t, f.binB, entries[0].BinID)
	// driver name resolved from the directory
	assert.Equal(t, "Assigned to Asha (heuristic)", entries[2].Message)
}

func TestService_TimelineFilters(t *testing.T) {
	f := newTimelineFixture(t)
	f.levels(t, f.binA, 10, 95)
	f.assignTask(t, f.binA)
	f.levels(t, f.binB, 10, 95)

	ctx := context.Background()

	byBin, err := f.svc.Timeline(ctx, Query{BinID: f.binB})
	require.NoError(t, err)
	require.Len(t, byBin, 1)
	assert.Equal(t, f.binB, byBin[0].BinID)

	byDriver, err := f.svc.Timeline(ctx, Query{DriverID: f.driverID})
	require.NoError(t, err)
	for _, e := range byDriver {
		assert.Equal(t, f.binA, e.BinID)
	}
	assert.Len(t, byDriver, 3)

	idle, err := f.svc.Timeline(ctx, Query{DriverID: uuid.New().String()})
	require.NoError(t, err)
	assert.Empty(t, idle)

	limited, err := f.svc.Timeline(ctx, Query{SocietyID: f.societyID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestService_EmptiedCounts(t *testing.T) {
	f := newTimelineFixture(t)
	f.levels(t, f.binA, 10, 4, 30, 2)
	f.levels(t, f.binB, 70, 90)

	counts, err := f.svc.EmptiedCounts(context.Background(), Query{SocietyID: f.societyID})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{f.binA: 2}, counts)
}

func TestService_RejectsMalformedQuery(t *testing.T) {
	f := newTimelineFixture(t)
	ctx := context.Background()

	_, err := f.svc.Timeline(ctx, Query{BinID: "not-a-uuid"})
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.svc.EmptiedCounts(ctx, Query{Limit: -1})
	assert.True(t, errors.Is(err, models.ErrValidation))
}
