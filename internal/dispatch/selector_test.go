package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/notifier"
	"ecobin-dispatch/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type pushed struct {
	target notifier.Target
	event  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []pushed
	err    error
}

func (r *recordingNotifier) Push(_ context.Context, target notifier.Target, event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushed{target: target, event: event})
	return r.err
}

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) (*repository.MemoryStore, *models.Task) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateBin(ctx, &models.Bin{
		BinID: "b-1", SocietyID: "s-1", Latitude: 12.9716, Longitude: 77.5946, FillLevel: 93,
	}))
	store.PutDriver(&models.Driver{DriverID: "d-1", Name: "Asha", Role: models.RoleDriver, SocietyID: "s-1"})
	store.PutDriver(&models.Driver{DriverID: "d-2", Name: "Ravi", Role: models.RoleDriver, SocietyID: "s-1"})
	store.PutDriver(&models.Driver{DriverID: "d-x", Name: "Other", Role: models.RoleDriver, SocietyID: "s-2"})
	require.NoError(t, store.AppendLocation(ctx, &models.DriverLocationSample{DriverID: "d-1", Latitude: 12.98, Longitude: 77.59, RecordedAt: fixedNow}))
	require.NoError(t, store.AppendLocation(ctx, &models.DriverLocationSample{DriverID: "d-2", Latitude: 13.10, Longitude: 77.59, RecordedAt: fixedNow}))

	task := &models.Task{
		TaskID: "t-1", BinID: "b-1", SocietyID: "s-1", FillLevel: 93,
		Priority: models.TaskPriorityCritical, Status: models.TaskStatusCreated,
		CreatedBy: models.ActorSystem, CreatedAt: fixedNow, UpdatedAt: fixedNow,
	}
	require.NoError(t, store.CreateTask(ctx, task, nil))
	return store, task
}

func newTestSelector(store *repository.MemoryStore, strategy Strategy, n notifier.Notifier) *Selector {
	s := NewSelector(store, store, store, strategy, n, zap.NewNop())
	s.Now = func() time.Time { return fixedNow }
	return s
}

func TestSelector_AssignsAndNotifies(t *testing.T) {
	store, task := seedStore(t)
	rec := &recordingNotifier{}
	sel := newTestSelector(store, NewHeuristicStrategy(50), rec)

	res, err := sel.Assign(context.Background(), task)
	require.NoError(t, err)
	require.True(t, res.Assigned)
	assert.Equal(t, "d-1", res.Driver.DriverID)
	assert.Equal(t, models.TaskStatusAssigned, task.Status)

	stored, err := store.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, stored.Status)

	a, err := store.GetOpenAssignment(context.Background(), "t-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, fixedNow, a.AssignedAt)

	events, err := store.ListEvents(context.Background(), repository.EventFilter{TaskID: "t-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	payload := events[0].Payload.(models.AssignedPayload)
	assert.Equal(t, "d-1", payload.DriverID)
	assert.Equal(t, "Asha", payload.DriverName)
	assert.Equal(t, MethodHeuristic, payload.Method)

	require.Len(t, rec.pushes, 2)
	assert.Equal(t, notifier.Driver("d-1"), rec.pushes[0].target)
	assert.Equal(t, notifier.EventTaskAssigned, rec.pushes[0].event)
	assert.Equal(t, notifier.Society("s-1"), rec.pushes[1].target)
}

func TestSelector_PushFailuresAreLogged(t *testing.T) {
	store, task := seedStore(t)
	rec := &recordingNotifier{err: errors.New("stream unavailable")}
	core, logs := observer.New(zap.WarnLevel)
	sel := NewSelector(store, store, store, NewHeuristicStrategy(50), rec, zap.New(core))

	res, err := sel.Assign(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Assigned)
	assert.Len(t, rec.pushes, 2)
	assert.Equal(t, 2, logs.FilterMessage("Failed to push notification").Len())
}

func TestSelector_OracleUnknownDriverLeavesTaskCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"driver_id":"d-x","reason":"other society"}`))
	}))
	defer srv.Close()

	store, task := seedStore(t)
	rec := &recordingNotifier{}
	sel := newTestSelector(store, NewOracleStrategy(srv.URL, "", time.Second, zap.NewNop()), rec)

	res, err := sel.Assign(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Contains(t, res.Reason, "d-x")

	stored, err := store.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCreated, stored.Status)

	a, err := store.GetOpenAssignment(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Nil(t, a)

	events, err := store.ListEvents(context.Background(), repository.EventFilter{TaskID: "t-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAssignmentRejected, events[0].Type)
	rejected := events[0].Payload.(models.AssignmentRejectedPayload)
	assert.Equal(t, MethodOracle, rejected.Method)
	assert.Equal(t, 2, rejected.CandidateCount)
	assert.Empty(t, rec.pushes)
}

func TestSelector_NoCandidates(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateBin(ctx, &models.Bin{BinID: "b-9", SocietyID: "s-9"}))
	task := &models.Task{TaskID: "t-9", BinID: "b-9", SocietyID: "s-9", Status: models.TaskStatusCreated}
	require.NoError(t, store.CreateTask(ctx, task, nil))

	res, err := newTestSelector(store, NewHeuristicStrategy(50), nil).Assign(ctx, task)
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Contains(t, res.Reason, "no eligible drivers")
}

func TestSelector_RejectsNonCreatedTask(t *testing.T) {
	store, task := seedStore(t)
	task.Status = models.TaskStatusAccepted
	_, err := newTestSelector(store, NewHeuristicStrategy(50), nil).Assign(context.Background(), task)
	assert.True(t, errors.Is(err, models.ErrInvalidState))
}

func TestSelector_WorkloadCountsOpenAssignments(t *testing.T) {
	store, _ := seedStore(t)
	ctx := context.Background()

	sc, err := newTestSelector(store, NewHeuristicStrategy(50), nil).BuildContext(ctx, &models.Task{TaskID: "t-1", BinID: "b-1", SocietyID: "s-1"})
	require.NoError(t, err)
	require.Len(t, sc.Candidates, 2)
	for _, c := range sc.Candidates {
		assert.Equal(t, 0, c.ActiveTasks)
		assert.True(t, c.HasLocation())
	}
}
