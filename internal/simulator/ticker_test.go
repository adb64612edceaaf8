package simulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ecobin-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBins struct {
	bins []*models.Bin
	err  error
}

func (f *fakeBins) ListBins(_ context.Context, _ string) ([]*models.Bin, error) {
	return f.bins, f.err
}

type recorder struct {
	mu      sync.Mutex
	updates map[string][]float64
	reject  string
	// hold blocks ApplyTelemetry for that bin until closed
	hold map[string]chan struct{}
}

func (r *recorder) ApplyTelemetry(ctx context.Context, binID string, u models.TelemetryUpdate) (*models.Bin, *models.BinSample, error) {
	if gate := r.hold[binID]; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if binID == r.reject {
		return nil, nil, models.ErrNotFound
	}
	if r.updates == nil {
		r.updates = map[string][]float64{}
	}
	r.updates[binID] = append(r.updates[binID], *u.FillLevel)
	return &models.Bin{BinID: binID, FillLevel: *u.FillLevel}, nil, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.updates {
		n += len(v)
	}
	return n
}

func TestTick_AppliesOneReadingPerBin(t *testing.T) {
	bins := &fakeBins{bins: []*models.Bin{
		{BinID: "a", FillLevel: 0},
		{BinID: "b", FillLevel: 99.5},
		{BinID: "c", FillLevel: 50},
	}}
	rec := &recorder{reject: "c"}
	tk := NewTicker(bins, rec, Options{MaxStep: 8, Seed: 42}, zap.NewNop())

	n, err := tk.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rec.updates["a"], 1)
	require.Len(t, rec.updates["b"], 1)
	for _, levels := range rec.updates {
		assert.GreaterOrEqual(t, levels[0], 0.0)
		assert.LessOrEqual(t, levels[0], 100.0)
	}
}

func (r *recorder) applied(binID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates[binID])
}

func TestTick_SlowBinDoesNotHoldOthers(t *testing.T) {
	bins := &fakeBins{bins: []*models.Bin{
		{BinID: "a", FillLevel: 92},
		{BinID: "b", FillLevel: 40},
		{BinID: "c", FillLevel: 10},
	}}
	release := make(chan struct{})
	rec := &recorder{hold: map[string]chan struct{}{"a": release}}
	tk := NewTicker(bins, rec, Options{Seed: 7, Parallelism: 2}, zap.NewNop())

	done := make(chan int, 1)
	go func() {
		n, _ := tk.Tick(context.Background())
		done <- n
	}()

	require.Eventually(t, func() bool { return rec.applied("b") == 1 && rec.applied("c") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.applied("a"))

	close(release)
	select {
	case n := <-done:
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("tick did not finish")
	}
}

func TestTick_SeededLevelsAreReproducible(t *testing.T) {
	bins := &fakeBins{bins: []*models.Bin{{BinID: "a", FillLevel: 30}, {BinID: "b", FillLevel: 60}, {BinID: "c", FillLevel: 96}}}
	first, second := &recorder{}, &recorder{}

	_, err := NewTicker(bins, first, Options{Seed: 11}, zap.NewNop()).Tick(context.Background())
	require.NoError(t, err)
	_, err = NewTicker(bins, second, Options{Seed: 11}, zap.NewNop()).Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.updates, second.updates)
}

func TestTick_ListFailure(t *testing.T) {
	tk := NewTicker(&fakeBins{err: errors.New("db down")}, &recorder{}, Options{}, zap.NewNop())
	_, err := tk.Tick(context.Background())
	assert.Error(t, err)
}

func TestNext_StaysInRangeAndCollects(t *testing.T) {
	tk := NewTicker(nil, nil, Options{MaxStep: 10, CollectAbove: 95, CollectChance: 1, Seed: 7}, zap.NewNop())

	level := 0.0
	for i := 0; i < 500; i++ {
		level = tk.next(level)
		require.GreaterOrEqual(t, level, 0.0)
		require.LessOrEqual(t, level, 100.0)
	}
	assert.Less(t, tk.next(97), 3.0)
}

func TestStartStop(t *testing.T) {
	bins := &fakeBins{bins: []*models.Bin{{BinID: "a", FillLevel: 10}}}
	rec := &recorder{}
	tk := NewTicker(bins, rec, Options{Interval: 5 * time.Millisecond, Seed: 1}, zap.NewNop())

	require.NoError(t, tk.Start(context.Background()))
	assert.ErrorIs(t, tk.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)

	tk.Stop()
	after := rec.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.count())

	tk.Stop()
	require.NoError(t, tk.Start(context.Background()))
	tk.Stop()
}
