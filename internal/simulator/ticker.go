package simulator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"ecobin-dispatch/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BinLister source of the bins to drive
type BinLister interface {
	ListBins(ctx context.Context, societyID string) ([]*models.Bin, error)
}

// TelemetryApplier the ingest path the simulated telemetry goes through
type TelemetryApplier interface {
	ApplyTelemetry(ctx context.Context, binID string, update models.TelemetryUpdate) (*models.Bin, *models.BinSample, error)
}

// Options simulator knobs
type Options struct {
	Interval time.Duration
	// MaxStep largest fill increase per tick, in percent
	MaxStep float64
	// CollectAbove level at which a bin may be emptied by a simulated collection
	CollectAbove float64
	// CollectChance probability per tick that a bin at or above CollectAbove is emptied
	CollectChance float64
	// Parallelism bins applied at once; a slow dispatch for one bin only holds its own slot
	Parallelism int
	Seed        int64
}

// Ticker emits random-walk telemetry for every bin at a fixed interval
type Ticker struct {
	bins   BinLister
	apply  TelemetryApplier
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	rnd     *rand.Rand
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

var ErrAlreadyStarted = errors.New("simulator already started")

func NewTicker(bins BinLister, apply TelemetryApplier, opts Options, logger *zap.Logger) *Ticker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxStep <= 0 {
		opts.MaxStep = 8
	}
	if opts.CollectAbove <= 0 {
		opts.CollectAbove = 95
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Ticker{
		bins:   bins,
		apply:  apply,
		opts:   opts,
		logger: logger,
		rnd:    rand.New(rand.NewSource(opts.Seed)),
	}
}

// Start runs the loop in its own goroutine until Stop or ctx cancellation
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.loop(ctx, t.done)

	t.logger.Info("Telemetry simulator started",
		zap.Duration("interval", t.opts.Interval),
		zap.Float64("max_step", t.opts.MaxStep),
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick. Safe to call more than once.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
	t.logger.Info("Telemetry simulator stopped")
}

func (t *Ticker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Tick(ctx); err != nil {
				t.logger.Error("Failed to run simulator tick", zap.Error(err))
			}
		}
	}
}

// Tick sends one simulated reading per bin and returns how many were applied.
// Bins are applied concurrently, up to Parallelism at once. Per-bin failures are logged and
// skipped.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	bins, err := t.bins.ListBins(ctx, "")
	if err != nil {
		return 0, err
	}
	// levels are drawn in list order so a seeded run is reproducible
	levels := make([]float64, len(bins))
	for i, bin := range bins {
		levels[i] = t.next(bin.FillLevel)
	}

	var applied atomic.Int64
	var g errgroup.Group
	g.SetLimit(t.opts.Parallelism)
	for i, bin := range bins {
		if ctx.Err() != nil {
			break
		}
		binID, level := bin.BinID, levels[i]
		g.Go(func() error {
			if _, _, err := t.apply.ApplyTelemetry(ctx, binID, models.TelemetryUpdate{FillLevel: &level}); err != nil {
				t.logger.Warn("Simulated telemetry rejected",
					zap.String("bin_id", binID),
					zap.Float64("fill_level", level),
					zap.Error(err),
				)
				return nil
			}
			applied.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(applied.Load()), nil
}

// next mostly rising walk; full bins are sometimes collected down to near empty
func (t *Ticker) next(level float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level >= t.opts.CollectAbove && t.rnd.Float64() < t.opts.CollectChance {
		return t.rnd.Float64() * 3
	}
	step := t.rnd.Float64()*t.opts.MaxStep*1.25 - t.opts.MaxStep*0.25
	return models.ClampFill(level + step)
}
