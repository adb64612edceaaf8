package ingest

import (
	"context"
	"fmt"
	"time"

	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/monitor"
	"ecobin-dispatch/internal/notifier"
	"ecobin-dispatch/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Evaluator runs threshold checks on a committed bin snapshot
type Evaluator interface {
	Evaluate(ctx context.Context, bin *models.Bin) (monitor.Outcome, error)
}

// RegisterBinRequest operator seed of a bin
type RegisterBinRequest struct {
	BinID     string  `json:"bin_id,omitempty"`
	SocietyID string  `json:"society_id"`
	Label     string  `json:"label,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Service applies bin telemetry and driver positions
type Service struct {
	bins       repository.BinsRepository
	drivers    repository.DriversRepository
	evaluator  Evaluator
	locks      *monitor.KeyedMutex
	notifier   notifier.Notifier
	thresholds monitor.Thresholds
	logger     *zap.Logger

	Now func() time.Time
}

func NewService(
	bins repository.BinsRepository,
	drivers repository.DriversRepository,
	evaluator Evaluator,
	locks *monitor.KeyedMutex,
	n notifier.Notifier,
	thresholds monitor.Thresholds,
	logger *zap.Logger,
) *Service {
	if locks == nil {
		locks = monitor.NewKeyedMutex()
	}
	return &Service{
		bins:       bins,
		drivers:    drivers,
		evaluator:  evaluator,
		locks:      locks,
		notifier:   notifier.Ensure(n, logger),
		thresholds: thresholds,
		logger:     logger,
		Now:        time.Now,
	}
}

// RegisterBin creates a bin in idle state
func (s *Service) RegisterBin(ctx context.Context, req RegisterBinRequest) (*models.Bin, error) {
	if req.BinID == "" {
		req.BinID = uuid.New().String()
	}
	if err := models.ValidateID("bin_id", req.BinID); err != nil {
		return nil, err
	}
	if err := models.ValidateID("society_id", req.SocietyID); err != nil {
		return nil, err
	}
	if err := models.ValidateCoordinates(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}
	now := s.Now()
	bin := &models.Bin{
		BinID:     req.BinID,
		SocietyID: req.SocietyID,
		Label:     req.Label,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Status:    models.BinStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.bins.CreateBin(ctx, bin); err != nil {
		return nil, err
	}
	return bin, nil
}

// ApplyTelemetry validates and merges a partial update, appends a sample, then runs the
// threshold monitor outside the write transaction. Monitor failures are logged only.
// Updates for one bin are applied and evaluated one at a time, in arrival order.
func (s *Service) ApplyTelemetry(ctx context.Context, binID string, update models.TelemetryUpdate) (*models.Bin, *models.BinSample, error) {
	if err := models.ValidateID("bin_id", binID); err != nil {
		return nil, nil, err
	}
	if err := update.Validate(); err != nil {
		return nil, nil, err
	}
	update = update.Normalize()

	unlock := s.locks.Lock(binID)
	defer unlock()

	bin, sample, err := s.bins.ApplyTelemetry(ctx, binID, s.Now(), func(b *models.Bin) error {
		update.Merge(b, s.thresholds.Create, s.thresholds.Complete)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("Telemetry applied",
		zap.String("bin_id", bin.BinID),
		zap.Float64("fill_level", bin.FillLevel),
		zap.String("status", string(bin.Status)),
	)

	if s.evaluator != nil {
		if _, err := s.evaluator.Evaluate(ctx, bin); err != nil {
			s.logger.Warn("Threshold evaluation failed",
				zap.String("bin_id", bin.BinID),
				zap.Float64("fill_level", bin.FillLevel),
				zap.Error(err),
			)
		}
	}
	return bin, sample, nil
}

// RecordLocation appends a driver position and broadcasts it to the driver's society
func (s *Service) RecordLocation(ctx context.Context, driverID string, update models.LocationUpdate) (*models.DriverLocationSample, error) {
	if err := models.ValidateID("driver_id", driverID); err != nil {
		return nil, err
	}
	if update.Latitude == nil || update.Longitude == nil {
		return nil, fmt.Errorf("%w: latitude and longitude are required", models.ErrValidation)
	}
	if err := models.ValidateCoordinates(*update.Latitude, *update.Longitude); err != nil {
		return nil, err
	}
	driver, err := s.drivers.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	sample := &models.DriverLocationSample{
		DriverID:   driver.DriverID,
		Latitude:   *update.Latitude,
		Longitude:  *update.Longitude,
		Heading:    update.Heading,
		Speed:      update.Speed,
		RecordedAt: s.Now(),
	}
	if err := s.drivers.AppendLocation(ctx, sample); err != nil {
		return nil, err
	}
	_ = s.notifier.Push(ctx, notifier.Society(driver.SocietyID), notifier.EventDriverLocation, sample)
	return sample, nil
}
