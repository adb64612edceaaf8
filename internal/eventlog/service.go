package eventlog

import (
	"context"
	"fmt"
	"time"

	"ecobin-dispatch/internal/models"
	"ecobin-dispatch/internal/repository"

	"go.uber.org/zap"
)

// DefaultSampleWindow most recent samples replayed per timeline query
const DefaultSampleWindow = 5000

// Query timeline filters; empty fields are not applied
type Query struct {
	SocietyID string
	BinID     string
	DriverID  string
	Since     *time.Time
	Limit     int
}

// Service loads samples, events and driver names and hands them to the Synthesizer
type Service struct {
	bins    repository.BinsRepository
	tasks   repository.TasksRepository
	drivers repository.DriversRepository
	synth   *Synthesizer
	logger  *zap.Logger

	// SampleWindow caps the sample history read per query
	SampleWindow int
}

func NewService(bins repository.BinsRepository, tasks repository.TasksRepository, drivers repository.DriversRepository, synth *Synthesizer, logger *zap.Logger) *Service {
	return &Service{
		bins:         bins,
		tasks:        tasks,
		drivers:      drivers,
		synth:        synth,
		logger:       logger,
		SampleWindow: DefaultSampleWindow,
	}
}

// Timeline newest-first entries matching q
func (s *Service) Timeline(ctx context.Context, q Query) ([]Entry, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	limit := s.synth.Limit(q.Limit)

	events, err := s.tasks.ListEvents(ctx, repository.EventFilter{
		SocietyID: q.SocietyID,
		BinID:     q.BinID,
		DriverID:  q.DriverID,
		Since:     q.Since,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	samples, err := s.samples(ctx, q)
	if err != nil {
		return nil, err
	}

	drivers, err := s.driverNames(ctx, events)
	if err != nil {
		return nil, err
	}

	entries := s.synth.Synthesize(samples, events, drivers, limit)
	s.logger.Debug("Timeline synthesized",
		zap.String("society_id", q.SocietyID),
		zap.String("bin_id", q.BinID),
		zap.String("driver_id", q.DriverID),
		zap.Int("samples", len(samples)),
		zap.Int("events", len(events)),
		zap.Int("entries", len(entries)),
	)
	return entries, nil
}

// EmptiedCounts per-bin emptied episodes over the sample window
func (s *Service) EmptiedCounts(ctx context.Context, q Query) (map[string]int, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	samples, err := s.samples(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.synth.EmptiedCounts(samples), nil
}

// samples for the bins in scope. A driver filter narrows to bins of tasks the driver was
// ever assigned; a driver with no tasks has no bin entries.
func (s *Service) samples(ctx context.Context, q Query) ([]*models.BinSample, error) {
	filter := repository.SampleFilter{
		SocietyID: q.SocietyID,
		Since:     q.Since,
		Limit:     s.SampleWindow,
	}
	switch {
	case q.BinID != "":
		filter.BinIDs = []string{q.BinID}
	case q.DriverID != "":
		tasks, err := s.tasks.ListTasks(ctx, repository.TaskFilter{SocietyID: q.SocietyID, DriverID: q.DriverID})
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, t := range tasks {
			if !seen[t.BinID] {
				seen[t.BinID] = true
				filter.BinIDs = append(filter.BinIDs, t.BinID)
			}
		}
		if len(filter.BinIDs) == 0 {
			return nil, nil
		}
	}
	return s.bins.ListSamples(ctx, filter)
}

// driverNames directory entries for assigned events whose payload carries no name
func (s *Service) driverNames(ctx context.Context, events []*models.TaskEvent) (map[string]*models.Driver, error) {
	var ids []string
	seen := map[string]bool{}
	for _, e := range events {
		p, ok := e.Payload.(models.AssignedPayload)
		if !ok || p.DriverName != "" || p.DriverID == "" || seen[p.DriverID] {
			continue
		}
		seen[p.DriverID] = true
		ids = append(ids, p.DriverID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.drivers.GetDrivers(ctx, ids)
}

func validateQuery(q Query) error {
	ids := [][2]string{{"society_id", q.SocietyID}, {"bin_id", q.BinID}, {"driver_id", q.DriverID}}
	for _, id := range ids {
		if id[1] == "" {
			continue
		}
		if err := models.ValidateID(id[0], id[1]); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", models.ErrValidation)
	}
	return nil
}
