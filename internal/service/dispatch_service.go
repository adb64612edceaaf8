package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ecobin-dispatch/internal/common/database"
	mqttcommon "ecobin-dispatch/internal/common/mqtt"
	rediscommon "ecobin-dispatch/internal/common/redis"
	"ecobin-dispatch/internal/config"
	"ecobin-dispatch/internal/consumer"
	"ecobin-dispatch/internal/dispatch"
	"ecobin-dispatch/internal/eventlog"
	httpapi "ecobin-dispatch/internal/http"
	"ecobin-dispatch/internal/ingest"
	"ecobin-dispatch/internal/lifecycle"
	"ecobin-dispatch/internal/migrate"
	"ecobin-dispatch/internal/monitor"
	"ecobin-dispatch/internal/notifier"
	"ecobin-dispatch/internal/repository"
	"ecobin-dispatch/internal/simulator"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatchService owns every connection and component of the running service
type DispatchService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	// Memory is set when the database is disabled
	Memory *repository.MemoryStore

	Bins    repository.BinsRepository
	Tasks   repository.TasksRepository
	Drivers repository.DriversRepository

	Ingest   *ingest.Service
	Manager  *lifecycle.Manager
	Selector *dispatch.Selector
	Monitor  *monitor.Monitor
	Logs     *eventlog.Service

	simulator *simulator.Ticker
	consumer  *consumer.MQTTConsumer
	handler   http.Handler
	server    *Server
}

// NewDispatchService connects to the configured backends and wires the components.
// Connections opened before a failure are closed again.
func NewDispatchService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *DispatchService, err error) {
	s := &DispatchService{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.closeConnections()
		}
	}()

	if cfg.DatabaseEnabled {
		s.db, err = database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			applied, err := migrate.Migrate(ctx, s.db)
			if err != nil {
				return nil, err
			}
			logger.Info("Database schema ready", zap.Int("migrations_applied", applied))
		}
		s.Bins = repository.NewPostgresBinsRepository(s.db, logger)
		s.Tasks = repository.NewPostgresTasksRepository(s.db, logger)
		s.Drivers = repository.NewPostgresDriversRepository(s.db, logger)
	} else {
		logger.Warn("Database disabled, using the in-memory store")
		s.Memory = repository.NewMemoryStore()
		s.Bins, s.Tasks, s.Drivers = s.Memory, s.Memory, s.Memory
	}

	var notifiers notifier.Multi
	if cfg.Redis.Addr != "" {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err = rediscommon.Ping(ctx, s.redisClient); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		notifiers = append(notifiers, notifier.NewRedisNotifier(s.redisClient, cfg.Notifier.StreamPrefix, cfg.Notifier.StreamMaxLen))
	}
	if cfg.MQTT.Enabled {
		s.mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notifier.NewMQTTNotifier(s.mqttClient, cfg.Notifier.MQTTTopicPrefix, cfg.MQTT.QoS))
	}
	var push notifier.Notifier = notifier.Nop{}
	if len(notifiers) > 0 {
		push = notifier.NewLogged(notifiers, logger)
	}

	strategy, err := dispatch.NewStrategy(cfg.Dispatch.Strategy, cfg.Dispatch.OracleURL, cfg.Dispatch.OracleAPIKey,
		cfg.Dispatch.OracleTimeout, cfg.Dispatch.WorkloadWeightKm, logger)
	if err != nil {
		return nil, err
	}

	thresholds := monitor.Thresholds{Create: cfg.Thresholds.Create, Complete: cfg.Thresholds.Complete}
	s.Selector = dispatch.NewSelector(s.Bins, s.Tasks, s.Drivers, strategy, push, logger)
	s.Manager = lifecycle.NewManager(s.Bins, s.Tasks, s.Selector, push, logger)
	s.Monitor = monitor.New(s.Tasks, s.Manager, s.Selector, thresholds, logger)
	s.Ingest = ingest.NewService(s.Bins, s.Drivers, s.Monitor, monitor.NewKeyedMutex(), push, thresholds, logger)

	synth := eventlog.NewSynthesizer(eventlog.Rules{
		FilledLevel:  cfg.EventLog.FilledLevel,
		EmptiedLevel: cfg.EventLog.EmptiedLevel,
		DropFrom:     cfg.EventLog.DropFrom,
		DropTo:       cfg.EventLog.DropTo,
		DropMin:      cfg.EventLog.DropMin,
		DefaultLimit: cfg.EventLog.DefaultLimit,
		MaxLimit:     cfg.EventLog.MaxLimit,
	})
	s.Logs = eventlog.NewService(s.Bins, s.Tasks, s.Drivers, synth, logger)

	if cfg.Simulator.Enabled {
		s.simulator = simulator.NewTicker(s.Bins, s.Ingest, simulator.Options{
			Interval:      cfg.Simulator.Interval,
			MaxStep:       cfg.Simulator.MaxStep,
			CollectAbove:  cfg.Thresholds.Create,
			CollectChance: cfg.Simulator.CollectChance,
			Parallelism:   cfg.Simulator.Parallelism,
		}, logger)
	}
	if s.mqttClient != nil {
		s.consumer = consumer.NewMQTTConsumer(s.mqttClient, s.Ingest, consumer.Topics{
			Telemetry: cfg.Topics.Telemetry,
			Location:  cfg.Topics.Location,
		}, cfg.MQTT.QoS, logger)
	}

	h := httpapi.NewHandler(s.Ingest, s.Bins, s.Tasks, s.Manager, s.Logs, logger)
	s.handler = httpapi.NewRouter(h, s.Health, logger)
	s.server = NewServer(cfg.HTTP.Addr, s.handler, logger)

	return s, nil
}

// Handler the HTTP API
func (s *DispatchService) Handler() http.Handler {
	return s.handler
}

// Health pings the database and Redis when they are in use
func (s *DispatchService) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if s.redisClient != nil {
		if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Start runs the HTTP server, the MQTT consumer and the simulator until ctx is cancelled or
// one of them fails.
func (s *DispatchService) Start(ctx context.Context) error {
	s.logger.Info("Starting ecobin-dispatch service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.String("strategy", s.config.Dispatch.Strategy),
		zap.Bool("database_enabled", s.config.DatabaseEnabled),
		zap.Bool("mqtt_enabled", s.mqttClient != nil),
		zap.Bool("simulator_enabled", s.simulator != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(s.server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Stop(shutdownCtx)
	})

	if s.consumer != nil {
		g.Go(func() error { return s.consumer.Start(ctx) })
	}
	if s.simulator != nil {
		if err := s.simulator.Start(ctx); err != nil {
			return err
		}
	}

	err := g.Wait()
	if s.simulator != nil {
		s.simulator.Stop()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop releases subscriptions and connections; call after Start returns
func (s *DispatchService) Stop() error {
	var errs []error
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.closeConnections(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

func (s *DispatchService) closeConnections() error {
	var errs []error
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
		s.mqttClient = nil
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		s.redisClient = nil
	}
	if err := database.Close(s.db); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	s.db = nil
	return errors.Join(errs...)
}
