package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"ecobin-dispatch/internal/common/database"
	"ecobin-dispatch/internal/common/logger"
	"ecobin-dispatch/internal/config"
	"ecobin-dispatch/internal/dispatch"
	"ecobin-dispatch/internal/eventlog"
	"ecobin-dispatch/internal/migrate"
	"ecobin-dispatch/internal/repository"
	"ecobin-dispatch/internal/service"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "ecobin-dispatch"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Bin telemetry, threshold monitoring and driver dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (yaml, json or toml); environment variables take precedence")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newServeCmd(), newMigrateCmd(), newTimelineCmd(), newScoreCmd())
	return root
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MQTT consumer and simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.NewDispatchService(ctx, cfg, log)
			if err != nil {
				log.Error("Failed to create dispatch service", zap.Error(err))
				return err
			}
			runErr := svc.Start(ctx)
			if err := svc.Stop(); err != nil {
				log.Error("Error during shutdown", zap.Error(err))
			}
			return runErr
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := database.NewPostgresDB(cmd.Context(), &cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close(db)

			applied, err := migrate.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func newTimelineCmd() *cobra.Command {
	var (
		binID, societyID, driverID string
		limit                      int
		asJSON                     bool
	)
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print the synthesized bin and task timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			db, err := database.NewPostgresDB(ctx, &cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close(db)

			synth := eventlog.NewSynthesizer(eventlog.Rules{
				FilledLevel:  cfg.EventLog.FilledLevel,
				EmptiedLevel: cfg.EventLog.EmptiedLevel,
				DropFrom:     cfg.EventLog.DropFrom,
				DropTo:       cfg.EventLog.DropTo,
				DropMin:      cfg.EventLog.DropMin,
				DefaultLimit: cfg.EventLog.DefaultLimit,
				MaxLimit:     cfg.EventLog.MaxLimit,
			})
			logs := eventlog.NewService(
				repository.NewPostgresBinsRepository(db, log),
				repository.NewPostgresTasksRepository(db, log),
				repository.NewPostgresDriversRepository(db, log),
				synth, log,
			)
			entries, err := logs.Timeline(ctx, eventlog.Query{SocietyID: societyID, BinID: binID, DriverID: driverID, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			renderTimeline(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&binID, "bin", "", "bin id")
	cmd.Flags().StringVar(&societyID, "society", "", "society id")
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries (default from LOG_DEFAULT_LIMIT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func renderTimeline(w io.Writer, entries []eventlog.Entry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "Title", "Message", "Bin", "Task", "Fill"})
	for _, e := range entries {
		fill := ""
		if e.FillLevel != nil {
			fill = fmt.Sprintf("%.0f%%", *e.FillLevel)
		}
		tw.AppendRow(table.Row{e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Title, e.Message, e.BinID, e.TaskID, fill})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d entries", len(entries))})
	tw.Render()
}

func newScoreCmd() *cobra.Command {
	var (
		distance float64
		workload int
		weight   float64
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the heuristic driver score for a distance and workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if distance < 0 || workload < 0 {
				return fmt.Errorf("distance and workload must not be negative")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f\n", dispatch.WeightedScore(distance, workload, weight))
			return nil
		},
	}
	cmd.Flags().Float64Var(&distance, "distance", 0, "distance to the bin in km")
	cmd.Flags().IntVar(&workload, "workload", 0, "open assignments of the driver")
	cmd.Flags().Float64Var(&weight, "weight", dispatch.DefaultWorkloadWeightKm, "km added per open assignment")
	return cmd
}
