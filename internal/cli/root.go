package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tableside/internal/common/logger"
	"tableside/internal/config"
	"tableside/internal/connections/database"
	"tableside/internal/microservices/kitchen"
	"tableside/internal/microservices/notificator"
	"tableside/internal/microservices/order"
	"tableside/internal/microservices/order/repository"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	cfg        *config.Config
}

// NewRootCommand creates the tableside command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tableside",
		Short:         "Dine-in order aggregation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if !cmd.Flags().Changed("config") {
				if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
					path = ""
				}
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yml", "path to the YAML config file; defaults apply when the default file is absent")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newKitchenCommand(opts))
	cmd.AddCommand(newNotifyCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func (o *RootOptions) logger(service string) *logger.Logger {
	return logger.NewWithOptions(service, o.cfg.Log.Level, o.cfg.Log.Mode)
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	var port, maxConcurrent int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				opts.cfg.Server.Port = port
			}
			if maxConcurrent > 0 {
				opts.cfg.Server.MaxConcurrent = maxConcurrent
			}
			lg := opts.logger("order-service")
			defer func() { _ = lg.Sync() }()
			return order.Run(cmd.Context(), opts.cfg, lg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "http port (overrides server.port)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "max in-flight requests (overrides server.max_concurrent)")
	return cmd
}

func newKitchenCommand(opts *RootOptions) *cobra.Command {
	var workerName string
	var prefetch int
	cmd := &cobra.Command{
		Use:   "kitchen-worker",
		Short: "Advance new orders through preparing and served",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerName != "" {
				opts.cfg.Kitchen.WorkerName = workerName
			}
			if prefetch > 0 {
				opts.cfg.Kitchen.Prefetch = prefetch
			}
			lg := opts.logger("kitchen-worker")
			defer func() { _ = lg.Sync() }()
			return kitchen.Run(cmd.Context(), opts.cfg, lg)
		},
	}
	cmd.Flags().StringVar(&workerName, "worker-name", "", "unique worker name (overrides kitchen.worker_name)")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "RabbitMQ prefetch (overrides kitchen.prefetch)")
	return cmd
}

func newNotifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notification-subscriber",
		Short: "Log order events for staff dashboards",
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := opts.logger("notification-subscriber")
			defer func() { _ = lg.Sync() }()
			return notificator.Start(cmd.Context(), opts.cfg, lg)
		},
	}
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), opts.cfg, opts.logger("migrate"))
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("nothing to migrate for the memory driver")
	}
	db, err := database.ConnectDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.Migrate(ctx, db, database.Dialect(cfg.Database)); err != nil {
		return err
	}
	lg.Info("schema_applied", map[string]any{"driver": cfg.Database.Driver})
	return nil
}
