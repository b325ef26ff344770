package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/railzwaylabs/dunning/internal/clock"
	"github.com/railzwaylabs/dunning/internal/config"
	"github.com/railzwaylabs/dunning/internal/dunning"
	"github.com/railzwaylabs/dunning/internal/gateway"
	"github.com/railzwaylabs/dunning/internal/invoice"
	"github.com/railzwaylabs/dunning/internal/migration"
	"github.com/railzwaylabs/dunning/internal/notification"
	"github.com/railzwaylabs/dunning/internal/observability"
	"github.com/railzwaylabs/dunning/internal/redis"
	"github.com/railzwaylabs/dunning/internal/scheduler"
	"github.com/railzwaylabs/dunning/internal/server"
	"github.com/railzwaylabs/dunning/internal/subscription"
	"github.com/railzwaylabs/dunning/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "dunning",
		Short:   "Dunning and payment-retry engine",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newWorkerCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run webhook + admin API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the retry scheduler worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			runWorker()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then start API server and worker in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runMonolith()
			return nil
		},
	}
}

// coreModules is everything the engine needs regardless of process role.
func coreModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		subscription.Module,
		invoice.Module,
		gateway.Module,
		notification.Module,
		scheduler.Module,
		dunning.Module,
	)
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		coreModules(),
		server.Module,
		fx.Invoke(server.StartServer),
	)
	app.Run()
}

func runWorker() {
	app := fx.New(
		coreModules(),
		fx.Invoke(scheduler.StartWorker),
	)
	app.Run()
}

func runMonolith() {
	app := fx.New(
		coreModules(),
		server.Module,
		fx.Invoke(server.StartServer),
		fx.Invoke(scheduler.StartWorker),
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
