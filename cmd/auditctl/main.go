// Package main is the operator CLI for the audit chain.
//
//	auditctl migrate [--down]                       apply or revert the schema
//	auditctl verify --tenant ID                     check one tenant's chain
//	auditctl export --tenant ID [--format csv]      stream entries to a file
//	auditctl reap [--once]                          run the retention reaper
//	auditctl token --tenant ID                      sign a bearer token for the API
//
// Every command reads the same environment variables as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"auditchain/internal/audit/service"
	"auditchain/internal/audit/store"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/database"
	"auditchain/internal/platform/logger"
)

// version is injected via ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&app{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand shares. openDB and openStore are
// replaced in tests.
type app struct {
	cfg config.Config
	log *slog.Logger

	openDB    func(ctx context.Context) (*database.Pool, error)
	openStore func(ctx context.Context) (service.Store, io.Closer, error)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "auditctl",
		Short:        "Operate the tamper-evident audit chain",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newVerifyCmd(a))
	root.AddCommand(newExportCmd(a))
	root.AddCommand(newReapCmd(a))
	root.AddCommand(newTokenCmd(a))
	return root
}

// load loads configuration once. Logs go to stderr so stdout stays clean
// for exports and tokens. Tests preset log and the open functions.
func (a *app) load(stderr io.Writer) error {
	if a.log != nil {
		return nil
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.log = logger.NewWithWriter(stderr, cfg.LogLevel)

	if a.openDB == nil {
		a.openDB = func(ctx context.Context) (*database.Pool, error) {
			if a.cfg.Database.URL == "" {
				return nil, errors.New("DATABASE_URL is required")
			}
			return database.New(ctx, a.cfg.Database)
		}
	}
	if a.openStore == nil {
		a.openStore = func(ctx context.Context) (service.Store, io.Closer, error) {
			pool, err := a.openDB(ctx)
			if err != nil {
				return nil, nil, err
			}
			return store.NewPostgres(pool.DB()), pool, nil
		}
	}
	return nil
}
