// Package cli implements reconctl, the operator command line for the
// reconciliation service.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"depositrecon/internal/app"
	"depositrecon/internal/common/database"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
	"depositrecon/migrations"
)

// Operations is the part of the reconciliation service reconctl drives.
type Operations interface {
	SyncInvoice(ctx context.Context, invoiceID string) (recon.SyncResult, error)
	SyncPrepaid(ctx context.Context, id string) (recon.PrepaidSyncResult, error)
	ConfirmByHash(ctx context.Context, invoiceID, txHash string) (recon.ConfirmResult, error)
	ApplyDepositsBatch(ctx context.Context, deposits []domain.ObservedDeposit) (recon.BatchResult, error)
}

// Connector opens the service for one command run. The returned func
// releases it.
type Connector func(ctx context.Context, logger *slog.Logger) (Operations, func(), error)

// Migrator applies schema migrations.
type Migrator func(logger *slog.Logger) error

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string
	Verbose bool
	Timeout time.Duration

	connect Connector
	migrate Migrator
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates reconctl wired to the environment configuration.
func NewRootCommand() *cobra.Command {
	return newRootCommand(connectFromEnv, migrateFromEnv)
}

func newRootCommand(connect Connector, migrate Migrator) *cobra.Command {
	opts := &RootOptions{connect: connect, migrate: migrate}

	cmd := &cobra.Command{
		Use:   "reconctl",
		Short: "Operate the deposit reconciliation service",
		Long: `reconctl runs reconciliation operations against the service database
and exchange using the same environment configuration as the service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level to stderr")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall command timeout")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newConfirmCommand(opts))
	cmd.AddCommand(newApplyBatchCommand(opts))

	return cmd
}

func (o *RootOptions) logger() *slog.Logger {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	return app.NewLogger(level, "text", os.Stderr)
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// withOperations connects, runs fn under the command timeout and prints its
// result.
func (o *RootOptions) withOperations(cmd *cobra.Command, fn func(ctx context.Context, ops Operations) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	ops, release, err := o.connect(ctx, o.logger())
	if err != nil {
		return WrapExitError(ExitCommandError, "connecting", err)
	}
	defer release()

	result, err := fn(ctx, ops)
	if err != nil {
		if database.IsNotFound(err) {
			return WrapExitError(ExitCommandError, "not found", err)
		}
		return WrapExitError(ExitFailure, "operation failed", err)
	}
	return o.printer(cmd).Success(result)
}

func connectFromEnv(ctx context.Context, logger *slog.Logger) (Operations, func(), error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Database.AutoMigrate = false
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a.Service, a.Close, nil
}

func migrateFromEnv(logger *slog.Logger) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	return database.Migrate(cfg.Database.URL, migrations.FS, logger)
}
