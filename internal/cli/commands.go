package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"depositrecon/internal/recon/domain"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.migrate(opts.logger()); err != nil {
				return WrapExitError(ExitCommandError, "migrating", err)
			}
			return opts.printer(cmd).Success(map[string]string{"migrations": "applied"})
		},
	}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull exchange deposits for one record and apply them",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "invoice <invoice-id>",
		Short: "Sync an invoice against its reserved wallets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.SyncInvoice(ctx, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prepaid <prepaid-id>",
		Short: "Sync a prepaid invoice against the exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.SyncPrepaid(ctx, args[0])
			})
		},
	})

	return cmd
}

func newConfirmCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <invoice-id> <tx-hash>",
		Short: "Look a transaction up on the invoice's wallets and apply it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.ConfirmByHash(ctx, args[0], args[1])
			})
		},
	}
}

func newApplyBatchCommand(opts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply-batch",
		Short: "Apply observed deposits from a JSON file",
		Long: `Apply observed deposits to whichever invoice owns each address.

The file holds either a JSON array of deposits or {"deposits": [...]}.
Use "-" to read from stdin.

Examples:
  reconctl apply-batch --file deposits.json
  cat deposits.json | reconctl apply-batch --file - --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deposits, err := loadDeposits(cmd, file)
			if err != nil {
				return WrapExitError(ExitCommandError, "reading deposits", err)
			}
			return opts.withOperations(cmd, func(ctx context.Context, ops Operations) (any, error) {
				return ops.ApplyDepositsBatch(ctx, deposits)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "deposits JSON file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadDeposits(cmd *cobra.Command, file string) ([]domain.ObservedDeposit, error) {
	var r io.Reader
	if file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseDeposits(data)
}

// parseDeposits accepts a bare array or an object with a deposits array.
func parseDeposits(data []byte) ([]domain.ObservedDeposit, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no deposits given")
	}

	var deposits []domain.ObservedDeposit
	if data[0] == '[' {
		if err := json.Unmarshal(data, &deposits); err != nil {
			return nil, fmt.Errorf("decoding deposits: %w", err)
		}
		return deposits, nil
	}

	var wrapped struct {
		Deposits []domain.ObservedDeposit `json:"deposits"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding deposits: %w", err)
	}
	if wrapped.Deposits == nil {
		return nil, fmt.Errorf(`expected an array or {"deposits": [...]}`)
	}
	return wrapped.Deposits, nil
}
