package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mirrorq/internal/config"
	"mirrorq/internal/domain"
	"mirrorq/internal/worker"
	"os"

	"github.com/spf13/cobra"
)

func ledgerCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the incomplete task ledger",
	}
	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the records without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger) ([]domain.IncompleteTask, error) {
				return l.IncompleteTasks(ctx)
			})
		},
	})
	command.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Print and remove every record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger) ([]domain.IncompleteTask, error) {
				return l.DrainIncompleteTasks(ctx)
			})
		},
	})
	return command
}

type ledger interface {
	IncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error)
	DrainIncompleteTasks(ctx context.Context) ([]domain.IncompleteTask, error)
}

func withLedger(ctx context.Context, fn func(ctx context.Context, l ledger) ([]domain.IncompleteTask, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Parse(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := worker.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no store configured")
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}

	recs, err := fn(ctx, store)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}
