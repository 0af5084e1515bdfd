package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lectern/internal/batch"
	"lectern/internal/config"
	"lectern/internal/dispatch"
	"lectern/internal/queue"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Group, track, and control related work units",
	}

	batchCmd.AddCommand(newBatchCreateCommand(ctx))
	batchCmd.AddCommand(newBatchShowCommand(ctx))
	batchCmd.AddCommand(newBatchListCommand(ctx))
	batchCmd.AddCommand(newBatchCancelCommand(ctx))
	batchCmd.AddCommand(newBatchRetryCommand(ctx))
	batchCmd.AddCommand(newBatchDeleteCommand(ctx))

	return batchCmd
}

func newCoordinator(store *queue.Store) *batch.Coordinator {
	return batch.NewCoordinator(store, dispatch.NewDispatcher(store, nil), nil)
}

func newBatchCreateCommand(ctx *commandContext) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "create <courseID> <segmentID...>",
		Short: "Create a batch and dispatch one job per segment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				limit := concurrency
				if limit <= 0 {
					limit = cfg.Batch.DefaultConcurrencyLimit
				}
				view, err := newCoordinator(store).Create(cmd.Context(), args[0], args[1:], limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created batch %s with %d units (concurrency %d)\n",
					view.Batch.ID, view.Batch.TotalUnits, view.Batch.ConcurrencyLimit)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent unit limit (defaults from configuration)")
	return cmd
}

func newBatchShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batchID>",
		Short: "Show one batch with derived unit counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				view, err := newCoordinator(store).Show(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Batch %s (%s)\n", view.Batch.ID, view.Batch.Status)
				fmt.Fprintf(out, "Owner: %s\n", view.Batch.OwnerID)
				fmt.Fprintf(out, "Units: %d total, %d queued, %d processing, %d completed, %d failed\n",
					view.Batch.TotalUnits, view.Counts.Queued, view.Counts.Processing, view.Counts.Completed, view.Counts.Failed)
				fmt.Fprintf(out, "Created: %s\n", formatWhen(view.Batch.CreatedAt))
				fmt.Fprintf(out, "Started: %s\n", formatOptionalWhen(view.Batch.StartedAt))
				fmt.Fprintf(out, "Finished: %s\n", formatOptionalWhen(view.Batch.CompletedAt))
				return nil
			})
		},
	}
}

func newBatchListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				views, err := newCoordinator(store).List(cmd.Context())
				if err != nil {
					return err
				}
				if len(views) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No batches")
					return nil
				}

				rows := make([][]string, 0, len(views))
				for _, view := range views {
					rows = append(rows, []string{
						view.Batch.ID,
						view.Batch.OwnerID,
						string(view.Batch.Status),
						strconv.Itoa(view.Batch.TotalUnits),
						strconv.Itoa(view.Counts.Completed),
						strconv.Itoa(view.Counts.Failed),
						formatWhen(view.Batch.CreatedAt),
					})
				}
				table := renderTable(
					[]string{"ID", "Owner", "Status", "Units", "Completed", "Failed", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newBatchCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <batchID>",
		Short: "Cancel a batch so its remaining units are dropped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				view, err := newCoordinator(store).Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled batch %s\n", view.Batch.ID)
				return nil
			})
		},
	}
}

func newBatchRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <batchID> [segmentID...]",
		Short: "Re-dispatch a finished batch's units",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				view, err := newCoordinator(store).Retry(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch %s back to %s with %d units\n",
					view.Batch.ID, view.Batch.Status, view.Batch.TotalUnits)
				return nil
			})
		},
	}
}

func newBatchDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batchID>",
		Short: "Delete a finished batch and its registry records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				if err := newCoordinator(store).Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted batch %s\n", args[0])
				return nil
			})
		},
	}
}
