package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/escalate"
	"lectern/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueFailuresCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueForgetCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}

				rows := [][]string{
					{"Pending", strconv.Itoa(stats.Pending)},
					{"Reserved", strconv.Itoa(stats.Reserved)},
					{"Failed", strconv.Itoa(stats.Failed)},
				}
				for _, name := range []string{queue.QueueSegments, queue.QueueCourses} {
					if count, ok := stats.ByQueue[name]; ok {
						rows = append(rows, []string{"Queue " + name, strconv.Itoa(count)})
					}
				}
				for _, status := range []queue.WorkStatus{queue.WorkQueued, queue.WorkProcessing, queue.WorkCompleted, queue.WorkFailed} {
					if count := stats.WorkItems[status]; count > 0 {
						rows = append(rows, []string{"Registry " + string(status), strconv.Itoa(count)})
					}
				}

				out := cmd.OutOrStdout()
				table := renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(out, table)
				if stats.OldestPending != nil {
					fmt.Fprintf(out, "Oldest pending: %s\n", formatWhen(*stats.OldestPending))
				}
				if stats.LatestReserved != nil {
					fmt.Fprintf(out, "Latest reservation: %s\n", formatWhen(*stats.LatestReserved))
				}
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var queues []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending and reserved queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				entries, err := store.ListEntries(cmd.Context(), queues...)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(entry.ID, 10),
						entry.QueueName,
						summarizePayload(entry.Payload),
						strconv.Itoa(entry.Priority),
						strconv.Itoa(entry.Attempts),
						formatWhen(entry.CreatedAt),
						yesNo(entry.Reserved()),
					})
				}
				table := renderTable(
					[]string{"ID", "Queue", "Job", "Priority", "Attempts", "Created", "Reserved"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Filter by queue name (repeatable)")
	return cmd
}

func newQueueFailuresCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "List failed entries awaiting escalation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				failures, err := store.ListFailures(cmd.Context())
				if err != nil {
					return err
				}
				if len(failures) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed entries")
					return nil
				}

				rows := make([][]string, 0, len(failures))
				for _, record := range failures {
					rows = append(rows, []string{
						strconv.FormatInt(record.ID, 10),
						record.QueueName,
						summarizePayload(record.Payload),
						truncate(record.ErrorDetail, 60),
						formatWhen(record.FailedAt),
					})
				}
				table := renderTable(
					[]string{"ID", "Queue", "Job", "Error", "Failed At"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [failureID...]",
		Short: "Re-dispatch failed entries at high priority",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseFailureIDs(args)
			if err != nil {
				return err
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				escalator := escalate.NewEscalator(store, nil)
				out := cmd.OutOrStdout()

				if len(ids) == 0 {
					failures, err := store.ListFailures(cmd.Context())
					if err != nil {
						return err
					}
					if len(failures) == 0 {
						fmt.Fprintln(out, "No failed entries to retry")
						return nil
					}
					for _, record := range failures {
						ids = append(ids, record.ID)
					}
				}

				retried := 0
				for _, id := range ids {
					entry, err := escalator.Retry(cmd.Context(), id)
					if err != nil {
						fmt.Fprintf(out, "Failure %d not retried: %v\n", id, err)
						continue
					}
					retried++
					fmt.Fprintf(out, "Failure %d re-dispatched as entry %d on %s\n", id, entry.ID, entry.QueueName)
				}
				fmt.Fprintf(out, "Retried %d failed entries\n", retried)
				return nil
			})
		},
	}
}

func newQueueForgetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <failureID...>",
		Short: "Drop failure records without retrying them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseFailureIDs(args)
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				for _, id := range ids {
					if err := store.RemoveFailure(cmd.Context(), id); err != nil {
						fmt.Fprintf(out, "Failure %d not removed: %v\n", id, err)
						continue
					}
					fmt.Fprintf(out, "Removed failure %d\n", id)
				}
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearFailed bool
	var clearCompletedWork bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearFailed && clearCompletedWork {
				return errors.New("specify only one of --failed or --completed-work")
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				switch {
				case clearFailed:
					removed, err := store.ClearFailures(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d failure records\n", removed)
				case clearCompletedWork:
					removed, err := store.ClearCompletedWorkItems(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d completed registry items\n", removed)
				default:
					removed, err := store.ClearQueue(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d queue entries\n", removed)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove only failure records")
	cmd.Flags().BoolVar(&clearCompletedWork, "completed-work", false, "Remove only completed registry items")
	return cmd
}

func parseFailureIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid failure id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
