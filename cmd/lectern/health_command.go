package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/health"
	"lectern/internal/queue"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report queue health heuristics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				monitor := health.NewMonitor(store, cfg.Health, nil)
				snapshot, err := monitor.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				renderHealthSnapshot(cmd, snapshot)
				return nil
			})
		},
	}

	cmd.AddCommand(newHealthDatabaseCommand(ctx))
	return cmd
}

func renderHealthSnapshot(cmd *cobra.Command, snapshot *health.Snapshot) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	fmt.Fprintf(out, "Queue health at %s\n", formatWhen(snapshot.GeneratedAt))
	fmt.Fprintln(out, renderStatusLine("Health score", scoreKind(snapshot.HealthScore), strconv.Itoa(snapshot.HealthScore), colorize))
	fmt.Fprintln(out, renderStatusLine("Worker liveness", livenessKind(snapshot.Liveness), string(snapshot.Liveness), colorize))

	stuckKind := statusOK
	if snapshot.StuckJobs > 0 {
		stuckKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Stuck jobs", stuckKind, strconv.Itoa(snapshot.StuckJobs), colorize))

	failureKind := statusOK
	if snapshot.FailureAlert {
		failureKind = statusError
	} else if snapshot.RecentFailures > 0 {
		failureKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Recent failures", failureKind,
		fmt.Sprintf("%d (rate %.0f%%)", snapshot.RecentFailures, snapshot.FailureRate*100), colorize))

	fmt.Fprintln(out, renderStatusLine("Pending", statusInfo, strconv.Itoa(snapshot.Stats.Pending), colorize))
	fmt.Fprintln(out, renderStatusLine("Reserved", statusInfo, strconv.Itoa(snapshot.Stats.Reserved), colorize))

	if len(snapshot.LongReservations) > 0 {
		fmt.Fprintf(out, "\nLong-held reservations:\n")
		for _, entry := range snapshot.LongReservations {
			fmt.Fprintf(out, "%sentry %d on %s reserved since %s\n",
				statusIndent, entry.ID, entry.QueueName, formatOptionalWhen(entry.ReservedAt))
		}
	}
}

func scoreKind(score int) statusKind {
	switch {
	case score >= 90:
		return statusOK
	case score >= 60:
		return statusWarn
	default:
		return statusError
	}
}

func livenessKind(liveness health.Liveness) statusKind {
	switch liveness {
	case health.LivenessProcessing, health.LivenessRecentlyActive:
		return statusOK
	case health.LivenessIdleNoJobs:
		return statusInfo
	case health.LivenessJobsStuck:
		return statusError
	default:
		return statusWarn
	}
}

func newHealthDatabaseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "db",
		Short: "Run queue database diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				report := store.CheckHealth(cmd.Context())
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				fmt.Fprintf(out, "Database: %s\n", report.DBPath)
				fmt.Fprintln(out, renderStatusLine("Exists", boolKind(report.DatabaseExists), yesNo(report.DatabaseExists), colorize))
				fmt.Fprintln(out, renderStatusLine("Readable", boolKind(report.DatabaseReadable), yesNo(report.DatabaseReadable), colorize))
				fmt.Fprintln(out, renderStatusLine("Schema present", boolKind(report.TableExists), yesNo(report.TableExists), colorize))
				if len(report.MissingColumns) > 0 {
					fmt.Fprintln(out, renderStatusLine("Missing columns", statusError, strings.Join(report.MissingColumns, ", "), colorize))
				}
				fmt.Fprintln(out, renderStatusLine("Integrity check", boolKind(report.IntegrityCheck), yesNo(report.IntegrityCheck), colorize))
				fmt.Fprintln(out, renderStatusLine("Total entries", statusInfo, strconv.Itoa(report.TotalEntries), colorize))
				if report.Error != "" {
					fmt.Fprintln(out, renderStatusLine("Error", statusError, report.Error, colorize))
				}
				return nil
			})
		},
	}
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusError
}
