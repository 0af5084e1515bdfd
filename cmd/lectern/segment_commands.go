package main

import (
	"fmt"
	"os/user"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/queue"
	"lectern/internal/segment"
	"lectern/internal/services"
)

func newSegmentCommand(ctx *commandContext) *cobra.Command {
	segmentCmd := &cobra.Command{
		Use:   "segment",
		Short: "Inspect and control per-segment processing",
	}

	segmentCmd.AddCommand(newSegmentShowCommand(ctx))
	segmentCmd.AddCommand(newSegmentApproveCommand(ctx))
	segmentCmd.AddCommand(newSegmentRestartCommand(ctx))

	return segmentCmd
}

func newSegmentShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <segmentID>",
		Short: "Show a segment's stage, progress, and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				seg, err := store.GetSegment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if seg == nil {
					return services.Wrap(services.ErrNotFound, "cli", "segment show", "segment "+args[0]+" missing", nil)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Segment %s (course %s)\n", seg.SegmentID, seg.CourseID)
				fmt.Fprintf(out, "Stage: %s (%.0f%%)\n", seg.Stage, seg.ProgressPercent)
				fmt.Fprintf(out, "Processing: %s\n", yesNo(seg.IsProcessing))
				fmt.Fprintf(out, "Approved: %s", yesNo(seg.Approval.Approved))
				if seg.Approval.Approved {
					fmt.Fprintf(out, " by %s at %s", seg.Approval.ApprovedBy, formatOptionalWhen(seg.Approval.ApprovedAt))
				}
				fmt.Fprintln(out)
				if seg.ErrorMessage != "" {
					fmt.Fprintf(out, "Error: %s\n", seg.ErrorMessage)
				}
				if len(seg.ArtifactRefs) > 0 {
					fmt.Fprintln(out, "Artifacts:")
					keys := make([]string, 0, len(seg.ArtifactRefs))
					for key := range seg.ArtifactRefs {
						keys = append(keys, key)
					}
					sort.Strings(keys)
					for _, key := range keys {
						fmt.Fprintf(out, "%s%s: %s\n", statusIndent, key, seg.ArtifactRefs[key])
					}
				}
				return nil
			})
		},
	}
}

func newSegmentApproveCommand(ctx *commandContext) *cobra.Command {
	var approvedBy string

	cmd := &cobra.Command{
		Use:   "approve <segmentID...>",
		Short: "Approve segments for transcription",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approver := strings.TrimSpace(approvedBy)
			if approver == "" {
				if current, err := user.Current(); err == nil {
					approver = current.Username
				} else {
					approver = "operator"
				}
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				machine := segment.NewMachine(store, nil)
				out := cmd.OutOrStdout()
				for _, segmentID := range args {
					if _, err := machine.Approve(cmd.Context(), segmentID, approver); err != nil {
						fmt.Fprintf(out, "Segment %s not approved: %v\n", segmentID, err)
						continue
					}
					fmt.Fprintf(out, "Approved segment %s\n", segmentID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&approvedBy, "by", "", "Name recorded on the approval (defaults to the current user)")
	return cmd
}

func newSegmentRestartCommand(ctx *commandContext) *cobra.Command {
	var keepArtifacts bool

	cmd := &cobra.Command{
		Use:   "restart <segmentID>",
		Short: "Reset a segment to the start of the pipeline",
		Long: "Reset a segment to the start of the pipeline. Derived artifacts are\n" +
			"removed unless --keep-artifacts is set; source media is never touched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				machine := segment.NewMachine(store, nil)
				seg, err := machine.Restart(cmd.Context(), args[0], !keepArtifacts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Segment %s reset to %s\n", seg.SegmentID, seg.Stage)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&keepArtifacts, "keep-artifacts", false, "Keep derived artifacts on disk")
	return cmd
}
