package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/dispatch"
	"lectern/internal/queue"
)

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var courseID string
	var batchID string
	var priority string

	cmd := &cobra.Command{
		Use:   "dispatch <jobType> <segmentID|courseID>",
		Short: "Queue one pipeline job",
		Long: "Queue one pipeline job. Job types: segment_download, audio_extract,\n" +
			"transcribe, terminology_extract, batch_aggregate. Aggregate jobs take a\n" +
			"course id as the subject; everything else takes a segment id.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, ok := dispatch.ParseJobType(args[0])
			if !ok {
				return fmt.Errorf("unknown job type %q", args[0])
			}
			hint, err := parsePriority(priority)
			if err != nil {
				return err
			}
			subject := strings.TrimSpace(args[1])

			desc := dispatch.Descriptor{
				Type:    jobType,
				WorkID:  dispatch.WorkID(jobType, subject),
				OwnerID: batchID,
			}
			if jobType == dispatch.JobBatchAggregate {
				desc.CourseID = subject
			} else {
				desc.SegmentID = subject
				desc.CourseID = courseID
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				if jobType != dispatch.JobBatchAggregate {
					if _, err := store.EnsureSegment(cmd.Context(), subject, courseID); err != nil {
						return err
					}
				}
				result, err := dispatch.NewDispatcher(store, nil).Enqueue(cmd.Context(), desc, hint)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if result.Skipped {
					fmt.Fprintf(out, "Work %s is already tracked; nothing queued\n", desc.WorkID)
					return nil
				}
				fmt.Fprintf(out, "Queued %s as entry %d on %s (priority %d)\n",
					desc.WorkID, result.Entry.ID, result.Entry.QueueName, result.Entry.Priority)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&courseID, "course", "", "Course the segment belongs to")
	cmd.Flags().StringVar(&batchID, "batch", "", "Batch that owns this work unit")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority band: high, normal, or low")
	return cmd
}

func parsePriority(value string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return 0, nil
	case "high":
		return queue.PriorityHigh, nil
	case "normal":
		return queue.PriorityNormal, nil
	case "low":
		return queue.PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (use high, normal, or low)", value)
	}
}
