package main

import (
	"time"

	"lectern/internal/dispatch"
)

func formatWhen(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}

func formatOptionalWhen(value *time.Time) string {
	if value == nil {
		return "-"
	}
	return formatWhen(*value)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func truncate(value string, limit int) string {
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

// summarizePayload gives a one-line description of a queue entry payload,
// falling back to the raw text when it is not a job descriptor.
func summarizePayload(payload string) string {
	desc, err := dispatch.DecodeDescriptor(payload)
	if err != nil {
		return truncate(payload, 48)
	}
	summary := string(desc.Type) + " " + desc.WorkID
	if desc.IsRetry() {
		summary += " (retry)"
	}
	return summary
}
