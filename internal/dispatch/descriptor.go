// Package dispatch turns work requests into persisted queue entries. It owns
// the job descriptor wire format, the priority precedence rules, and the
// dedup check that keeps a work unit from being queued twice.
package dispatch

import (
	"encoding/json"
	"strings"
	"time"

	"lectern/internal/queue"
	"lectern/internal/services"
)

// JobType discriminates the payload variants carried on queue entries. Each
// pipeline stage has exactly one shape; workers switch on the tag instead of
// probing arbitrary payload keys.
type JobType string

const (
	JobSegmentDownload JobType = "segment_download"
	JobAudioExtract    JobType = "audio_extract"
	JobTranscribe      JobType = "transcribe"
	JobTerminology     JobType = "terminology_extract"
	JobBatchAggregate  JobType = "batch_aggregate"
)

var allJobTypes = []JobType{
	JobSegmentDownload,
	JobAudioExtract,
	JobTranscribe,
	JobTerminology,
	JobBatchAggregate,
}

// ParseJobType converts a string into a known JobType.
func ParseJobType(value string) (JobType, bool) {
	normalized := JobType(strings.ToLower(strings.TrimSpace(value)))
	for _, jt := range allJobTypes {
		if jt == normalized {
			return jt, true
		}
	}
	return "", false
}

// QueueName returns the queue a job type is dispatched to. Aggregate jobs run
// on the course queue; everything else is per-segment work.
func (t JobType) QueueName() string {
	if t == JobBatchAggregate {
		return queue.QueueCourses
	}
	return queue.QueueSegments
}

// RetryMeta marks a descriptor as an escalated retry of a failed entry.
type RetryMeta struct {
	IsRetry           bool      `json:"is_retry"`
	OriginalFailureID int64     `json:"original_failure_id"`
	OriginalQueue     string    `json:"original_queue"`
	RetryTime         time.Time `json:"retry_time"`
}

// Descriptor is the serialized payload of a queue entry.
type Descriptor struct {
	Type      JobType `json:"type"`
	WorkID    string  `json:"work_id"`
	OwnerID   string  `json:"owner_id,omitempty"`
	SegmentID string  `json:"segment_id,omitempty"`
	CourseID  string  `json:"course_id,omitempty"`

	// Informational fields derived from the job type for display only.
	JobDescription    string `json:"job_description,omitempty"`
	EstimatedDuration string `json:"estimated_duration,omitempty"`

	Retry *RetryMeta `json:"retry,omitempty"`
}

// Validate checks the per-variant required fields.
func (d Descriptor) Validate() error {
	if _, ok := ParseJobType(string(d.Type)); !ok {
		return services.Wrap(services.ErrValidation, "dispatch", "validate descriptor", "unknown job type "+string(d.Type), nil)
	}
	if strings.TrimSpace(d.WorkID) == "" {
		return services.Wrap(services.ErrValidation, "dispatch", "validate descriptor", "work id is empty", nil)
	}
	switch d.Type {
	case JobBatchAggregate:
		if strings.TrimSpace(d.CourseID) == "" {
			return services.Wrap(services.ErrValidation, "dispatch", "validate descriptor", "aggregate job needs a course id", nil)
		}
	default:
		if strings.TrimSpace(d.SegmentID) == "" {
			return services.Wrap(services.ErrValidation, "dispatch", "validate descriptor", string(d.Type)+" job needs a segment id", nil)
		}
	}
	return nil
}

// WorkID derives the dedup identity for a job. Download is the canonical job
// for a segment and uses the bare subject; later stages qualify the subject
// so each stage dedups independently.
func WorkID(t JobType, subject string) string {
	if t == JobSegmentDownload {
		return subject
	}
	return subject + ":" + string(t)
}

// Encode serializes the descriptor for storage on a queue entry.
func (d Descriptor) Encode() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", services.Wrap(services.ErrPayload, "dispatch", "encode descriptor", "", err)
	}
	return string(raw), nil
}

// DecodeDescriptor parses a stored payload back into a Descriptor. A payload
// that does not parse, or parses to an unknown variant, is a payload error;
// callers treat that as terminal rather than retryable.
func DecodeDescriptor(payload string) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return Descriptor{}, services.Wrap(services.ErrPayload, "dispatch", "decode descriptor", "", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, services.Wrap(services.ErrPayload, "dispatch", "decode descriptor", "invalid descriptor", err)
	}
	return d, nil
}

// IsRetry reports whether the descriptor carries escalation metadata.
func (d Descriptor) IsRetry() bool {
	return d.Retry != nil && d.Retry.IsRetry
}
