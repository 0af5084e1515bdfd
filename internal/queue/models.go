package queue

import (
	"strings"
	"time"
)

// Priority bands for queue entries. Claim order is priority descending, then
// creation time ascending within a band.
const (
	PriorityHigh   = 5
	PriorityNormal = 0
	PriorityLow    = -5
)

// Known queue names.
const (
	QueueSegments = "segments"
	QueueCourses  = "courses"
)

// Entry is a pending task persisted in the priority queue.
type Entry struct {
	ID          int64
	QueueName   string
	Payload     string
	Priority    int
	Attempts    int
	CreatedAt   time.Time
	AvailableAt time.Time
	ReservedAt  *time.Time
}

// Reserved reports whether the entry is currently claimed by a worker.
func (e Entry) Reserved() bool {
	return e.ReservedAt != nil
}

// FailureRecord is a terminally failed task captured for inspection and
// operator-driven escalation. It conceptually replaces the queue entry it was
// created from.
type FailureRecord struct {
	ID          int64
	QueueName   string
	Payload     string
	ErrorDetail string
	FailedAt    time.Time
}

// WorkStatus is the lifecycle of a work item in the dedup registry.
type WorkStatus string

const (
	WorkQueued     WorkStatus = "queued"
	WorkProcessing WorkStatus = "processing"
	WorkCompleted  WorkStatus = "completed"
	WorkFailed     WorkStatus = "failed"
)

var workStatusRank = map[WorkStatus]int{
	WorkQueued:     0,
	WorkProcessing: 1,
	WorkCompleted:  2,
	WorkFailed:     2,
}

// ParseWorkStatus converts a string into a known WorkStatus.
func ParseWorkStatus(value string) (WorkStatus, bool) {
	normalized := WorkStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := workStatusRank[normalized]
	return normalized, ok
}

// Terminal reports whether the status is an end state.
func (s WorkStatus) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

// CanTransitionTo reports whether moving from s to next is non-regressive.
// Re-asserting the current status is always allowed (idempotent refresh).
func (s WorkStatus) CanTransitionTo(next WorkStatus) bool {
	if s == next {
		return true
	}
	return workStatusRank[next] > workStatusRank[s]
}

// WorkItem is the dedup registry record for a single work unit.
type WorkItem struct {
	WorkID    string
	OwnerID   string
	Status    WorkStatus
	UpdatedAt time.Time
}

// Processed reports whether the work unit should not be dispatched again.
// Failed items may be re-dispatched.
func (w WorkItem) Processed() bool {
	switch w.Status {
	case WorkQueued, WorkProcessing, WorkCompleted:
		return true
	default:
		return false
	}
}

// SegmentStage is the pipeline position of a segment.
type SegmentStage string

const (
	StageReady           SegmentStage = "ready"
	StageAudioExtracting SegmentStage = "audio_extracting"
	StageTranscribing    SegmentStage = "transcribing"
	StageTerminology     SegmentStage = "terminology"
	StageCompleted       SegmentStage = "completed"
	StageFailed          SegmentStage = "failed"
)

var allSegmentStages = []SegmentStage{
	StageReady,
	StageAudioExtracting,
	StageTranscribing,
	StageTerminology,
	StageCompleted,
	StageFailed,
}

// ParseSegmentStage converts a string into a known SegmentStage.
func ParseSegmentStage(value string) (SegmentStage, bool) {
	normalized := SegmentStage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range allSegmentStages {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// Terminal reports whether the stage ends the pipeline for a segment.
func (s SegmentStage) Terminal() bool {
	return s == StageCompleted
}

// Artifact reference keys recorded on segment rows.
const (
	ArtifactSourceMedia = "source_media"
	ArtifactAudio       = "audio_file"
	ArtifactTranscript  = "transcript_file"
	ArtifactTerminology = "terminology_file"
)

// Approval records the go/no-go gate ahead of transcription.
type Approval struct {
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// Segment is the per-segment processing record.
type Segment struct {
	SegmentID       string
	CourseID        string
	Stage           SegmentStage
	ProgressPercent float64
	ErrorMessage    string
	ArtifactRefs    map[string]string
	Approval        Approval
	IsProcessing    bool
	StartedAt       *time.Time
	UpdatedAt       time.Time
}

// ArtifactRef returns the stored artifact path for a key, if any.
func (s *Segment) ArtifactRef(key string) (string, bool) {
	if s == nil || s.ArtifactRefs == nil {
		return "", false
	}
	ref, ok := s.ArtifactRefs[key]
	return ref, ok && strings.TrimSpace(ref) != ""
}

// SetArtifactRef records an artifact path under a key.
func (s *Segment) SetArtifactRef(key, path string) {
	if s.ArtifactRefs == nil {
		s.ArtifactRefs = make(map[string]string, 4)
	}
	s.ArtifactRefs[key] = path
}

// BatchStatus is the lifecycle of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCancelled  BatchStatus = "cancelled"
	BatchCompleted  BatchStatus = "completed"
)

// Batch groups work units dispatched and controlled together. Unit counts are
// derived from the owned work items rather than maintained as counters.
type Batch struct {
	ID               string
	OwnerID          string
	TotalUnits       int
	ConcurrencyLimit int
	Status           BatchStatus
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// BatchCounts summarizes the registry state of a batch's work units.
type BatchCounts struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
}

// Finished reports whether every unit reached a terminal status.
func (c BatchCounts) Finished(total int) bool {
	return total > 0 && c.Completed+c.Failed == total
}

// Stats summarizes queue and registry counts for status output.
type Stats struct {
	Pending        int
	Reserved       int
	Failed         int
	ByQueue        map[string]int
	WorkItems      map[WorkStatus]int
	OldestPending  *time.Time
	LatestReserved *time.Time
}

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TableExists      bool
	MissingColumns   []string
	IntegrityCheck   bool
	TotalEntries     int
	Error            string
}
