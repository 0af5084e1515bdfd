package dispatch

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// jobDetails maps each job type to its display description and a rough
// duration estimate. Both are informational only and never consulted when
// scheduling or executing work.
var jobDetails = map[JobType]struct {
	description string
	duration    string
}{
	JobSegmentDownload: {"Download segment source media", "1-2 minutes"},
	JobAudioExtract:    {"Extract audio track from source media", "2-5 minutes"},
	JobTranscribe:      {"Transcribe extracted audio", "10-30 minutes"},
	JobTerminology:     {"Extract terminology from transcript", "1-3 minutes"},
	JobBatchAggregate:  {"Aggregate course-level results", "under 1 minute"},
}

var titleCaser = cases.Title(language.AmericanEnglish)

// Describe returns the display description and duration estimate for a job
// type. Unknown types get a title-cased rendering of the tag itself.
func Describe(t JobType) (description, estimatedDuration string) {
	if details, ok := jobDetails[t]; ok {
		return details.description, details.duration
	}
	return titleCaser.String(strings.ReplaceAll(string(t), "_", " ")), "unknown"
}

// Annotate fills the informational display fields from the job type when the
// caller has not set them.
func (d *Descriptor) Annotate() {
	description, duration := Describe(d.Type)
	if d.JobDescription == "" {
		d.JobDescription = description
	}
	if d.EstimatedDuration == "" {
		d.EstimatedDuration = duration
	}
}
