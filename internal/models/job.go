package models

import "time"

// JobState is the lifecycle state of an extraction job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// JobPhase names the stage a running job is in.
type JobPhase string

const (
	PhaseUploading   JobPhase = "uploading"
	PhaseParsing     JobPhase = "parsing"
	PhaseExtracting  JobPhase = "extracting"
	PhaseSummarizing JobPhase = "summarizing"
)

// Job tracks one extraction of an archive entry. Progress is 0-100 and
// never decreases.
type Job struct {
	ID         string     `json:"id"`
	UniqueID   string     `json:"uniqueId"`
	State      JobState   `json:"state"`
	Progress   int        `json:"progress"`
	Phase      JobPhase   `json:"phase,omitempty"`
	PhaseLabel string     `json:"phaseLabel,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.State == JobStateSucceeded || j.State == JobStateFailed
}
