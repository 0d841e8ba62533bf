package model

import "time"

// Stage names a checkpointed step of the ingestion workflow.
type Stage string

const (
	StageExtract     Stage = "extract"
	StageLoadContext Stage = "load_context"
	StageGeo         Stage = "geo_normalize"
	StageResolve     Stage = "identity_resolve"
	StageBranch      Stage = "branch"
	StagePersist     Stage = "persist"
	StageStatus      Stage = "status_update"
	StageDone        Stage = "done"
)

// Stages lists the workflow steps in execution order.
var Stages = []Stage{
	StageExtract,
	StageLoadContext,
	StageGeo,
	StageResolve,
	StageBranch,
	StagePersist,
	StageStatus,
}

// Next returns the stage following s, or StageDone.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return StageDone
}

// Override is a human decision attached to a run on reset.
type Override string

const (
	OverrideNone      Override = ""
	OverrideCreateNew Override = "create_new"
)

// PipelineRun is the persisted state of one workflow execution for a record.
// Cursor names the next stage to execute.
type PipelineRun struct {
	ID         string     `json:"id" db:"id"`
	RecordID   string     `json:"record_id" db:"record_id"`
	Cursor     Stage      `json:"cursor" db:"cursor"`
	State      RunState   `json:"state" db:"state"`
	Override   Override   `json:"override,omitempty" db:"override"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Finished reports whether the run has no stages left.
func (r *PipelineRun) Finished() bool {
	return r.Cursor == StageDone
}

// RunState holds the outputs of completed stages.
type RunState struct {
	Extracted    *ExtractedFields `json:"extracted,omitempty"`
	Corroborated []string         `json:"corroborated,omitempty"`

	Regions      []string `json:"regions,omitempty"`
	GeoUnmatched bool     `json:"geo_unmatched,omitempty"` // locality missing from the alias table

	Decision   Decision `json:"decision,omitempty"`
	ProviderID string   `json:"provider_id,omitempty"`
	Score      float64  `json:"score,omitempty"`
	Reason     string   `json:"reason,omitempty"`

	Written    []string `json:"written,omitempty"`
	Categories []string `json:"categories,omitempty"`

	ConflictRetries int    `json:"conflict_retries,omitempty"`
	StageErrors     int    `json:"stage_errors,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}
