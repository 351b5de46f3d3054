package models

import "time"

type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusError   JobStatus = "error"
	JobStatusDone    JobStatus = "done"
)

// JobPhase tracks where a running job is in the indexing state machine.
type JobPhase string

const (
	PhaseIdle       JobPhase = "idle"
	PhaseScanning   JobPhase = "scanning"
	PhaseSampling   JobPhase = "sampling"
	PhaseEmbedding  JobPhase = "embedding"
	PhaseCommitting JobPhase = "committing"
	PhaseFailed     JobPhase = "failed"
)

// IndexJobState is the snapshot handed to pollers. It is a value type; the
// orchestrator owns the live copy.
type IndexJobState struct {
	JobID          string    `json:"job_id,omitempty"`
	Status         JobStatus `json:"status"`
	Phase          JobPhase  `json:"phase"`
	ProcessedCount int       `json:"processed_count"`
	TotalCount     int       `json:"total_count"`
	FailedCount    int       `json:"failed_count"`
	Message        string    `json:"message"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Progress returns processed/total as a percentage in [0,100].
func (s IndexJobState) Progress() float64 {
	if s.TotalCount <= 0 {
		if s.Status == JobStatusDone {
			return 100
		}
		return 0
	}
	return float64(s.ProcessedCount) / float64(s.TotalCount) * 100
}

func (s IndexJobState) Running() bool {
	return s.Status == JobStatusRunning
}

// IndexRequest describes one indexing run. Quantization and the other
// pipeline settings come from configuration so queries match the index.
type IndexRequest struct {
	Root        string `json:"folder_path"`
	Incremental bool   `json:"incremental"`
}
