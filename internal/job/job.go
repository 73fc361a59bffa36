// Package job defines the Job record shared by the job
// store, queue, processor registry, streaming handler, and workflow
// orchestrator.
package job

import (
	"encoding/json"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// Kind is the closed enum of job kinds the processor registry dispatches on.
type Kind string

const (
	KindLocalFileFiltering    Kind = "file-filtering"
	KindRegexGeneration       Kind = "regex-generation"
	KindPathFinder            Kind = "path-finder"
	KindExtendedPathFinder    Kind = "extended-path-finder"
	KindPathCorrection        Kind = "path-correction"
	KindFileRelevance         Kind = "relevance-assessment"
	KindImplementationPlan    Kind = "implementation-plan"
	KindImplementationMerge   Kind = "plan-merge"
	KindGenericLLMStream      Kind = "llm-stream"
	KindTranscription         Kind = "transcription"
	KindFileFinderWorkflow    Kind = "file-finder-workflow"
)

// longLived is the set of kinds excluded from cancel_session's bulk
// cancellation. Plan-merge
// jobs are included in the exception: see Open Questions
// decision — a merge job feeds the same long-lived plan artifact.
var longLived = map[Kind]bool{
	KindImplementationPlan:  true,
	KindImplementationMerge: true,
}

// IsLongLived reports whether jobs of this kind are excluded from
// cancel_session's bulk cancellation.
func (k Kind) IsLongLived() bool { return longLived[k] }

// RequiresLLM reports whether this kind dispatches through the streaming
// or direct-request LLM path versus pure local computation.
func (k Kind) RequiresLLM() bool {
	return k != KindLocalFileFiltering
}

// Status is the job state machine's set of states.
type Status string

const (
	StatusCreated     Status = "created"
	StatusQueued      Status = "queued"
	StatusAcknowledged Status = "acknowledged"
	StatusPreparing   Status = "preparing"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
)

// terminal is the set of states from which no further transition is valid.
var terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCanceled:  true,
}

// IsTerminal reports whether s is one of Completed/Failed/Canceled.
func (s Status) IsTerminal() bool { return terminal[s] }

// validTransitions enumerates the state machine edges.
// A worker only ever advances a job forward; retries create a new job
// rather than reviving a terminal one.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated:      {StatusQueued: true, StatusCanceled: true},
	StatusQueued:       {StatusAcknowledged: true, StatusCanceled: true},
	StatusAcknowledged: {StatusPreparing: true, StatusRunning: true, StatusFailed: true, StatusCanceled: true},
	StatusPreparing:    {StatusRunning: true, StatusFailed: true, StatusCanceled: true},
	StatusRunning:      {StatusCompleted: true, StatusFailed: true, StatusCanceled: true},
	StatusCompleted:    {},
	StatusFailed:       {},
	StatusCanceled:     {},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge
// in the job state machine.
func CanTransition(from, to Status) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Job is the durable record owned exclusively by the job store.
type Job struct {
	ID                string `json:"id"`
	SessionID         string `json:"session_id"`
	ProjectDirectory  string `json:"project_directory"`
	WorkflowID        string `json:"workflow_id,omitempty"`
	WorkflowStageName string `json:"workflow_stage_name,omitempty"`

	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	// Payload is immutable once the job is enqueued; it is a kind-discriminated
	// structured value serialized as raw JSON and decoded by the matching
	// processor via DecodePayload.
	Payload json.RawMessage `json:"payload"`

	ModelID         string   `json:"model_id"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`

	Response string `json:"response"`

	TokensSent     int          `json:"tokens_sent"`
	TokensReceived int          `json:"tokens_received"`
	TotalTokens    int          `json:"total_tokens"`
	CharsReceived  int          `json:"chars_received"`
	ActualCost     money.Amount `json:"actual_cost"`

	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Clone returns a deep-enough copy for safe hand-off to callers outside the
// store's lock (Metadata and Payload are copied; callers must not mutate
// Payload's backing array either way since it is documented immutable).
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SetMetadata sets a single metadata key, initializing the map if needed.
func (j *Job) SetMetadata(key string, value any) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]any)
	}
	j.Metadata[key] = value
}
