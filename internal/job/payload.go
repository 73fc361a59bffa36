package job

import (
	"encoding/json"
	"fmt"
)

// Payload variants. Each is a closed case of the sum type named in
// design notes: adding a kind means adding a case here, a
// processor in internal/processor, and (if the kind participates in a
// workflow) an injector case in internal/workflow.

// LocalFileFilteringPayload is the payload for KindLocalFileFiltering.
type LocalFileFilteringPayload struct {
	TaskDescription string   `json:"task_description"`
	PathPattern     string   `json:"path_pattern,omitempty"`
	ContentPattern  string   `json:"content_pattern,omitempty"`
	NegPathPattern  string   `json:"neg_path_pattern,omitempty"`
	NegContent      string   `json:"neg_content_pattern,omitempty"`
	ExcludedPaths   []string `json:"excluded_paths,omitempty"`
}

// RegexGenerationPayload is the payload for KindRegexGeneration.
type RegexGenerationPayload struct {
	TaskDescription string `json:"task_description"`
	DirectoryTree   string `json:"directory_tree,omitempty"`
}

// PathFinderPayload is shared by PathFinder and ExtendedPathFinder.
type PathFinderPayload struct {
	TaskDescription string   `json:"task_description"`
	InitialPaths    []string `json:"initial_paths,omitempty"`
}

// PathCorrectionPayload is the payload for KindPathCorrection (both
// initial and extended correction stages share this shape).
type PathCorrectionPayload struct {
	PathsToCorrect string `json:"paths_to_correct"`
}

// FileRelevancePayload is the payload for KindFileRelevance.
type FileRelevancePayload struct {
	TaskDescription      string   `json:"task_description"`
	LocallyFilteredFiles []string `json:"locally_filtered_files"`
}

// ImplementationPlanPayload is the payload for KindImplementationPlan.
type ImplementationPlanPayload struct {
	TaskDescription string   `json:"task_description"`
	VerifiedPaths   []string `json:"verified_paths"`
	PlanTitle       string   `json:"plan_title,omitempty"`
}

// ImplementationPlanMergePayload is the payload for KindImplementationMerge.
type ImplementationPlanMergePayload struct {
	PlanIDs []string `json:"plan_ids"`
}

// GenericLLMStreamPayload is the payload for KindGenericLLMStream.
type GenericLLMStreamPayload struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// TranscriptionPayload is the payload for KindTranscription.
type TranscriptionPayload struct {
	AudioURI string `json:"audio_uri"`
}

// FileFinderWorkflowPayload is the payload for the KindFileFinderWorkflow
// root job; it only carries the inputs the orchestrator needs to call
// StartWorkflow.
type FileFinderWorkflowPayload struct {
	TaskDescription string `json:"task_description"`
}

// DecodePayload unmarshals a job's raw payload into the Go type appropriate for
// its kind. Callers type-assert the returned value, e.g.:
//
//	v, err := job.DecodePayload(j.Kind, j.Payload)
//	p := v.(*job.LocalFileFilteringPayload)
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	var target any
	switch kind {
	case KindLocalFileFiltering:
		target = &LocalFileFilteringPayload{}
	case KindRegexGeneration:
		target = &RegexGenerationPayload{}
	case KindPathFinder, KindExtendedPathFinder:
		target = &PathFinderPayload{}
	case KindPathCorrection:
		target = &PathCorrectionPayload{}
	case KindFileRelevance:
		target = &FileRelevancePayload{}
	case KindImplementationPlan:
		target = &ImplementationPlanPayload{}
	case KindImplementationMerge:
		target = &ImplementationPlanMergePayload{}
	case KindGenericLLMStream:
		target = &GenericLLMStreamPayload{}
	case KindTranscription:
		target = &TranscriptionPayload{}
	case KindFileFinderWorkflow:
		target = &FileFinderWorkflowPayload{}
	default:
		return nil, fmt.Errorf("job: unknown kind %q", kind)
	}
	if len(raw) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("job: decoding payload for kind %q: %w", kind, err)
	}
	return target, nil
}

// EncodePayload marshals a payload value into the job's raw JSON form.
func EncodePayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
