package workflow

import (
	"fmt"
	"strings"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

// IntermediateData is the typed bag a WorkflowState carries between
// stages.
type IntermediateData struct {
	DirectoryTree string

	// RawRegexPatterns is regex-generation's raw response text, parsed
	// loosely into the four pattern fields by parseRegexPatterns.
	RawRegexPatterns string

	LocallyFilteredFiles []string

	InitialVerifiedPaths    []string
	InitialUnverifiedPaths  []string
	InitialCorrectedPaths   []string
	ExtendedVerifiedPaths   []string
	ExtendedUnverifiedPaths []string
	ExtendedCorrectedPaths  []string
}

// InvalidStagePayloadError is the typed error for an injector that cannot
// produce a valid payload from the current intermediate data.
type InvalidStagePayloadError struct {
	Stage  string
	Reason string
}

func (e *InvalidStagePayloadError) Error() string {
	return fmt.Sprintf("workflow: stage %q: %s", e.Stage, e.Reason)
}

// buildStagePayload is a pure function from (stage, task description,
// current intermediate data) to the job.Kind-appropriate payload value.
// It never touches the store or the queue.
func buildStagePayload(stageName string, taskDescription string, data *IntermediateData) (any, error) {
	switch stageName {
	case "regex-generation":
		if strings.TrimSpace(taskDescription) == "" {
			return nil, &InvalidStagePayloadError{Stage: stageName, Reason: "task_description must be non-empty"}
		}
		return &job.RegexGenerationPayload{
			TaskDescription: taskDescription,
			DirectoryTree:   data.DirectoryTree,
		}, nil

	case "local-file-filtering":
		patterns := parseRegexPatterns(data.RawRegexPatterns)
		if patterns.PathPattern == "" && patterns.ContentPattern == "" {
			return nil, &InvalidStagePayloadError{Stage: stageName, Reason: "requires at least one of path_pattern or content_pattern"}
		}
		return &job.LocalFileFilteringPayload{
			TaskDescription: taskDescription,
			PathPattern:     patterns.PathPattern,
			ContentPattern:  patterns.ContentPattern,
			NegPathPattern:  patterns.NegPathPattern,
			NegContent:      patterns.NegContent,
		}, nil

	case "relevance-assessment":
		return &job.FileRelevancePayload{
			TaskDescription:      taskDescription,
			LocallyFilteredFiles: data.LocallyFilteredFiles,
		}, nil

	case "initial-path-correction":
		return &job.PathCorrectionPayload{
			PathsToCorrect: strings.Join(data.InitialUnverifiedPaths, "\n"),
		}, nil

	case "extended-path-finder":
		initial := dedupeUnion(data.InitialVerifiedPaths, data.InitialCorrectedPaths)
		return &job.PathFinderPayload{
			TaskDescription: taskDescription,
			InitialPaths:    initial,
		}, nil

	case "extended-path-correction":
		return &job.PathCorrectionPayload{
			PathsToCorrect: strings.Join(data.ExtendedUnverifiedPaths, "\n"),
		}, nil

	default:
		return nil, &InvalidStagePayloadError{Stage: stageName, Reason: "no payload builder registered for this stage"}
	}
}

// regexPatterns is the parsed shape of regex-generation's free-text
// output; see parseRegexPatterns.
type regexPatterns struct {
	PathPattern    string
	ContentPattern string
	NegPathPattern string
	NegContent     string
}

// parseRegexPatterns extracts the four pattern fields from
// regex-generation's JSON-object response. It is deliberately forgiving:
// a key missing from the object just leaves that pattern empty, which
// local-file-filtering's own validation then catches.
func parseRegexPatterns(raw string) regexPatterns {
	var decoded struct {
		PathPattern    string `json:"path_pattern"`
		ContentPattern string `json:"content_pattern"`
		NegPathPattern string `json:"neg_path_pattern"`
		NegContent     string `json:"neg_content_pattern"`
	}
	if err := decodeLooseJSON(raw, &decoded); err != nil {
		return regexPatterns{}
	}
	return regexPatterns{
		PathPattern:    decoded.PathPattern,
		ContentPattern: decoded.ContentPattern,
		NegPathPattern: decoded.NegPathPattern,
		NegContent:     decoded.NegContent,
	}
}

func dedupeUnion(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range sets {
		for _, v := range set {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
