package workflow

import (
	"testing"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

func TestBuildStagePayloadRegexGenerationRequiresTaskDescription(t *testing.T) {
	_, err := buildStagePayload("regex-generation", "", &IntermediateData{})
	if err == nil {
		t.Fatal("expected error for empty task_description")
	}
	if _, ok := err.(*InvalidStagePayloadError); !ok {
		t.Fatalf("expected *InvalidStagePayloadError, got %T", err)
	}
}

func TestBuildStagePayloadLocalFileFilteringRequiresAPattern(t *testing.T) {
	data := &IntermediateData{RawRegexPatterns: `{"neg_path_pattern": "vendor/"}`}
	_, err := buildStagePayload("local-file-filtering", "task", data)
	if err == nil {
		t.Fatal("expected error when neither path_pattern nor content_pattern is present")
	}
}

func TestBuildStagePayloadLocalFileFilteringParsesPatterns(t *testing.T) {
	data := &IntermediateData{RawRegexPatterns: `{"path_pattern": "\\.go$", "neg_path_pattern": "_test\\.go$"}`}
	v, err := buildStagePayload("local-file-filtering", "task", data)
	if err != nil {
		t.Fatal(err)
	}
	p := v.(*job.LocalFileFilteringPayload)
	if p.PathPattern != `\.go$` || p.NegPathPattern != `_test\.go$` {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestBuildStagePayloadExtendedPathFinderDedupes(t *testing.T) {
	data := &IntermediateData{
		InitialVerifiedPaths:  []string{"a.go", "b.go"},
		InitialCorrectedPaths: []string{"b.go", "c.go"},
	}
	v, err := buildStagePayload("extended-path-finder", "task", data)
	if err != nil {
		t.Fatal(err)
	}
	p := v.(*job.PathFinderPayload)
	if len(p.InitialPaths) != 3 {
		t.Errorf("expected 3 deduped paths, got %v", p.InitialPaths)
	}
}

func TestBuildStagePayloadPathCorrectionJoinsNewlines(t *testing.T) {
	data := &IntermediateData{InitialUnverifiedPaths: []string{"a.go", "b.go"}}
	v, err := buildStagePayload("initial-path-correction", "task", data)
	if err != nil {
		t.Fatal(err)
	}
	p := v.(*job.PathCorrectionPayload)
	if p.PathsToCorrect != "a.go\nb.go" {
		t.Errorf("PathsToCorrect = %q", p.PathsToCorrect)
	}
}
