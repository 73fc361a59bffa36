package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/helpful-bits/plantocode-orchestrator/internal/fsdiscovery"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

// listDiscoverer serves a fixed tracked-file list, or a
// not-a-git-repository error when files is nil.
type listDiscoverer struct {
	files []string
}

func (d *listDiscoverer) TrackedFiles(ctx context.Context, root string) ([]string, error) {
	if d.files == nil {
		return nil, &fsdiscovery.NotAGitRepositoryError{Path: root}
	}
	return d.files, nil
}

func (d *listDiscoverer) DirectoryTree(ctx context.Context, root string, maxDepth int) (string, error) {
	return "", nil
}

func writeProjectFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func filteringRequest(t *testing.T, dir string, payload *job.LocalFileFilteringPayload) *Request {
	t.Helper()
	return &Request{
		Job: &job.Job{
			ID:               "filter-1",
			Kind:             job.KindLocalFileFiltering,
			ProjectDirectory: dir,
		},
		Payload: payload,
		Cancel:  make(chan struct{}),
	}
}

func decodeFilteredFiles(t *testing.T, response string) []string {
	t.Helper()
	var files []string
	if err := json.Unmarshal([]byte(response), &files); err != nil {
		t.Fatalf("response %q: %v", response, err)
	}
	return files
}

func TestLocalFileFilteringPathAndContentPatterns(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, "src/a.rs", "fn parse() {}\n")
	writeProjectFile(t, dir, "src/b.rs", "fn main() {}\n")

	h := &localFileFilteringHandler{fs: &listDiscoverer{files: []string{"src/a.rs", "src/b.rs"}}}
	result, err := h.Process(context.Background(), filteringRequest(t, dir, &job.LocalFileFilteringPayload{
		PathPattern:    `src/.*\.rs$`,
		ContentPattern: "fn parse",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorMessage != "" {
		t.Fatalf("unexpected error result: %s", result.ErrorMessage)
	}

	files := decodeFilteredFiles(t, result.Response)
	if len(files) != 1 || files[0] != "src/a.rs" {
		t.Errorf("filtered files = %v, want [src/a.rs]", files)
	}
	if got := result.Metadata["matched_count"]; got != 1 {
		t.Errorf("matched_count = %v, want 1", got)
	}
}

func TestLocalFileFilteringPathPatternOnly(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, "src/a.rs", "fn parse() {}\n")
	writeProjectFile(t, dir, "docs/readme.md", "hello\n")

	h := &localFileFilteringHandler{fs: &listDiscoverer{files: []string{"docs/readme.md", "src/a.rs"}}}
	result, err := h.Process(context.Background(), filteringRequest(t, dir, &job.LocalFileFilteringPayload{
		PathPattern: `\.rs$`,
	}))
	if err != nil {
		t.Fatal(err)
	}

	files := decodeFilteredFiles(t, result.Response)
	if len(files) != 1 || files[0] != "src/a.rs" {
		t.Errorf("filtered files = %v", files)
	}
}

func TestLocalFileFilteringNegativePatternExcludes(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, "src/a.rs", "fn parse() {}\n")
	writeProjectFile(t, dir, "src/a_test.rs", "fn parse_test() {}\n")

	h := &localFileFilteringHandler{fs: &listDiscoverer{files: []string{"src/a.rs", "src/a_test.rs"}}}
	result, err := h.Process(context.Background(), filteringRequest(t, dir, &job.LocalFileFilteringPayload{
		PathPattern:    `\.rs$`,
		NegPathPattern: `_test\.rs$`,
	}))
	if err != nil {
		t.Fatal(err)
	}

	files := decodeFilteredFiles(t, result.Response)
	if len(files) != 1 || files[0] != "src/a.rs" {
		t.Errorf("filtered files = %v", files)
	}
}

func TestLocalFileFilteringExcludedPathGlobs(t *testing.T) {
	dir := t.TempDir()
	writeProjectFile(t, dir, "src/a.rs", "fn parse() {}\n")
	writeProjectFile(t, dir, "vendor/dep/lib.rs", "fn parse() {}\n")

	h := &localFileFilteringHandler{fs: &listDiscoverer{files: []string{"src/a.rs", "vendor/dep/lib.rs"}}}
	result, err := h.Process(context.Background(), filteringRequest(t, dir, &job.LocalFileFilteringPayload{
		PathPattern:   `\.rs$`,
		ExcludedPaths: []string{"vendor/**"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	files := decodeFilteredFiles(t, result.Response)
	if len(files) != 1 || files[0] != "src/a.rs" {
		t.Errorf("filtered files = %v", files)
	}
}

func TestLocalFileFilteringRequiresAPositivePattern(t *testing.T) {
	h := &localFileFilteringHandler{fs: &listDiscoverer{files: []string{"src/a.rs"}}}
	result, err := h.Process(context.Background(), filteringRequest(t, t.TempDir(), &job.LocalFileFilteringPayload{
		NegPathPattern: `_test\.rs$`,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorMessage == "" || result.ErrorCategory != "validation" {
		t.Errorf("expected validation failure, got %+v", result)
	}
}

func TestLocalFileFilteringInvalidRegexIsValidationError(t *testing.T) {
	h := &localFileFilteringHandler{fs: &listDiscoverer{files: []string{"src/a.rs"}}}
	result, err := h.Process(context.Background(), filteringRequest(t, t.TempDir(), &job.LocalFileFilteringPayload{
		PathPattern: `([unclosed`,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorMessage == "" || result.ErrorCategory != "validation" {
		t.Errorf("expected validation failure, got %+v", result)
	}
}

func TestLocalFileFilteringNotAGitRepository(t *testing.T) {
	h := &localFileFilteringHandler{fs: &listDiscoverer{files: nil}}
	result, err := h.Process(context.Background(), filteringRequest(t, t.TempDir(), &job.LocalFileFilteringPayload{
		PathPattern: `\.rs$`,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorMessage == "" || result.ErrorCategory != "validation" {
		t.Errorf("expected validation failure for non-git directory, got %+v", result)
	}
}
