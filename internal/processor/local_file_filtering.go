package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/helpful-bits/plantocode-orchestrator/internal/fsdiscovery"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

func init() {
	RegisterFactory(job.KindLocalFileFiltering, newLocalFileFilteringHandler)
}

// localFileFilteringHandler is pure computation: it never calls an LLM.
// It keeps every git-tracked candidate that satisfies all provided
// positive patterns and no negative pattern.
type localFileFilteringHandler struct {
	fs fsdiscovery.Discoverer
}

func newLocalFileFilteringHandler(deps Dependencies) Handler {
	return &localFileFilteringHandler{fs: deps.FS}
}

func (h *localFileFilteringHandler) Name() string { return "local-file-filtering" }

func (h *localFileFilteringHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindLocalFileFiltering
}

// InvalidRegexError is returned when a supplied filter pattern fails to
// compile.
type InvalidRegexError struct {
	Field string
	Cause error
}

func (e *InvalidRegexError) Error() string {
	return fmt.Sprintf("processor: invalid regex in %s: %v", e.Field, e.Cause)
}

func (e *InvalidRegexError) Unwrap() error { return e.Cause }

func (h *localFileFilteringHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.LocalFileFilteringPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for local-file-filtering", req.Payload)
	}

	compiled, err := compileFilteringPatterns(payload)
	if err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "validation"}, nil
	}

	files, err := h.fs.TrackedFiles(ctx, req.Job.ProjectDirectory)
	if err != nil {
		if _, ok := err.(*fsdiscovery.NotAGitRepositoryError); ok {
			return &Result{ErrorMessage: err.Error(), ErrorCategory: "validation"}, nil
		}
		return nil, err
	}

	excludeGlobs, err := compileExcludedPathGlobs(payload.ExcludedPaths)
	if err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "validation"}, nil
	}

	var survivors []string
	for _, path := range files {
		if req.Canceled() {
			return &Result{Canceled: true, ErrorMessage: "canceled during file evaluation"}, nil
		}
		if matchesAnyGlob(excludeGlobs, path) {
			continue
		}
		if compiled.matches(path, h.contentOf(path, req.Job.ProjectDirectory)) {
			survivors = append(survivors, path)
		}
	}

	response, err := job.EncodePayload(survivors)
	if err != nil {
		return nil, err
	}

	return &Result{
		Response: string(response),
		Metadata: map[string]any{"matched_count": len(survivors)},
	}, nil
}

// contentOf lazily reads a file's content, at most once per candidate:
// the predicate only calls it when a content pattern is configured and
// the path patterns alone didn't decide, so path-only filtering jobs
// never touch file contents at all. An unreadable file matches as empty.
func (h *localFileFilteringHandler) contentOf(path, root string) func() string {
	var once sync.Once
	var content string
	return func() string {
		once.Do(func() {
			if b, err := os.ReadFile(filepath.Join(root, path)); err == nil {
				content = string(b)
			}
		})
		return content
	}
}

// compileExcludedPathGlobs validates the merged excluded_paths (produced by
// the stage data injector) as doublestar glob patterns. A plain literal path
// like "src/a.rs" still matches itself; "**/node_modules/**" matches
// recursively, the extended syntax the injector's callers rely on.
func compileExcludedPathGlobs(patterns []string) ([]string, error) {
	for _, p := range patterns {
		if _, err := doublestar.Match(p, "."); err != nil {
			return nil, &InvalidRegexError{Field: "excluded_paths", Cause: err}
		}
	}
	return patterns, nil
}

func matchesAnyGlob(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

type compiledFilterPatterns struct {
	pathRe    *regexp.Regexp
	contentRe *regexp.Regexp
	negPathRe *regexp.Regexp
	negContRe *regexp.Regexp
}

func compileFilteringPatterns(p *job.LocalFileFilteringPayload) (*compiledFilterPatterns, error) {
	if p.PathPattern == "" && p.ContentPattern == "" {
		return nil, fmt.Errorf("processor: local-file-filtering requires at least one of path_pattern or content_pattern")
	}
	c := &compiledFilterPatterns{}
	var err error
	if p.PathPattern != "" {
		if c.pathRe, err = regexp.Compile(p.PathPattern); err != nil {
			return nil, &InvalidRegexError{Field: "path_pattern", Cause: err}
		}
	}
	if p.ContentPattern != "" {
		if c.contentRe, err = regexp.Compile(p.ContentPattern); err != nil {
			return nil, &InvalidRegexError{Field: "content_pattern", Cause: err}
		}
	}
	if p.NegPathPattern != "" {
		if c.negPathRe, err = regexp.Compile(p.NegPathPattern); err != nil {
			return nil, &InvalidRegexError{Field: "neg_path_pattern", Cause: err}
		}
	}
	if p.NegContent != "" {
		if c.negContRe, err = regexp.Compile(p.NegContent); err != nil {
			return nil, &InvalidRegexError{Field: "neg_content_pattern", Cause: err}
		}
	}
	return c, nil
}

// matches evaluates the filter predicate: every provided positive
// pattern must hold (a path pattern narrows by location, a content
// pattern narrows within it), and no negative pattern may hold.
func (c *compiledFilterPatterns) matches(path string, contentFn func() string) bool {
	if c.pathRe != nil && !c.pathRe.MatchString(path) {
		return false
	}
	if c.contentRe != nil && !c.contentRe.MatchString(contentFn()) {
		return false
	}
	if c.negPathRe != nil && c.negPathRe.MatchString(path) {
		return false
	}
	if c.negContRe != nil && c.negContRe.MatchString(contentFn()) {
		return false
	}
	return true
}
