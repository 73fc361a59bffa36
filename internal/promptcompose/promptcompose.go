// Package promptcompose is the prompt composer external collaborator
// processors call when building an LLM request from task description,
// file contents, and directory tree. Prompt template design proper is out
// of scope; this package supplies the narrow interface handlers call
// against and a default composer simple enough not to encode any real
// templating product decision.
package promptcompose

import (
	"context"
	"sort"
	"strings"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

// Request bundles everything a composed prompt may draw from.
type Request struct {
	Kind             job.Kind
	TaskDescription  string
	DirectoryTree    string
	FileContents     map[string]string // path -> content
	Extra            map[string]string
}

// Composer builds the final prompt text handed to the LLM.
type Composer interface {
	Compose(ctx context.Context, req Request) (string, error)
}

// SimpleComposer concatenates sections in a fixed order. It does not
// attempt per-kind template specialization; handlers that need
// kind-specific framing add it to Request.Extra before calling Compose.
type SimpleComposer struct{}

// NewSimpleComposer constructs the default Composer.
func NewSimpleComposer() *SimpleComposer { return &SimpleComposer{} }

func (c *SimpleComposer) Compose(ctx context.Context, req Request) (string, error) {
	var b strings.Builder

	if req.TaskDescription != "" {
		b.WriteString("# Task\n")
		b.WriteString(req.TaskDescription)
		b.WriteString("\n\n")
	}
	if req.DirectoryTree != "" {
		b.WriteString("# Directory Tree\n")
		b.WriteString(req.DirectoryTree)
		b.WriteString("\n\n")
	}
	if len(req.FileContents) > 0 {
		paths := make([]string, 0, len(req.FileContents))
		for p := range req.FileContents {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		b.WriteString("# Files\n")
		for _, p := range paths {
			b.WriteString("## " + p + "\n```\n")
			b.WriteString(req.FileContents[p])
			b.WriteString("\n```\n\n")
		}
	}
	if len(req.Extra) > 0 {
		keys := make([]string, 0, len(req.Extra))
		for k := range req.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("# " + k + "\n")
			b.WriteString(req.Extra[k])
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}
