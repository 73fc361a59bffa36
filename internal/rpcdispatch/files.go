package rpcdispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

const (
	filesSearchCacheCapacity = 256
	filesSearchCacheTTLMs    = 1000

	defaultMaxSearchResults = 100
)

// FilesHandlers implements files.search, the one expensive read-only
// method in the fs/files surface, fronted by a bounded LRU+TTL cache.
type FilesHandlers struct{}

// NewFilesHandlers constructs the files.* handler set.
func NewFilesHandlers() *FilesHandlers { return &FilesHandlers{} }

// Register wires files.search into d behind its cache.
func (h *FilesHandlers) Register(d *Dispatcher) {
	d.RegisterCached("files.search", h.search, filesSearchCacheCapacity, 0, filesSearchCacheTTLMs)
}

type searchParams struct {
	ProjectDirectory string `json:"projectDirectory"`
	Query            string `json:"query"`
	IncludeContent   bool   `json:"includeContent,omitempty"`
	MaxResults       int    `json:"maxResults,omitempty"`
}

type searchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Content string `json:"content,omitempty"`
}

type searchResult struct {
	Matches []searchMatch `json:"matches"`
}

// search walks projectDirectory for files whose path or content contains
// query. A plain substring scan bounded by maxResults; results are
// cached by the dispatcher, so no index is kept.
func (h *FilesHandlers) search(ctx context.Context, params json.RawMessage) (any, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}
	if p.Query == "" {
		return nil, &errors.ValidationError{Field: "query", Message: "query must not be empty"}
	}
	maxResults := p.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxSearchResults
	}

	root, err := filepath.Abs(p.ProjectDirectory)
	if err != nil {
		return nil, &errors.ValidationError{Field: "projectDirectory", Message: err.Error()}
	}

	var matches []searchMatch
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}
		if info.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		if strings.Contains(rel, p.Query) {
			matches = append(matches, searchMatch{Path: rel})
		}

		if p.IncludeContent && len(matches) < maxResults {
			if found := grepFile(path, p.Query, maxResults-len(matches)); len(found) > 0 {
				for _, m := range found {
					matches = append(matches, searchMatch{Path: rel, Line: m.line, Content: m.content})
				}
			}
		}

		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return searchResult{Matches: matches}, nil
}

type lineMatch struct {
	line    int
	content string
}

func grepFile(path, query string, limit int) []lineMatch {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var found []lineMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, query) {
			found = append(found, lineMatch{line: lineNo, content: line})
			if len(found) >= limit {
				break
			}
		}
	}
	return found
}
