package rpcdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

// FSHandlers implements the fs.* method namespace: operations confined to
// a single project directory per call, the way the desktop agent exposes
// its local filesystem to a relayed remote client. Every path argument is
// resolved against projectDirectory and rejected if it would escape it
// (a plain path-prefix check; this dispatcher has no interactive
// permission-prompt concern to integrate with).
type FSHandlers struct{}

// NewFSHandlers constructs the fs.* handler set.
func NewFSHandlers() *FSHandlers { return &FSHandlers{} }

// Register wires fs.* methods into d.
func (h *FSHandlers) Register(d *Dispatcher) {
	d.Register("fs.getHomeDirectory", h.getHomeDirectory)
	d.Register("fs.listProjectFiles", h.listProjectFiles)
	d.Register("fs.readFileContent", h.readFileContent)
	d.Register("fs.writeFileContent", h.writeFileContent)
	d.Register("fs.createDirectory", h.createDirectory)
	d.Register("fs.deleteFile", h.deleteFile)
}

// resolveWithinProject cleans path and joins it under projectDirectory,
// returning an error if the result would resolve outside that directory.
func resolveWithinProject(projectDirectory, path string) (string, error) {
	base, err := filepath.Abs(projectDirectory)
	if err != nil {
		return "", &errors.ValidationError{Field: "projectDirectory", Message: err.Error()}
	}
	joined := filepath.Join(base, path)
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &errors.ValidationError{Field: "path", Message: fmt.Sprintf("path %q escapes project directory", path)}
	}
	return joined, nil
}

type getHomeDirectoryResult struct {
	HomeDirectory string `json:"homeDirectory"`
}

func (h *FSHandlers) getHomeDirectory(ctx context.Context, params json.RawMessage) (any, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return getHomeDirectoryResult{HomeDirectory: home}, nil
}

type listProjectFilesParams struct {
	ProjectDirectory string `json:"projectDirectory"`
}

type fileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
}

type listProjectFilesResult struct {
	Files []fileEntry `json:"files"`
}

func (h *FSHandlers) listProjectFiles(ctx context.Context, params json.RawMessage) (any, error) {
	var p listProjectFilesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	root, err := filepath.Abs(p.ProjectDirectory)
	if err != nil {
		return nil, &errors.ValidationError{Field: "projectDirectory", Message: err.Error()}
	}

	var entries []fileEntry
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		entries = append(entries, fileEntry{Path: rel, IsDir: info.IsDir()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return listProjectFilesResult{Files: entries}, nil
}

type readFileContentParams struct {
	ProjectDirectory string `json:"projectDirectory"`
	Path             string `json:"path"`
}

type readFileContentResult struct {
	Content string `json:"content"`
}

func (h *FSHandlers) readFileContent(ctx context.Context, params json.RawMessage) (any, error) {
	var p readFileContentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	resolved, err := resolveWithinProject(p.ProjectDirectory, p.Path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "file", ID: p.Path}
		}
		return nil, err
	}

	return readFileContentResult{Content: string(content)}, nil
}

type writeFileContentParams struct {
	ProjectDirectory string `json:"projectDirectory"`
	Path             string `json:"path"`
	Content          string `json:"content"`
}

func (h *FSHandlers) writeFileContent(ctx context.Context, params json.RawMessage) (any, error) {
	var p writeFileContentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	resolved, err := resolveWithinProject(p.ProjectDirectory, p.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, err
	}

	return struct{}{}, nil
}

type createDirectoryParams struct {
	ProjectDirectory string `json:"projectDirectory"`
	Path             string `json:"path"`
}

func (h *FSHandlers) createDirectory(ctx context.Context, params json.RawMessage) (any, error) {
	var p createDirectoryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	resolved, err := resolveWithinProject(p.ProjectDirectory, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type deleteFileParams struct {
	ProjectDirectory string `json:"projectDirectory"`
	Path             string `json:"path"`
}

func (h *FSHandlers) deleteFile(ctx context.Context, params json.RawMessage) (any, error) {
	var p deleteFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	resolved, err := resolveWithinProject(p.ProjectDirectory, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(resolved); err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "file", ID: p.Path}
		}
		return nil, err
	}
	return struct{}{}, nil
}
