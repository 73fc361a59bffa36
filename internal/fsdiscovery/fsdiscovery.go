// Package fsdiscovery is the external collaborator for directory-tree and
// git-tracked-file discovery, used when composing prompts and evaluating
// the LocalFileFiltering predicate. It is kept narrow and exercised by the
// LocalFileFiltering and PathFinder handlers; anything richer (symlink
// policy, submodules, .gitattributes) is out of scope.
//
// This package does no pattern matching itself; the LocalFileFiltering
// processor applies its regex predicate and doublestar exclusion globs to
// the paths returned here.
package fsdiscovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Discoverer resolves the filesystem facts processors need without
// forcing every handler to shell out or walk directories itself.
type Discoverer interface {
	// TrackedFiles lists every git-tracked file path under root, plus
	// untracked files that are not ignored, relative to root, in sorted
	// order.
	TrackedFiles(ctx context.Context, root string) ([]string, error)

	// DirectoryTree renders an indented directory listing up to maxDepth,
	// suitable for inclusion in a composed prompt.
	DirectoryTree(ctx context.Context, root string, maxDepth int) (string, error)
}

// GitDiscoverer shells out to the git CLI for tracked-file discovery;
// a non-git directory surfaces as a typed NotAGitRepositoryError.
type GitDiscoverer struct{}

// NewGitDiscoverer constructs the default Discoverer.
func NewGitDiscoverer() *GitDiscoverer { return &GitDiscoverer{} }

// NotAGitRepositoryError is returned when root has no .git ancestor.
type NotAGitRepositoryError struct {
	Path string
}

func (e *NotAGitRepositoryError) Error() string {
	return fmt.Sprintf("fsdiscovery: %q is not a git repository", e.Path)
}

func (d *GitDiscoverer) TrackedFiles(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "not a git repository") {
			return nil, &NotAGitRepositoryError{Path: root}
		}
		return nil, fmt.Errorf("fsdiscovery: git ls-files failed: %w: %s", err, stderr.String())
	}

	var files []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("fsdiscovery: reading git ls-files output: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (d *GitDiscoverer) DirectoryTree(ctx context.Context, root string, maxDepth int) (string, error) {
	files, err := d.TrackedFiles(ctx, root)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	seen := make(map[string]bool)
	for _, f := range files {
		parts := strings.Split(filepath.ToSlash(f), "/")
		if maxDepth > 0 && len(parts) > maxDepth {
			parts = parts[:maxDepth]
		}
		for depth, part := range parts {
			key := strings.Join(parts[:depth+1], "/")
			if seen[key] {
				continue
			}
			seen[key] = true
			fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth), part)
		}
	}
	return b.String(), nil
}
