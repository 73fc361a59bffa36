package rpcdispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSHandlers_WriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h := NewFSHandlers()

	writeParams, _ := json.Marshal(writeFileContentParams{ProjectDirectory: dir, Path: "notes/todo.txt", Content: "hello"})
	_, err := h.writeFileContent(context.Background(), writeParams)
	require.NoError(t, err)

	readParams, _ := json.Marshal(readFileContentParams{ProjectDirectory: dir, Path: "notes/todo.txt"})
	result, err := h.readFileContent(context.Background(), readParams)
	require.NoError(t, err)
	require.Equal(t, "hello", result.(readFileContentResult).Content)
}

func TestFSHandlers_RejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	h := NewFSHandlers()

	params, _ := json.Marshal(readFileContentParams{ProjectDirectory: dir, Path: "../../etc/passwd"})
	_, err := h.readFileContent(context.Background(), params)
	require.Error(t, err)
}

func TestFSHandlers_DeleteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	h := NewFSHandlers()
	params, _ := json.Marshal(deleteFileParams{ProjectDirectory: dir, Path: "gone.txt"})
	_, err := h.deleteFile(context.Background(), params)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestFSHandlers_DeleteMissingFileIsNotFound(t *testing.T) {
	dir := t.TempDir()
	h := NewFSHandlers()
	params, _ := json.Marshal(deleteFileParams{ProjectDirectory: dir, Path: "missing.txt"})
	_, err := h.deleteFile(context.Background(), params)
	require.Error(t, err)
}

func TestFSHandlers_ListProjectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.go"), []byte("package a"), 0o644))

	h := NewFSHandlers()
	params, _ := json.Marshal(listProjectFilesParams{ProjectDirectory: dir})
	result, err := h.listProjectFiles(context.Background(), params)
	require.NoError(t, err)

	files := result.(listProjectFilesResult).Files
	require.NotEmpty(t, files)
}
