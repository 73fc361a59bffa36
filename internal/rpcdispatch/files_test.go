package rpcdispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesHandlers_SearchByPathSubstring(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget.go"), []byte("package widget"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.go"), []byte("package other"), 0o644))

	h := NewFilesHandlers()
	params, _ := json.Marshal(searchParams{ProjectDirectory: dir, Query: "widget"})
	result, err := h.search(context.Background(), params)
	require.NoError(t, err)

	matches := result.(searchResult).Matches
	require.Len(t, matches, 1)
	require.Equal(t, "widget.go", matches[0].Path)
}

func TestFilesHandlers_SearchIncludesContentMatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("line one\nneedle here\nline three"), 0o644))

	h := NewFilesHandlers()
	params, _ := json.Marshal(searchParams{ProjectDirectory: dir, Query: "needle", IncludeContent: true})
	result, err := h.search(context.Background(), params)
	require.NoError(t, err)

	matches := result.(searchResult).Matches
	require.NotEmpty(t, matches)
	found := false
	for _, m := range matches {
		if m.Line == 2 {
			found = true
		}
	}
	require.True(t, found)
}

func TestFilesHandlers_SearchRespectsMaxResults(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "match_"+string(rune('a'+i))+".txt"), []byte("x"), 0o644))
	}

	h := NewFilesHandlers()
	params, _ := json.Marshal(searchParams{ProjectDirectory: dir, Query: "match", MaxResults: 3})
	result, err := h.search(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, result.(searchResult).Matches, 3)
}

func TestFilesHandlers_SearchRejectsEmptyQuery(t *testing.T) {
	dir := t.TempDir()
	h := NewFilesHandlers()
	params, _ := json.Marshal(searchParams{ProjectDirectory: dir, Query: ""})
	_, err := h.search(context.Background(), params)
	require.Error(t, err)
}

func TestFilesHandlers_SearchIsCachedThroughDispatcher(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cached.txt"), []byte("x"), 0o644))

	d := New()
	NewFilesHandlers().Register(d)

	params, _ := json.Marshal(searchParams{ProjectDirectory: dir, Query: "cached"})
	req := Request{CorrelationID: "c1", Method: "files.search", Params: params}

	resp1 := d.Dispatch(context.Background(), req)
	require.Nil(t, resp1.Error)

	require.NoError(t, os.Remove(filepath.Join(dir, "cached.txt")))

	resp2 := d.Dispatch(context.Background(), req)
	require.Equal(t, resp1.Result, resp2.Result, "second dispatch should be served from cache despite the file now being gone")
}
