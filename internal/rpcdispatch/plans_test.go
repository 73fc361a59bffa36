package rpcdispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestPlanStore(t *testing.T) *PlanStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.db")
	store, err := OpenPlanStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPlansHandlers_SaveGetDelete(t *testing.T) {
	store := newTestPlanStore(t)
	h := NewPlansHandlers(store)
	planID := uuid.NewString()

	saveParams, _ := json.Marshal(plansSaveParams{PlanID: planID, SessionID: "sess-1", Content: "plan body"})
	_, err := h.save(context.Background(), saveParams)
	require.NoError(t, err)

	getParams, _ := json.Marshal(plansGetParams{PlanID: planID})
	result, err := h.get(context.Background(), getParams)
	require.NoError(t, err)
	got := result.(plansGetResult)
	require.Equal(t, "plan body", got.Content)
	require.False(t, got.ChunkInfo.HasMore)

	deleteParams, _ := json.Marshal(plansDeleteParams{PlanID: planID})
	_, err = h.delete(context.Background(), deleteParams)
	require.NoError(t, err)

	_, err = h.get(context.Background(), getParams)
	require.Error(t, err)
}

func TestPlansHandlers_ListBySession(t *testing.T) {
	store := newTestPlanStore(t)
	h := NewPlansHandlers(store)

	for i := 0; i < 3; i++ {
		saveParams, _ := json.Marshal(plansSaveParams{PlanID: uuid.NewString(), SessionID: "sess-a", Content: "x"})
		_, err := h.save(context.Background(), saveParams)
		require.NoError(t, err)
	}
	saveParams, _ := json.Marshal(plansSaveParams{PlanID: uuid.NewString(), SessionID: "sess-b", Content: "y"})
	_, err := h.save(context.Background(), saveParams)
	require.NoError(t, err)

	listParams, _ := json.Marshal(plansListParams{SessionID: "sess-a"})
	result, err := h.list(context.Background(), listParams)
	require.NoError(t, err)
	require.Len(t, result.(plansListResult).PlanIDs, 3)
}

func TestPlansHandlers_GetChunksContentWithoutSplittingRunes(t *testing.T) {
	store := newTestPlanStore(t)
	h := NewPlansHandlers(store)
	planID := uuid.NewString()

	content := strings.Repeat("a", 10) + "é" + strings.Repeat("b", 10)
	saveParams, _ := json.Marshal(plansSaveParams{PlanID: planID, SessionID: "s", Content: content})
	_, err := h.save(context.Background(), saveParams)
	require.NoError(t, err)

	chunkSize := 11
	getParams, _ := json.Marshal(plansGetParams{PlanID: planID, ChunkSize: chunkSize, ChunkIndex: 0})
	result, err := h.get(context.Background(), getParams)
	require.NoError(t, err)
	got := result.(plansGetResult)
	require.True(t, got.ChunkInfo.HasMore)

	var reassembled []byte
	reassembled = append(reassembled, []byte(got.Content)...)
	for got.ChunkInfo.HasMore {
		getParams, _ := json.Marshal(plansGetParams{PlanID: planID, ChunkSize: chunkSize, ChunkIndex: got.ChunkInfo.ChunkIndex + 1})
		result, err := h.get(context.Background(), getParams)
		require.NoError(t, err)
		got = result.(plansGetResult)
		reassembled = append(reassembled, []byte(got.Content)...)
	}

	require.Equal(t, content, string(reassembled))
}

func TestPlansHandlers_GetUnknownPlanIsNotFound(t *testing.T) {
	store := newTestPlanStore(t)
	h := NewPlansHandlers(store)

	getParams, _ := json.Marshal(plansGetParams{PlanID: "missing"})
	_, err := h.get(context.Background(), getParams)
	require.Error(t, err)
}

func TestUtf8SafeBoundary(t *testing.T) {
	data := []byte("a" + "é") // 'é' is 2 bytes in UTF-8
	require.Equal(t, 0, utf8SafeBoundary(data, 0))
	require.Equal(t, 1, utf8SafeBoundary(data, 1))
	require.Equal(t, 1, utf8SafeBoundary(data, 2), "offset 2 lands mid-rune and must pull back to 1")
	require.Equal(t, len(data), utf8SafeBoundary(data, len(data)))
	require.Equal(t, len(data), utf8SafeBoundary(data, 100))
}
