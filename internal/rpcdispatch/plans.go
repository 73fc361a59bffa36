package rpcdispatch

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

const defaultChunkSize = 64 * 1024

// PlansHandlers implements plans.* over a PlanStore.
type PlansHandlers struct {
	store *PlanStore
}

// NewPlansHandlers constructs the plans.* handler set over store.
func NewPlansHandlers(store *PlanStore) *PlansHandlers {
	return &PlansHandlers{store: store}
}

// Register wires plans.* methods into d. plans.list is cached since
// listing is read-only and repeatedly polled by reconnecting clients.
func (h *PlansHandlers) Register(d *Dispatcher) {
	d.RegisterCached("plans.list", h.list, filesSearchCacheCapacity, 0, filesSearchCacheTTLMs)
	d.Register("plans.get", h.get)
	d.Register("plans.save", h.save)
	d.Register("plans.delete", h.delete)
}

type plansListParams struct {
	SessionID string `json:"sessionId"`
}

type plansListResult struct {
	PlanIDs []string `json:"planIds"`
}

func (h *PlansHandlers) list(ctx context.Context, params json.RawMessage) (any, error) {
	var p plansListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}
	ids, err := h.store.ListBySession(p.SessionID)
	if err != nil {
		return nil, err
	}
	return plansListResult{PlanIDs: ids}, nil
}

type plansGetParams struct {
	PlanID     string `json:"planId"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
	ChunkIndex int    `json:"chunkIndex,omitempty"`
}

type chunkInfo struct {
	ChunkIndex  int  `json:"chunkIndex"`
	TotalChunks int  `json:"totalChunks"`
	ChunkSize   int  `json:"chunkSize"`
	TotalSize   int  `json:"totalSize"`
	HasMore     bool `json:"hasMore"`
}

type plansGetResult struct {
	ChunkInfo chunkInfo `json:"chunkInfo"`
	SizeBytes int       `json:"sizeBytes"`
	Content   string    `json:"content"`
}

// get returns one UTF-8-safe byte-range chunk of a plan's content. Chunk
// boundaries never split a multi-byte rune: a boundary that would land
// mid-rune is pulled back to the start of that rune. Both edges of a chunk
// are adjusted this way, so a chunk can be shorter or longer than
// chunkSize by less than one rune.
func (h *PlansHandlers) get(ctx context.Context, params json.RawMessage) (any, error) {
	var p plansGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}

	content, ok, err := h.store.Get(p.PlanID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.NotFoundError{Resource: "plan", ID: p.PlanID}
	}

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	data := []byte(content)
	totalSize := len(data)
	totalChunks := (totalSize + chunkSize - 1) / chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	// Both edges derive from the same nominal i*chunkSize grid, so chunk
	// i's end is byte-identical to chunk i+1's start and concatenating
	// all chunks reproduces the original exactly.
	start := utf8SafeBoundary(data, p.ChunkIndex*chunkSize)
	end := utf8SafeBoundary(data, (p.ChunkIndex+1)*chunkSize)

	chunk := data[start:end]

	return plansGetResult{
		ChunkInfo: chunkInfo{
			ChunkIndex:  p.ChunkIndex,
			TotalChunks: totalChunks,
			ChunkSize:   chunkSize,
			TotalSize:   totalSize,
			HasMore:     end < totalSize,
		},
		SizeBytes: len(chunk),
		Content:   string(chunk),
	}, nil
}

// utf8SafeBoundary pulls offset back to the start of the rune it falls
// inside, if any, so slicing data at the returned index never produces
// an invalid UTF-8 fragment.
func utf8SafeBoundary(data []byte, offset int) int {
	if offset <= 0 {
		return 0
	}
	if offset >= len(data) {
		return len(data)
	}
	for offset > 0 && !utf8.RuneStart(data[offset]) {
		offset--
	}
	return offset
}

type plansSaveParams struct {
	PlanID    string `json:"planId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func (h *PlansHandlers) save(ctx context.Context, params json.RawMessage) (any, error) {
	var p plansSaveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}
	if err := h.store.Save(p.PlanID, p.SessionID, p.Content); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type plansDeleteParams struct {
	PlanID string `json:"planId"`
}

func (h *PlansHandlers) delete(ctx context.Context, params json.RawMessage) (any, error) {
	var p plansDeleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: err.Error()}
	}
	if err := h.store.Delete(p.PlanID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
