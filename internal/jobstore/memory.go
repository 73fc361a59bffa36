package jobstore

import (
	"context"
	"sync"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store backed by a map guarded by a single
// RWMutex. Each job additionally gets its own per-job mutex so that
// concurrent AppendStream calls for *different* jobs never contend, while
// concurrent appends for the *same* job are still serialized, so a
// reader never observes the response grown without its counters bumped.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	mu  sync.Mutex
	job *job.Job
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*jobEntry)}
}

func (s *MemoryStore) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return &IDCollisionError{JobID: j.ID}
	}
	cp := j.Clone()
	cp.Status = job.StatusCreated
	cp.CreatedAt = now()
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[j.ID] = &jobEntry{job: cp}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job.Clone(), nil
}

func (s *MemoryStore) GetBySession(ctx context.Context, sessionID string) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, entry := range s.jobs {
		entry.mu.Lock()
		if entry.job.SessionID == sessionID {
			out = append(out, entry.job.Clone())
		}
		entry.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) GetActive(ctx context.Context) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*job.Job
	for _, entry := range s.jobs {
		entry.mu.Lock()
		if !entry.job.Status.IsTerminal() {
			out = append(out, entry.job.Clone())
		}
		entry.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) getEntry(id string) (*jobEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[id]
	return entry, ok
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status job.Status, message string) error {
	entry, ok := s.getEntry(id)
	if !ok {
		return &NotFoundError{JobID: id}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !job.CanTransition(entry.job.Status, status) {
		return &InvalidTransitionError{JobID: id, From: entry.job.Status, To: status}
	}
	entry.job.Status = status
	entry.job.UpdatedAt = now()
	if message != "" {
		entry.job.ErrorMessage = message
	}
	if status.IsTerminal() {
		t := now()
		entry.job.EndTime = &t
	}
	return nil
}

func (s *MemoryStore) AppendStream(ctx context.Context, id string, chunk string, tokenDelta int, charTotal int, metadata map[string]any) error {
	entry, ok := s.getEntry(id)
	if !ok {
		return &NotFoundError{JobID: id}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.job.Status != job.StatusRunning {
		return &NotRunningError{JobID: id, Status: entry.job.Status}
	}
	entry.job.Response += chunk
	entry.job.TokensReceived += tokenDelta
	entry.job.TotalTokens = entry.job.TokensSent + entry.job.TokensReceived
	entry.job.CharsReceived = charTotal
	for k, v := range metadata {
		entry.job.SetMetadata(k, v)
	}
	entry.job.UpdatedAt = now()
	return nil
}

func (s *MemoryStore) Finalize(ctx context.Context, id string, final job.Status, usage Usage, modelUsed string, metadata map[string]any) error {
	entry, ok := s.getEntry(id)
	if !ok {
		return &NotFoundError{JobID: id}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !final.IsTerminal() {
		return &InvalidTransitionError{JobID: id, From: entry.job.Status, To: final}
	}
	if !job.CanTransition(entry.job.Status, final) {
		return &InvalidTransitionError{JobID: id, From: entry.job.Status, To: final}
	}

	entry.job.Status = final
	entry.job.TokensSent = usage.TokensSent
	entry.job.TokensReceived = usage.TokensReceived
	entry.job.TotalTokens = usage.TotalTokens
	entry.job.ActualCost = usage.Cost
	if modelUsed != "" {
		entry.job.ModelID = modelUsed
	}
	for k, v := range metadata {
		entry.job.SetMetadata(k, v)
	}
	t := now()
	entry.job.EndTime = &t
	entry.job.UpdatedAt = t
	return nil
}

func (s *MemoryStore) CancelSession(ctx context.Context, sessionID string, exceptKinds []job.Kind) (int, error) {
	except := make(map[job.Kind]bool, len(exceptKinds))
	for _, k := range exceptKinds {
		except[k] = true
	}

	s.mu.RLock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, entry := range s.jobs {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	count := 0
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.job.SessionID == sessionID && !entry.job.Status.IsTerminal() && !except[entry.job.Kind] {
			if job.CanTransition(entry.job.Status, job.StatusCanceled) {
				entry.job.Status = job.StatusCanceled
				t := now()
				entry.job.EndTime = &t
				entry.job.UpdatedAt = t
				count++
			}
		}
		entry.mu.Unlock()
	}
	return count, nil
}

func (s *MemoryStore) MarkCanceledWithUsage(ctx context.Context, id string, reason string, tokensSent, tokensReceived int, model string, cost money.Amount) error {
	entry, ok := s.getEntry(id)
	if !ok {
		return &NotFoundError{JobID: id}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !job.CanTransition(entry.job.Status, job.StatusCanceled) {
		return &InvalidTransitionError{JobID: id, From: entry.job.Status, To: job.StatusCanceled}
	}
	entry.job.Status = job.StatusCanceled
	entry.job.ErrorMessage = reason
	if tokensSent > 0 {
		entry.job.TokensSent = tokensSent
	}
	if tokensReceived > 0 {
		entry.job.TokensReceived = tokensReceived
	}
	entry.job.TotalTokens = entry.job.TokensSent + entry.job.TokensReceived
	entry.job.ActualCost = cost
	if model != "" {
		entry.job.ModelID = model
	}
	t := now()
	entry.job.EndTime = &t
	entry.job.UpdatedAt = t
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return &NotFoundError{JobID: id}
	}
	delete(s.jobs, id)
	return nil
}
