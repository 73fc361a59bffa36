package rpcdispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
)

type stubEnqueuer struct {
	enqueued []string
	canceled []string
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, jobID string, priority int) error {
	s.enqueued = append(s.enqueued, jobID)
	return nil
}

func (s *stubEnqueuer) Cancel(jobID string) bool {
	s.canceled = append(s.canceled, jobID)
	return true
}

func TestJobHandlers_CreateResolvesModelAndEnqueues(t *testing.T) {
	store := jobstore.NewMemoryStore()
	enq := &stubEnqueuer{}
	resolver := config.NewResolver(
		map[config.TaskKind]config.ModelConfig{"regex-generation": {ModelID: "anthropic/claude-haiku"}},
		config.ModelConfig{ModelID: "fallback-model"},
		nil,
	)
	h := NewJobHandlers(store, enq, resolver)

	params, err := json.Marshal(createParams{
		SessionID: "sess-1",
		Kind:      string(job.KindRegexGeneration),
		Payload:   json.RawMessage(`{"task_description":"find parsers"}`),
	})
	require.NoError(t, err)

	result, err := h.create(context.Background(), params)
	require.NoError(t, err)
	res := result.(createResult)
	require.NotEmpty(t, res.JobID)
	require.Equal(t, []string{res.JobID}, enq.enqueued)

	stored, err := store.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, "anthropic/claude-haiku", stored.ModelID)
	require.Equal(t, job.StatusCreated, stored.Status)
}

func TestJobHandlers_CreateRejectsMissingSessionID(t *testing.T) {
	h := NewJobHandlers(jobstore.NewMemoryStore(), &stubEnqueuer{}, nil)
	params, _ := json.Marshal(createParams{Kind: string(job.KindLocalFileFiltering)})
	_, err := h.create(context.Background(), params)
	require.Error(t, err)
}

func TestJobHandlers_GetReturnsNotFound(t *testing.T) {
	h := NewJobHandlers(jobstore.NewMemoryStore(), &stubEnqueuer{}, nil)
	params, _ := json.Marshal(jobIDParams{JobID: "missing"})
	_, err := h.get(context.Background(), params)
	require.Error(t, err)
}

func TestJobHandlers_CancelSessionExcludesPlanKinds(t *testing.T) {
	store := jobstore.NewMemoryStore()
	ctx := context.Background()
	plan := &job.Job{ID: "plan-1", SessionID: "sess-1", Kind: job.KindImplementationPlan, Status: job.StatusRunning}
	other := &job.Job{ID: "other-1", SessionID: "sess-1", Kind: job.KindLocalFileFiltering, Status: job.StatusRunning}
	require.NoError(t, store.Create(ctx, plan))
	require.NoError(t, store.Create(ctx, other))

	h := NewJobHandlers(store, &stubEnqueuer{}, nil)
	params, _ := json.Marshal(sessionIDParams{SessionID: "sess-1"})
	result, err := h.cancelSession(ctx, params)
	require.NoError(t, err)
	require.Equal(t, cancelSessionResult{Count: 1}, result)

	// Create stores every job as Created; the excluded plan keeps that status.
	refreshedPlan, _ := store.Get(ctx, "plan-1")
	require.Equal(t, job.StatusCreated, refreshedPlan.Status)
	refreshedOther, _ := store.Get(ctx, "other-1")
	require.Equal(t, job.StatusCanceled, refreshedOther.Status)
}
