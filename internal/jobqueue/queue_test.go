package jobqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingProcessor struct {
	mu      sync.Mutex
	order   []string
	store   jobstore.Store
	onStart func(jobID string, cancel <-chan struct{})
}

func (p *recordingProcessor) Process(ctx context.Context, jobID string, cancel <-chan struct{}) {
	p.mu.Lock()
	p.order = append(p.order, jobID)
	p.mu.Unlock()

	if p.onStart != nil {
		p.onStart(jobID, cancel)
	}
	_ = p.store.SetStatus(ctx, jobID, job.StatusRunning, "")
	_ = p.store.Finalize(ctx, jobID, job.StatusCompleted, jobstore.Usage{}, "", nil)
}

func newQueuedJob(t *testing.T, store jobstore.Store, id string) {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{ID: id, SessionID: "sess-1", ProjectDirectory: "/tmp", Kind: job.KindGenericLLMStream}
	if err := store.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueuePriorityOrdering(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	for _, id := range []string{"low", "high", "mid"} {
		newQueuedJob(t, store, id)
	}

	proc := &recordingProcessor{store: store}
	q := New(ctx, store, proc, Config{Concurrency: 1})
	defer q.Shutdown()

	_ = q.Enqueue(ctx, "low", 0)
	_ = q.Enqueue(ctx, "mid", 5)
	_ = q.Enqueue(ctx, "high", 10)

	deadline := time.After(2 * time.Second)
	for {
		proc.mu.Lock()
		n := len(proc.order)
		proc.mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for jobs to process")
		case <-time.After(10 * time.Millisecond):
		}
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.order[0] != "high" {
		t.Errorf("expected high priority job first, got order %v", proc.order)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	newQueuedJob(t, store, "job-1")

	proc := &recordingProcessor{store: store}
	q := New(ctx, store, proc, Config{Concurrency: 1})
	defer q.Shutdown()

	if err := q.Enqueue(ctx, "job-1", 0); err != nil {
		t.Fatal(err)
	}
	// Second enqueue after it already left Created must be a no-op, not an error.
	time.Sleep(50 * time.Millisecond)
	if err := q.Enqueue(ctx, "job-1", 0); err != nil {
		t.Errorf("expected idempotent no-op, got error: %v", err)
	}
}

func TestCancelRemovesQueuedJob(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	newQueuedJob(t, store, "job-1")

	// Built directly (no New), so no worker goroutine can drain the heap
	// before Cancel runs: this isolates the heap-removal path.
	q := &Queue{
		store:    store,
		log:      noopLogger(),
		byJobID:  make(map[string]*heapItem),
		inFlight: make(map[string]*inflight),
		notify:   make(chan struct{}, 1),
		sem:      make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}

	_ = q.Enqueue(ctx, "job-1", 0)

	wasQueued := q.Cancel("job-1")
	if !wasQueued {
		t.Error("expected job to still be queued and removed")
	}
}

func TestCancelSignalsRunningJob(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	newQueuedJob(t, store, "job-1")

	started := make(chan struct{})
	canceled := make(chan struct{})
	proc := &recordingProcessor{
		store: store,
		onStart: func(jobID string, cancel <-chan struct{}) {
			close(started)
			<-cancel
			close(canceled)
		},
	}
	q := New(ctx, store, proc, Config{Concurrency: 1})
	defer q.Shutdown()

	_ = q.Enqueue(ctx, "job-1", 0)
	<-started

	wasQueued := q.Cancel("job-1")
	if wasQueued {
		t.Error("job was already dispatched, should not report wasQueued")
	}

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel signal never reached in-flight processor")
	}
}

func TestSweepFailsStuckAcknowledgedJob(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()
	newQueuedJob(t, store, "job-1")
	_ = store.SetStatus(ctx, "job-1", job.StatusQueued, "")
	_ = store.SetStatus(ctx, "job-1", job.StatusAcknowledged, "")

	proc := &recordingProcessor{store: store}
	q := New(ctx, store, proc, Config{Concurrency: 1, AckTimeout: 20 * time.Millisecond})
	defer q.Shutdown()

	time.Sleep(150 * time.Millisecond)

	got, _ := store.Get(ctx, "job-1")
	if got.Status != job.StatusFailed {
		t.Errorf("expected stuck job to be failed, got status %s", got.Status)
	}
}
