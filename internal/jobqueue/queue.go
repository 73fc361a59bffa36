// Package jobqueue implements an in-memory priority queue and bounded
// worker pool that pulls jobs from the job store and hands them to the
// processor registry.
//
// container/heap is used for the pending set because the ordering
// requirement, (priority desc, created_at asc), is exactly its
// documented use case and a channel cannot express a priority reorder
// of already-queued work. The surrounding worker-pool shape (bounded semaphore,
// WaitGroup-tracked goroutines, a stopped channel checked at
// suspension points) follows a goroutine-per-job, semaphore-bounded design.
package jobqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
)

// Processor is the callback the processor registry satisfies; the queue
// invokes it once per dispatched job after transitioning to Acknowledged.
// cancel is closed when Cancel observes the job still in-flight; the
// processor must poll it at each suspension point.
type Processor interface {
	Process(ctx context.Context, jobID string, cancel <-chan struct{})
}

// heapItem is one pending entry in the priority queue.
type heapItem struct {
	jobID     string
	priority  int
	createdAt time.Time
	index     int
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].createdAt.Before(h[j].createdAt) // ties: earlier first
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// inflight tracks a job currently handed to a worker, so cancel() can
// signal it and so the queue never dispatches the same job_id twice
// concurrently.
type inflight struct {
	cancel chan struct{}
	once   sync.Once
}

func (f *inflight) requestCancel() {
	f.once.Do(func() { close(f.cancel) })
}

// Queue schedules jobs from the store onto a bounded worker pool.
type Queue struct {
	store      jobstore.Store
	processor  Processor
	log        *slog.Logger
	ackTimeout time.Duration

	mu       sync.Mutex
	items    priorityHeap
	byJobID  map[string]*heapItem
	inFlight map[string]*inflight
	notify   chan struct{}

	sem      chan struct{}
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once

	// onComplete, if set, is called after every dispatch returns
	// (success, failure, or cancellation), letting the workflow
	// orchestrator observe terminal transitions without this package
	// importing it.
	onComplete func(ctx context.Context, jobID string)
}

// Config configures a Queue.
type Config struct {
	// Concurrency is the worker pool size (default: 4).
	Concurrency int
	// AckTimeout bounds how long a job may sit Acknowledged before the
	// sweeper marks it stuck and fails it.
	AckTimeout time.Duration
	Logger     *slog.Logger
	// OnComplete, if set, is invoked with every job id after its dispatch
	// returns, regardless of outcome.
	OnComplete func(ctx context.Context, jobID string)
}

// New constructs a Queue and starts its worker pool and stuck-job sweeper.
// Cancel the returned context, or call Shutdown, to stop both.
func New(ctx context.Context, store jobstore.Store, processor Processor, cfg Config) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		store:      store,
		processor:  processor,
		log:        cfg.Logger,
		ackTimeout: cfg.AckTimeout,
		byJobID:    make(map[string]*heapItem),
		inFlight:   make(map[string]*inflight),
		notify:     make(chan struct{}, 1),
		sem:        make(chan struct{}, cfg.Concurrency),
		stopped:    make(chan struct{}),
		onComplete: cfg.OnComplete,
	}
	heap.Init(&q.items)

	for i := 0; i < cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx)
	}
	q.wg.Add(1)
	go q.sweepLoop(ctx)

	return q
}

// Shutdown stops accepting new dispatches and waits for in-flight
// dispatches to return. It does not signal the in-flight jobs'
// cancellation flags.
func (q *Queue) Shutdown() {
	q.stopOnce.Do(func() { close(q.stopped) })
	q.wg.Wait()
}

// Enqueue is idempotent: a job already Queued or beyond is left alone.
// It transitions Created → Queued and pushes onto the priority heap.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int) error {
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return &jobstore.NotFoundError{JobID: jobID}
	}
	if j.Status != job.StatusCreated {
		// Idempotent: already queued (or further along), nothing to do.
		return nil
	}
	if err := q.store.SetStatus(ctx, jobID, job.StatusQueued, ""); err != nil {
		return err
	}

	q.mu.Lock()
	item := &heapItem{jobID: jobID, priority: priority, createdAt: time.Now().UTC()}
	heap.Push(&q.items, item)
	q.byJobID[jobID] = item
	q.mu.Unlock()

	q.wakeWorkers()
	return nil
}

// QueueDepth reports the number of jobs currently waiting in the
// priority heap (not yet handed to a worker).
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// InFlightCount reports the number of jobs currently dispatched to a
// worker.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *Queue) wakeWorkers() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Cancel removes jobID from the pending heap if it is still queued, or
// signals its cancellation flag if a worker already picked it up. Returns
// whether it was found queued (not yet dispatched).
func (q *Queue) Cancel(jobID string) (wasQueued bool) {
	q.mu.Lock()
	if item, ok := q.byJobID[jobID]; ok {
		heap.Remove(&q.items, item.index)
		delete(q.byJobID, jobID)
		q.mu.Unlock()
		return true
	}
	inf, running := q.inFlight[jobID]
	q.mu.Unlock()

	if running {
		inf.requestCancel()
	}
	return false
}

// SetConcurrency changes the worker pool size by draining or growing the
// semaphore's capacity. Existing in-flight jobs are unaffected.
func (q *Queue) SetConcurrency(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	q.mu.Lock()
	current := cap(q.sem)
	q.mu.Unlock()

	if n == current {
		return
	}

	q.mu.Lock()
	q.sem = make(chan struct{}, n)
	q.mu.Unlock()

	if n > current {
		for i := 0; i < n-current; i++ {
			q.wg.Add(1)
			go q.workerLoop(ctx)
		}
	}
	// Shrinking takes effect gradually as existing workers finish their
	// current job and re-check the (now smaller) semaphore capacity.
}

func (q *Queue) popNext() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return "", false
	}
	item := heap.Pop(&q.items).(*heapItem)
	delete(q.byJobID, item.jobID)
	return item.jobID, true
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		// Acquire and release on the same semaphore even if SetConcurrency
		// replaces q.sem while this worker is dispatching.
		q.mu.Lock()
		sem := q.sem
		q.mu.Unlock()

		select {
		case <-q.stopped:
			return
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		jobID, ok := q.popNext()
		if !ok {
			<-sem
			select {
			case <-q.stopped:
				return
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		q.dispatch(ctx, jobID)
		<-sem
	}
}

func (q *Queue) dispatch(ctx context.Context, jobID string) {
	inf := &inflight{cancel: make(chan struct{})}
	q.mu.Lock()
	q.inFlight[jobID] = inf
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, jobID)
		q.mu.Unlock()
	}()

	if err := q.store.SetStatus(ctx, jobID, job.StatusAcknowledged, ""); err != nil {
		q.log.Error("jobqueue: failed to acknowledge job", "job_id", jobID, "error", err)
		return
	}

	q.processor.Process(ctx, jobID, inf.cancel)

	if q.onComplete != nil {
		q.onComplete(ctx, jobID)
	}
}

// sweepLoop periodically fails jobs stuck in Acknowledged past ackTimeout
// without a Running transition.
func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.ackTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepStuckJobs(ctx)
		}
	}
}

func (q *Queue) sweepStuckJobs(ctx context.Context) {
	active, err := q.store.GetActive(ctx)
	if err != nil {
		q.log.Error("jobqueue: sweep failed to list active jobs", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-q.ackTimeout)
	for _, j := range active {
		if j.Status != job.StatusAcknowledged {
			continue
		}
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		q.log.Warn("jobqueue: marking stuck job failed", "job_id", j.ID, "acknowledged_at", j.UpdatedAt)
		if err := q.store.SetStatus(ctx, j.ID, job.StatusFailed, "stuck in acknowledged state past timeout"); err != nil {
			q.log.Error("jobqueue: failed to fail stuck job", "job_id", j.ID, "error", err)
		}
	}
}
