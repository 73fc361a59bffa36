package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/fsdiscovery"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
)

// tracer instruments DAG dispatch and stage-execution decisions.
var tracer = otel.Tracer("workflow-orchestrator")

// Enqueuer is the slice of jobqueue.Queue the orchestrator needs. Kept
// narrow and satisfied structurally so workflow never imports jobqueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
	Cancel(jobID string) (wasQueued bool)
}

// stageDispatchPriority is the fixed high priority assigned to every
// stage job, so workflow stages jump ahead of ad-hoc session jobs.
const stageDispatchPriority = 10

// maxStageAttempts bounds how many times a stage runs before its failure
// is treated as non-retriable and fails the whole workflow.
const maxStageAttempts = 2

// Orchestrator owns every in-flight WorkflowState and reacts to job
// completions by advancing each workflow's frontier. Stage transitions
// for one workflow are serialized on that workflow's own mutex, so the
// dispatch decisions stay linearizable per workflow.
type Orchestrator struct {
	store  jobstore.Store
	queue  Enqueuer
	fs     fsdiscovery.Discoverer
	models *config.Resolver
	log    *slog.Logger

	mu        sync.Mutex
	workflows map[string]*WorkflowState
}

// New constructs an Orchestrator.
func New(store jobstore.Store, queue Enqueuer, fs fsdiscovery.Discoverer, models *config.Resolver, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		queue:     queue,
		fs:        fs,
		models:    models,
		log:       log,
		workflows: make(map[string]*WorkflowState),
	}
}

// Start implements processor.WorkflowStarter. The root FileFinderWorkflow
// job's own id becomes the workflow id: there is exactly one root job per
// workflow and no other component needs to mint a second identifier for
// it (an Open Question decision; see DESIGN.md).
func (o *Orchestrator) Start(ctx context.Context, rootJobID string) error {
	ctx, span := tracer.Start(ctx, "workflow.start", trace.WithAttributes(attribute.String("workflow_id", rootJobID)))
	defer span.End()

	root, err := o.store.Get(ctx, rootJobID)
	if err != nil {
		return err
	}
	if root == nil {
		return &jobstore.NotFoundError{JobID: rootJobID}
	}

	payloadVal, err := job.DecodePayload(job.KindFileFinderWorkflow, root.Payload)
	if err != nil {
		return err
	}
	payload := payloadVal.(*job.FileFinderWorkflowPayload)

	tree, err := o.fs.DirectoryTree(ctx, root.ProjectDirectory, 6)
	if err != nil {
		o.log.Warn("workflow: directory tree unavailable, continuing without it", "workflow_id", rootJobID, "error", err)
		tree = ""
	}

	w := newWorkflowState(rootJobID, root.SessionID, root.ProjectDirectory, payload.TaskDescription, rootJobID, FileFinderStages)
	w.Data.DirectoryTree = tree

	o.mu.Lock()
	o.workflows[w.WorkflowID] = w
	o.mu.Unlock()

	return o.advance(ctx, w)
}

// OnJobCompleted is the hook wired into jobqueue.Config.OnComplete
// (on_job_completed). Jobs that are not stage jobs of a tracked
// workflow are ignored.
func (o *Orchestrator) OnJobCompleted(ctx context.Context, jobID string) {
	o.mu.Lock()
	var owner *WorkflowState
	for _, w := range o.workflows {
		w.mu.Lock()
		if w.stageByJobID(jobID) != nil {
			owner = w
		}
		w.mu.Unlock()
		if owner != nil {
			break
		}
	}
	o.mu.Unlock()
	if owner == nil {
		return
	}

	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.log.Error("workflow: failed to load completed job", "job_id", jobID, "error", err)
		return
	}
	if j == nil {
		return
	}

	owner.mu.Lock()
	rec := owner.stageByJobID(jobID)
	if rec == nil {
		owner.mu.Unlock()
		return
	}
	switch j.Status {
	case job.StatusCompleted:
		rec.Status = StageCompleted
		if err := o.absorbResult(ctx, owner, rec.StageName, j); err != nil {
			rec.Status = StageFailed
			rec.ErrorMessage = err.Error()
		}
	case job.StatusFailed:
		rec.Status = StageFailed
		rec.ErrorMessage = j.ErrorMessage
	case job.StatusCanceled:
		rec.Status = StageCanceled
	default:
		owner.mu.Unlock()
		return // not a terminal transition
	}
	owner.mu.Unlock()

	if err := o.advance(ctx, owner); err != nil {
		o.log.Error("workflow: advance failed", "workflow_id", owner.WorkflowID, "error", err)
	}
}

// absorbResult pulls a completed stage job's structured output into the
// matching intermediate_data slot. Must be called
// with owner.mu held.
func (o *Orchestrator) absorbResult(ctx context.Context, w *WorkflowState, stageName string, j *job.Job) error {
	switch stageName {
	case "regex-generation":
		w.Data.RawRegexPatterns = j.Response

	case "local-file-filtering":
		var files []string
		if err := json.Unmarshal([]byte(j.Response), &files); err != nil {
			return fmt.Errorf("workflow: local-file-filtering produced unparseable response: %w", err)
		}
		w.Data.LocallyFilteredFiles = files

	case "relevance-assessment":
		candidates := splitLines(j.Response)
		verified, unverified, err := o.verifyPaths(ctx, w.ProjectDirectory, candidates)
		if err != nil {
			return err
		}
		w.Data.InitialVerifiedPaths = verified
		w.Data.InitialUnverifiedPaths = unverified

	case "initial-path-correction":
		w.Data.InitialCorrectedPaths = splitLines(j.Response)

	case "extended-path-finder":
		candidates := splitLines(j.Response)
		verified, unverified, err := o.verifyPaths(ctx, w.ProjectDirectory, candidates)
		if err != nil {
			return err
		}
		w.Data.ExtendedVerifiedPaths = verified
		w.Data.ExtendedUnverifiedPaths = unverified

	case "extended-path-correction":
		w.Data.ExtendedCorrectedPaths = splitLines(j.Response)
	}
	return nil
}

// verifyPaths splits candidates into those that exist as actual files
// under root and those that don't (verified/unverified path
// distinction feeding PathCorrection stages).
func (o *Orchestrator) verifyPaths(ctx context.Context, root string, candidates []string) (verified, unverified []string, err error) {
	tracked, err := o.fs.TrackedFiles(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	trackedSet := make(map[string]bool, len(tracked))
	for _, t := range tracked {
		trackedSet[filepath.ToSlash(t)] = true
	}
	for _, c := range candidates {
		if trackedSet[filepath.ToSlash(c)] {
			verified = append(verified, c)
		} else {
			unverified = append(unverified, c)
		}
	}
	return verified, unverified, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// advance computes the frontier, dispatches it, and checks for workflow
// terminal conditions. Must be called
// without owner.mu held; it takes its own lock per mutation.
func (o *Orchestrator) advance(ctx context.Context, w *WorkflowState) error {
	w.mu.Lock()
	var failedStage string
	failedAttempt := 0
	for _, s := range w.Stages {
		if s.Status == StageFailed {
			failedStage = s.StageName
			failedAttempt = s.Attempt
			break
		}
	}
	w.mu.Unlock()

	if failedStage != "" {
		if failedAttempt+1 < maxStageAttempts {
			_, err := o.retryStage(ctx, w.WorkflowID, failedStage, 0)
			return err
		}
		return o.failWorkflow(ctx, w)
	}

	w.mu.Lock()
	ready := w.frontier()
	w.mu.Unlock()

	for _, def := range ready {
		if def.Optional {
			w.mu.Lock()
			cond := def.Condition(&w.Data)
			w.mu.Unlock()
			if !cond {
				w.mu.Lock()
				w.stage(def.Name).Status = StageSkipped
				w.mu.Unlock()
				if err := o.advance(ctx, w); err != nil {
					return err
				}
				continue
			}
		}
		if err := o.dispatchStage(ctx, w, def, 0); err != nil {
			return err
		}
	}

	w.mu.Lock()
	done := w.allResolved()
	w.mu.Unlock()
	if done {
		return o.completeWorkflow(ctx, w)
	}
	return nil
}

// dispatchStage materializes a stage's payload from the accumulated
// intermediate data and enqueues a new job for it.
func (o *Orchestrator) dispatchStage(ctx context.Context, w *WorkflowState, def StageDef, attempt int) error {
	ctx, span := tracer.Start(ctx, "workflow.dispatch_stage", trace.WithAttributes(
		attribute.String("workflow_id", w.WorkflowID),
		attribute.String("stage_name", def.Name),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	w.mu.Lock()
	payload, err := buildStagePayload(def.Name, w.TaskDescription, &w.Data)
	sessionID, projectDir := w.SessionID, w.ProjectDirectory
	w.mu.Unlock()
	if err != nil {
		w.mu.Lock()
		w.stage(def.Name).Status = StageFailed
		w.stage(def.Name).ErrorMessage = err.Error()
		w.mu.Unlock()
		return o.failWorkflow(ctx, w)
	}

	encoded, err := job.EncodePayload(payload)
	if err != nil {
		return err
	}

	newJob := &job.Job{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		ProjectDirectory:  projectDir,
		WorkflowID:        w.WorkflowID,
		WorkflowStageName: def.Name,
		Kind:              def.TaskKind,
		Priority:          stageDispatchPriority,
		Payload:           encoded,
		Metadata: map[string]any{
			"workflow_id":   w.WorkflowID,
			"stage_name":    def.Name,
			"stage_display": def.Name,
			"attempt":       attempt,
		},
	}

	if def.TaskKind.RequiresLLM() && o.models != nil {
		mc, err := o.models.Resolve(config.TaskKind(def.Name), nil, nil)
		if err != nil {
			w.mu.Lock()
			w.stage(def.Name).Status = StageFailed
			w.stage(def.Name).ErrorMessage = err.Error()
			w.mu.Unlock()
			return o.failWorkflow(ctx, w)
		}
		newJob.ModelID = mc.ModelID
		newJob.Temperature = mc.Temperature
		newJob.MaxOutputTokens = mc.MaxOutputTokens
	}

	if err := o.store.Create(ctx, newJob); err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, newJob.ID, stageDispatchPriority); err != nil {
		return err
	}

	w.mu.Lock()
	rec := w.stage(def.Name)
	rec.JobID = newJob.ID
	rec.Status = StageScheduled
	rec.Attempt = attempt
	w.mu.Unlock()

	return nil
}

// retryStage implements retry_stage: cancels every
// strictly-downstream stage job via BFS, then re-dispatches the failed
// stage itself as a fresh job.
func (o *Orchestrator) retryStage(ctx context.Context, workflowID, stageName string, delay time.Duration) (string, error) {
	o.mu.Lock()
	w, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("workflow: no such workflow %q", workflowID)
	}

	w.mu.Lock()
	rec := w.stage(stageName)
	if rec == nil {
		w.mu.Unlock()
		return "", fmt.Errorf("workflow: no such stage %q in workflow %q", stageName, workflowID)
	}
	downstream := w.downstreamOf(stageName)
	attempt := rec.Attempt + 1
	def, _ := stageByName(w.Defs, stageName)
	w.mu.Unlock()

	// Downstream stages return to Pending so the frontier re-dispatches
	// them once the retried stage completes; any job they already had is
	// canceled.
	for _, name := range downstream {
		w.mu.Lock()
		drec := w.stage(name)
		jobID := drec.JobID
		drec.Status = StagePending
		drec.JobID = ""
		drec.ErrorMessage = ""
		w.mu.Unlock()
		if jobID != "" {
			if o.queue.Cancel(jobID) {
				if err := o.store.SetStatus(ctx, jobID, job.StatusCanceled, "superseded by stage retry"); err != nil {
					o.log.Warn("workflow: failed to cancel superseded stage job", "job_id", jobID, "error", err)
				}
			}
		}
	}

	w.mu.Lock()
	rec.Status = StagePending
	w.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if err := o.dispatchStage(ctx, w, def, attempt); err != nil {
		return "", err
	}

	w.mu.Lock()
	newJobID := w.stage(stageName).JobID
	w.mu.Unlock()
	return newJobID, nil
}

// RetryStage is the exported form of retry_stage.
func (o *Orchestrator) RetryStage(ctx context.Context, workflowID, stageName string, delay time.Duration) (string, error) {
	return o.retryStage(ctx, workflowID, stageName, delay)
}

// failWorkflow marks the workflow Failed, cancels any still-queued stage
// jobs, and finalizes the root job as Failed.
func (o *Orchestrator) failWorkflow(ctx context.Context, w *WorkflowState) error {
	w.mu.Lock()
	if w.Status == StageFailed {
		w.mu.Unlock()
		return nil
	}
	w.Status = StageFailed
	var toCancel []string
	var firstErr string
	for _, s := range w.Stages {
		if s.Status == StageFailed && firstErr == "" {
			firstErr = s.ErrorMessage
		}
		if s.Status == StageScheduled || s.Status == StagePending {
			if s.JobID != "" {
				toCancel = append(toCancel, s.JobID)
			}
			s.Status = StageCanceled
		}
	}
	w.mu.Unlock()

	for _, id := range toCancel {
		if o.queue.Cancel(id) {
			if err := o.store.SetStatus(ctx, id, job.StatusCanceled, "workflow failed"); err != nil {
				o.log.Warn("workflow: failed to cancel queued stage job", "job_id", id, "error", err)
			}
		}
	}

	o.mu.Lock()
	delete(o.workflows, w.WorkflowID)
	o.mu.Unlock()

	return o.store.Finalize(ctx, w.RootJobID, job.StatusFailed, jobstore.Usage{}, "", map[string]any{"error": firstErr})
}

// completeWorkflow materializes the final deduplicated union of verified
// paths and finalizes the root job.
func (o *Orchestrator) completeWorkflow(ctx context.Context, w *WorkflowState) error {
	w.mu.Lock()
	if w.Status == StageCompleted {
		w.mu.Unlock()
		return nil
	}
	w.Status = StageCompleted
	final := dedupeUnion(
		w.Data.InitialVerifiedPaths,
		w.Data.InitialCorrectedPaths,
		w.Data.ExtendedVerifiedPaths,
		w.Data.ExtendedCorrectedPaths,
	)
	sort.Strings(final)
	w.mu.Unlock()

	o.mu.Lock()
	delete(o.workflows, w.WorkflowID)
	o.mu.Unlock()

	response, err := json.Marshal(final)
	if err != nil {
		return err
	}
	if err := o.store.AppendStream(ctx, w.RootJobID, string(response), 0, len(response), nil); err != nil {
		return err
	}
	return o.store.Finalize(ctx, w.RootJobID, job.StatusCompleted, jobstore.Usage{}, "", map[string]any{"stage_count": len(w.Stages)})
}
