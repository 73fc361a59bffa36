package workflow

import (
	"sync"
	"time"
)

// StageStatus is a workflow-level view of a stage's progress. It extends
// job.Status with Skipped and Pending, neither of which a job record ever
// holds (Skipped stages never get a job at all).
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageScheduled StageStatus = "scheduled"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCanceled  StageStatus = "canceled"
)

// resolved reports whether downstream stages may treat this stage as
// "done for dependency purposes".
func (s StageStatus) resolved() bool {
	return s == StageCompleted || s == StageSkipped
}

// StageRecord is one entry in WorkflowState.Stages.
type StageRecord struct {
	StageName    string
	JobID        string
	Status       StageStatus
	DependsOn    []string
	ErrorMessage string
	Attempt      int
}

// WorkflowState is the orchestrator's in-process record of one running
// workflow. It is held in memory for the lifetime of the workflow and
// discarded once terminal; stage job records themselves remain in the
// job store regardless.
type WorkflowState struct {
	mu sync.Mutex

	WorkflowID       string
	SessionID        string
	ProjectDirectory string
	TaskDescription  string
	RootJobID        string

	Defs   []StageDef
	Stages []*StageRecord
	Data   IntermediateData

	Status    StageStatus // empty while running; StageCompleted or StageFailed once the workflow ends
	CreatedAt time.Time
}

func newWorkflowState(workflowID, sessionID, projectDirectory, taskDescription, rootJobID string, defs []StageDef) *WorkflowState {
	stages := make([]*StageRecord, 0, len(defs))
	for _, d := range defs {
		stages = append(stages, &StageRecord{StageName: d.Name, DependsOn: d.DependsOn, Status: StagePending})
	}
	return &WorkflowState{
		WorkflowID:       workflowID,
		SessionID:        sessionID,
		ProjectDirectory: projectDirectory,
		TaskDescription:  taskDescription,
		RootJobID:        rootJobID,
		Defs:             defs,
		Stages:           stages,
		CreatedAt:        time.Now().UTC(),
	}
}

func (w *WorkflowState) stage(name string) *StageRecord {
	for _, s := range w.Stages {
		if s.StageName == name {
			return s
		}
	}
	return nil
}

func (w *WorkflowState) stageByJobID(jobID string) *StageRecord {
	for _, s := range w.Stages {
		if s.JobID == jobID {
			return s
		}
	}
	return nil
}

// frontier returns every stage definition whose dependencies are all
// resolved and which is still Pending, in declared
// order (tie-break rule).
func (w *WorkflowState) frontier() []StageDef {
	var ready []StageDef
	for _, d := range w.Defs {
		rec := w.stage(d.Name)
		if rec.Status != StagePending {
			continue
		}
		if w.dependenciesResolved(d) {
			ready = append(ready, d)
		}
	}
	return ready
}

func (w *WorkflowState) dependenciesResolved(d StageDef) bool {
	for _, dep := range d.DependsOn {
		rec := w.stage(dep)
		if rec == nil || !rec.Status.resolved() {
			return false
		}
	}
	return true
}

// allResolved reports whether every declared stage is Completed or
// Skipped.
func (w *WorkflowState) allResolved() bool {
	for _, s := range w.Stages {
		if !s.Status.resolved() {
			return false
		}
	}
	return true
}

// anyFailed reports whether any stage is Failed.
func (w *WorkflowState) anyFailed() bool {
	for _, s := range w.Stages {
		if s.Status == StageFailed {
			return true
		}
	}
	return false
}

// downstreamOf returns every stage name reachable from start by
// following DependsOn edges forward (BFS), used by retry_stage's
// "cancel all strictly-downstream stage jobs" rule.
func (w *WorkflowState) downstreamOf(start string) []string {
	children := make(map[string][]string)
	for _, d := range w.Defs {
		for _, dep := range d.DependsOn {
			children[dep] = append(children[dep], d.Name)
		}
	}

	visited := make(map[string]bool)
	queue := append([]string{}, children[start]...)
	var out []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true
		out = append(out, name)
		queue = append(queue, children[name]...)
	}
	return out
}
