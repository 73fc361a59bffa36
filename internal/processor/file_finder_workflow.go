package processor

import (
	"context"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

func init() {
	RegisterFactory(job.KindFileFinderWorkflow, newFileFinderWorkflowHandler)
}

// fileFinderWorkflowHandler is the only root handler that hands control
// to the workflow orchestrator instead of producing a Result of its own.
// Its job record stays in
// Running (Result.Deferred) until the workflow orchestrator finalizes it.
type fileFinderWorkflowHandler struct {
	workflows WorkflowStarter
}

func newFileFinderWorkflowHandler(deps Dependencies) Handler {
	return &fileFinderWorkflowHandler{workflows: deps.Workflows}
}

func (h *fileFinderWorkflowHandler) Name() string { return "file-finder-workflow" }

func (h *fileFinderWorkflowHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindFileFinderWorkflow
}

func (h *fileFinderWorkflowHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	if _, ok := req.Payload.(*job.FileFinderWorkflowPayload); !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for file-finder-workflow", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	if err := h.workflows.Start(ctx, req.Job.ID); err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "external"}, nil
	}

	return &Result{Deferred: true}, nil
}
