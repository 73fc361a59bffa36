package processor

import (
	"context"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

func init() {
	RegisterFactory(job.KindTranscription, newTranscriptionHandler)
}

type transcriptionHandler struct {
	transcriber Transcriber
}

func newTranscriptionHandler(deps Dependencies) Handler {
	return &transcriptionHandler{transcriber: deps.Transcriber}
}

func (h *transcriptionHandler) Name() string { return "transcription" }

func (h *transcriptionHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindTranscription
}

func (h *transcriptionHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.TranscriptionPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for transcription", req.Payload)
	}
	if payload.AudioURI == "" {
		return &Result{ErrorMessage: "transcription requires audio_uri", ErrorCategory: "validation"}, nil
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	text, err := h.transcriber.Transcribe(ctx, payload.AudioURI)
	if err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "external"}, nil
	}

	return &Result{Response: text}, nil
}
