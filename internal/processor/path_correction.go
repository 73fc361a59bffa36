package processor

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
)

func init() {
	RegisterFactory(job.KindPathCorrection, newPathCorrectionHandler)
}

type pathCorrectionHandler struct {
	providers ProviderResolver
	models    *config.Resolver
	prompts   promptcompose.Composer
}

func newPathCorrectionHandler(deps Dependencies) Handler {
	return &pathCorrectionHandler{providers: deps.Providers, models: deps.Models, prompts: deps.Prompts}
}

func (h *pathCorrectionHandler) Name() string { return "path-correction" }

func (h *pathCorrectionHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindPathCorrection
}

// pathCorrectionDoc is the expected XML response shape: one <path> element
// per candidate the model was asked to verify.
type pathCorrectionDoc struct {
	XMLName xml.Name             `xml:"corrections"`
	Paths   []pathCorrectionEntry `xml:"path"`
}

type pathCorrectionEntry struct {
	Original    string `xml:"original,attr"`
	Corrected   string `xml:"corrected,attr"`
	Explanation string `xml:"explanation,attr"`
}

var fallbackCorrectedAttr = regexp.MustCompile(`corrected="([^"]*)"`)

func (h *pathCorrectionHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.PathCorrectionPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for path-correction", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	prompt, err := h.prompts.Compose(ctx, promptcompose.Request{
		Kind: job.KindPathCorrection,
		Extra: map[string]string{
			"Paths To Verify": payload.PathsToCorrect,
			"Instructions": "For each path, verify it exists in the project and is spelled correctly. " +
				`Respond with <corrections><path original="..." corrected="..." explanation="..."/>...</corrections>. ` +
				"If a path is already correct, set corrected equal to original.",
		},
	})
	if err != nil {
		return nil, err
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	content, usage, err := runCompletion(ctx, h.providers, h.models, req.Job, prompt)
	if err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "external"}, nil
	}

	entries, parseErr := parsePathCorrections(content)

	var b strings.Builder
	metadata := make(map[string]any)
	if parseErr != nil {
		// Fallback: the model's XML was malformed. Extract every
		// corrected="..." attribute value with a regex rather than
		// discarding the whole response.
		matches := fallbackCorrectedAttr.FindAllStringSubmatch(content, -1)
		for _, m := range matches {
			b.WriteString(m[1])
			b.WriteString("\n")
		}
		metadata["xml_parse_fallback"] = true
	} else {
		for _, e := range entries {
			b.WriteString(e.Corrected)
			b.WriteString("\n")
		}
		metadata["corrections"] = entries
	}

	return &Result{
		Response:  strings.TrimSpace(b.String()),
		Usage:     usage,
		ModelUsed: req.Job.ModelID,
		Metadata:  metadata,
	}, nil
}

func parsePathCorrections(content string) ([]pathCorrectionEntry, error) {
	var doc pathCorrectionDoc
	if err := xml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, err
	}
	return doc.Paths, nil
}
