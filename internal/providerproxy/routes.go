package providerproxy

import "github.com/go-chi/chi/v5"

// RegisterRoutes wires the handler's endpoints onto r. Each package owns
// its own route table rather than the binary hard-coding paths.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/llm/complete", h.Complete)
	r.Post("/v1/llm/stream", h.Stream)
	r.Post("/v1/webhooks/billing", h.Webhook)
}
