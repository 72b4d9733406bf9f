package digest

import (
	"context"
	"net/http"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Runner executes a digest run.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Handler exposes the digest trigger.
type Handler struct {
	runner Runner
	secret string
}

// NewHandler creates a digest handler guarded by secret.
func NewHandler(runner Runner, secret string) *Handler {
	return &Handler{runner: runner, secret: secret}
}

// RegisterRoutes registers the cron trigger route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(httputil.SharedSecretMiddleware(h.secret)).Post("/digest", h.Trigger)
}

// Trigger handles POST /digest. The run is detached from the request so a
// cron client hanging up does not stop delivery halfway.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil, "An error occurred while sending the digest")
		return
	}

	if res.Outcome == domain.DigestOutcomeInProgress {
		httputil.JSON(w, http.StatusConflict, res)
		return
	}
	httputil.JSON(w, http.StatusOK, res)
}
