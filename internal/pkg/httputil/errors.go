package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/blog-digest/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// HandleError maps a domain error to an HTTP response using provided mappings.
// If no mapping matches, logs the error and returns 500 with fallback as the message.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping, fallback string) {
	if m, ok := match(err, mappings); ok {
		Error(w, m.Status, m.Message)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, fallback)
}

// HandleTextError is HandleError for endpoints that answer with plain text.
func HandleTextError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping, fallback string) {
	if m, ok := match(err, mappings); ok {
		Text(w, m.Status, m.Message)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Text(w, http.StatusInternalServerError, fallback)
}

func match(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			if m.Message == "" {
				m.Message = err.Error()
			}
			return m, true
		}
	}
	return ErrorMapping{}, false
}
