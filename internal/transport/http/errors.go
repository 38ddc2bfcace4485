package http

import (
	"net/http"
	"strconv"

	"convcore/internal/apperr"
	"convcore/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// writeError answers with the client-safe payload of err. Internal failures
// are logged with their cause; callers only see "internal error".
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := apperr.Public(err)
	if p.Kind == apperr.KindInternal {
		middleware.Logger(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	if p.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfterSeconds))
	}
	writeJSON(w, apperr.HTTPStatus(p.Kind), map[string]any{"error": p})
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		return uuid.Nil, apperr.Invalid(key + " must be a uuid")
	}
	return id, nil
}
