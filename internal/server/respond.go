package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/store"
)

var (
	errMalformedBody = errors.New("server: malformed request body")
	errUnauthorized  = errors.New("server: unauthenticated")
	errTooLarge      = errors.New("server: upload too large")
)

// envelope is the success body shape for single records and pages.
type envelope struct {
	Data any       `json:"data"`
	Meta *pageMeta `json:"meta,omitempty"`
}

type pageMeta struct {
	Page     int `json:"page"`
	PerPage  int `json:"perPage"`
	Total    int `json:"total"`
	LastPage int `json:"lastPage"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// writeError maps handler errors to the status codes and bodies clients rely on:
// 401/403/404 carry {"error"}, 400/422 carry {"message","errors"}.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "The given data was invalid.",
			"errors":  verr.Fields,
		})
	case errors.Is(err, errMalformedBody):
		a.writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": err.Error(),
			"errors":  map[string][]string{},
		})
	case errors.Is(err, errUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="immogest"`)
		a.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthenticated."})
	case errors.Is(err, policy.ErrDenied):
		a.requestLogger(r).Info("request denied", slog.String("reason", err.Error()))
		a.writeJSON(w, http.StatusForbidden, map[string]any{"error": "This action is unauthorized."})
	case errors.Is(err, store.ErrNotFound):
		a.writeJSON(w, http.StatusNotFound, map[string]any{"error": "Resource not found."})
	case errors.Is(err, errTooLarge):
		a.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "Upload exceeds the size limit."})
	default:
		a.requestLogger(r).Error("request failed", slog.Any("error", err))
		a.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal server error."})
	}
}
