// Package handler holds the HTTP handlers for the slotcast API.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/internal/broadcast"
	"github.com/kiranshivaraju/slotcast/internal/inbound"
	"github.com/kiranshivaraju/slotcast/internal/store"
)

// writeError maps service errors onto the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "CONFLICT", "Resource already exists", nil)
	case errors.Is(err, store.ErrEmptyAudience):
		response.Error(w, http.StatusUnprocessableEntity, "EMPTY_AUDIENCE",
			"No active members are assigned to this slot", nil)
	case errors.Is(err, broadcast.ErrInvalidDraft):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, inbound.ErrMalformedInbound):
		response.Error(w, http.StatusBadRequest, "MALFORMED_INBOUND", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// uuidParam parses a chi URL parameter, writing a 400 when it is not a UUID.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
