package http

import (
	"encoding/json"
	"net/http"

	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps a domain error kind to its HTTP status.
func StatusFor(kind error) int {
	switch kind {
	case domain.ErrInvalidInput, domain.ErrInvalidSchedule, domain.ErrInvalidAmount:
		return http.StatusBadRequest
	case domain.ErrInvalidPricingInput, domain.ErrRefundAmountMismatch, domain.ErrServiceUnavailable:
		return http.StatusUnprocessableEntity
	case domain.ErrInsufficientBalance:
		return http.StatusPaymentRequired
	case domain.ErrForbiddenActor:
		return http.StatusForbidden
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrInvalidBookingState, domain.ErrInvalidEscrowState, domain.ErrEscrowConflict,
		domain.ErrBookingExpired, domain.ErrConflict, domain.ErrSerializationFailure:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

func writeError(w http.ResponseWriter, r *http.Request, fallback observability.Logger, err error) {
	kind := domain.Kind(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		observability.LoggerFrom(r.Context(), fallback).WithError(err).Error("request failed")
		writeJSON(w, status, errorBody{Error: "internal", Message: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: kind.Error(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
