package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// BookingService finalizes won claims. *broadcast.Service satisfies it.
type BookingService interface {
	ConfirmBooking(ctx context.Context, tenantID, claimID uuid.UUID) (*models.Slot, error)
	RejectBooking(ctx context.Context, tenantID, claimID uuid.UUID) (*models.Slot, error)
}

// NewConfirmClaimHandler returns an http.HandlerFunc for POST /api/v1/claims/{claimID}/confirm.
func NewConfirmClaimHandler(svc BookingService) http.HandlerFunc {
	return claimAction(svc.ConfirmBooking)
}

// NewRejectClaimHandler returns an http.HandlerFunc for POST /api/v1/claims/{claimID}/reject.
func NewRejectClaimHandler(svc BookingService) http.HandlerFunc {
	return claimAction(svc.RejectBooking)
}

func claimAction(fn func(ctx context.Context, tenantID, claimID uuid.UUID) (*models.Slot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		claimID, ok := uuidParam(w, r, "claimID")
		if !ok {
			return
		}
		slot, err := fn(r.Context(), tenantID, claimID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, slot)
	}
}
