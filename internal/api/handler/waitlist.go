package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

type WaitlistReader interface {
	ListWaitlist(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*models.WaitlistMember, error)
}

// NewListWaitlistHandler returns an http.HandlerFunc for GET /api/v1/waitlist.
// Inactive members are included with ?all=true.
func NewListWaitlistHandler(wl WaitlistReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		members, err := wl.ListWaitlist(r.Context(), tenantID, r.URL.Query().Get("all") != "true")
		if err != nil {
			writeError(w, r, err)
			return
		}
		if members == nil {
			members = []*models.WaitlistMember{}
		}
		response.JSON(w, members)
	}
}
