package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/internal/broadcast"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// SlotService is the slot lifecycle surface. *broadcast.Service satisfies it.
type SlotService interface {
	CreateDraft(ctx context.Context, tenantID uuid.UUID, p broadcast.DraftParams) (*models.Slot, error)
	GetSlot(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error)
	ListSlots(ctx context.Context, filter store.SlotFilter) ([]*models.Slot, int, error)
	DeleteDraft(ctx context.Context, tenantID, slotID uuid.UUID) error
	AssignMembers(ctx context.Context, tenantID, slotID uuid.UUID, memberIDs []uuid.UUID) error
	UnassignMember(ctx context.Context, tenantID, slotID, memberID uuid.UUID) error
	StartBroadcast(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error)
	ResendNextWave(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error)
	Cancel(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error)
	Duplicate(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error)
	ListClaims(ctx context.Context, tenantID, slotID uuid.UUID) ([]*models.Claim, error)
}

var slotStatuses = map[string]bool{
	models.SlotStatusDraft:     true,
	models.SlotStatusOpen:      true,
	models.SlotStatusClaimed:   true,
	models.SlotStatusBooked:    true,
	models.SlotStatusExpired:   true,
	models.SlotStatusCancelled: true,
}

// NewCreateSlotHandler returns an http.HandlerFunc for POST /api/v1/slots.
func NewCreateSlotHandler(svc SlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			StartAt         string      `json:"start_at"`
			DurationMinutes int         `json:"duration_minutes"`
			Notes           string      `json:"notes"`
			MemberIDs       []uuid.UUID `json:"member_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.StartAt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start_at is required", nil)
			return
		}
		startAt, err := time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "start_at must be a valid RFC3339 timestamp", nil)
			return
		}

		slot, err := svc.CreateDraft(r.Context(), tenantID, broadcast.DraftParams{
			StartAt:         startAt,
			DurationMinutes: req.DurationMinutes,
			Notes:           req.Notes,
			MemberIDs:       req.MemberIDs,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, slot)
	}
}

// NewListSlotsHandler returns an http.HandlerFunc for GET /api/v1/slots.
// Query: status, from (RFC3339), page, limit.
func NewListSlotsHandler(svc SlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		filter := store.SlotFilter{TenantID: tenantID, Status: q.Get("status")}
		if filter.Status != "" && !slotStatuses[filter.Status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status", nil)
			return
		}
		if from := q.Get("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "from must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.From = t
		}
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		filter.Page, filter.Limit = store.NormalizePage(page, limit)

		slots, total, err := svc.ListSlots(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if slots == nil {
			slots = []*models.Slot{}
		}
		response.Collection(w, slots, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewGetSlotHandler returns an http.HandlerFunc for GET /api/v1/slots/{slotID}.
func NewGetSlotHandler(svc SlotService) http.HandlerFunc {
	return slotAction(svc.GetSlot, response.JSON)
}

// NewStartBroadcastHandler returns an http.HandlerFunc for POST /api/v1/slots/{slotID}/start.
func NewStartBroadcastHandler(svc SlotService) http.HandlerFunc {
	return slotAction(svc.StartBroadcast, response.JSON)
}

// NewCancelSlotHandler returns an http.HandlerFunc for POST /api/v1/slots/{slotID}/cancel.
func NewCancelSlotHandler(svc SlotService) http.HandlerFunc {
	return slotAction(svc.Cancel, response.JSON)
}

// NewDuplicateSlotHandler returns an http.HandlerFunc for POST /api/v1/slots/{slotID}/duplicate.
func NewDuplicateSlotHandler(svc SlotService) http.HandlerFunc {
	return slotAction(svc.Duplicate, response.Created)
}

// NewResendWaveHandler returns an http.HandlerFunc for POST /api/v1/slots/{slotID}/waves.
// An exhausted waitlist is not an error: the unchanged slot comes back with a warning.
func NewResendWaveHandler(svc SlotService) http.HandlerFunc {
	return withSlot(func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID) {
		slot, err := svc.ResendNextWave(r.Context(), tenantID, slotID)
		if errors.Is(err, store.ErrWaveExhausted) {
			current, getErr := svc.GetSlot(r.Context(), tenantID, slotID)
			if getErr != nil {
				writeError(w, r, getErr)
				return
			}
			response.Warning(w, current, "WAVE_EXHAUSTED")
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, slot)
	})
}

// NewDeleteSlotHandler returns an http.HandlerFunc for DELETE /api/v1/slots/{slotID}.
// Only drafts can be deleted.
func NewDeleteSlotHandler(svc SlotService) http.HandlerFunc {
	return withSlot(func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID) {
		if err := svc.DeleteDraft(r.Context(), tenantID, slotID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	})
}

// NewAssignMembersHandler returns an http.HandlerFunc for POST /api/v1/slots/{slotID}/assignments.
func NewAssignMembersHandler(svc SlotService) http.HandlerFunc {
	return withSlot(func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID) {
		var req struct {
			MemberIDs []uuid.UUID `json:"member_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.MemberIDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "member_ids is required", nil)
			return
		}
		if err := svc.AssignMembers(r.Context(), tenantID, slotID, req.MemberIDs); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	})
}

// NewUnassignMemberHandler returns an http.HandlerFunc for
// DELETE /api/v1/slots/{slotID}/assignments/{memberID}.
func NewUnassignMemberHandler(svc SlotService) http.HandlerFunc {
	return withSlot(func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID) {
		memberID, ok := uuidParam(w, r, "memberID")
		if !ok {
			return
		}
		if err := svc.UnassignMember(r.Context(), tenantID, slotID, memberID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	})
}

// NewListClaimsHandler returns an http.HandlerFunc for GET /api/v1/slots/{slotID}/claims.
func NewListClaimsHandler(svc SlotService) http.HandlerFunc {
	return withSlot(func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID) {
		claims, err := svc.ListClaims(r.Context(), tenantID, slotID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if claims == nil {
			claims = []*models.Claim{}
		}
		response.JSON(w, claims)
	})
}

type slotFunc func(ctx context.Context, tenantID, slotID uuid.UUID) (*models.Slot, error)

// slotAction adapts a single-slot service call into a handler.
func slotAction(fn slotFunc, write func(http.ResponseWriter, any)) http.HandlerFunc {
	return withSlot(func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID) {
		slot, err := fn(r.Context(), tenantID, slotID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		write(w, slot)
	})
}

func withSlot(next func(w http.ResponseWriter, r *http.Request, tenantID, slotID uuid.UUID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		slotID, ok := uuidParam(w, r, "slotID")
		if !ok {
			return
		}
		next(w, r, tenantID, slotID)
	}
}
