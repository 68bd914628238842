package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/handler"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth          *mw.Auth
	RateLimit     *mw.RateLimit
	WebhookSecret string
	Logger        *slog.Logger

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	Slots    handler.SlotService
	Bookings handler.BookingService
	Waitlist handler.WaitlistReader
	Inbound  handler.InboundProcessor
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger(deps.Logger))
	r.Use(mw.Recovery(deps.Logger))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Provider callbacks authenticate by signature, not API key.
	r.Group(func(r chi.Router) {
		r.Use(mw.VerifySignature(deps.WebhookSecret))

		var limiter handler.Limiter
		if deps.RateLimit != nil {
			limiter = deps.RateLimit
		}
		var webhook http.HandlerFunc
		if deps.Inbound != nil {
			webhook = handler.NewWebhookHandler(deps.Inbound, limiter)
		}
		r.Post("/api/v1/webhooks/{channel}", orNotImplemented(webhook))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		if deps.Waitlist != nil {
			r.Get("/api/v1/waitlist", handler.NewListWaitlistHandler(deps.Waitlist))
		}

		if s := deps.Slots; s != nil {
			r.Route("/api/v1/slots", func(r chi.Router) {
				r.Post("/", handler.NewCreateSlotHandler(s))
				r.Get("/", handler.NewListSlotsHandler(s))

				r.Route("/{slotID}", func(r chi.Router) {
					r.Get("/", handler.NewGetSlotHandler(s))
					r.Delete("/", handler.NewDeleteSlotHandler(s))
					r.Post("/assignments", handler.NewAssignMembersHandler(s))
					r.Delete("/assignments/{memberID}", handler.NewUnassignMemberHandler(s))
					r.Post("/start", handler.NewStartBroadcastHandler(s))
					r.Post("/cancel", handler.NewCancelSlotHandler(s))
					r.Post("/duplicate", handler.NewDuplicateSlotHandler(s))
					r.Post("/waves", handler.NewResendWaveHandler(s))
					r.Get("/claims", handler.NewListClaimsHandler(s))
				})
			})
		}

		// Finalizing a booking is the human approval step.
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeApprove))

			var confirm, reject http.HandlerFunc
			if deps.Bookings != nil {
				confirm = handler.NewConfirmClaimHandler(deps.Bookings)
				reject = handler.NewRejectClaimHandler(deps.Bookings)
			}
			r.Post("/api/v1/claims/{claimID}/confirm", orNotImplemented(confirm))
			r.Post("/api/v1/claims/{claimID}/reject", orNotImplemented(reject))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
