package handler

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/slotcast/internal/api/middleware"
	"github.com/kiranshivaraju/slotcast/internal/api/response"
	"github.com/kiranshivaraju/slotcast/internal/cache"
	"github.com/kiranshivaraju/slotcast/internal/inbound"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// InboundProcessor handles one provider reply. *inbound.Processor satisfies it.
type InboundProcessor interface {
	ProcessInbound(ctx context.Context, r inbound.Reply) (*inbound.Result, error)
}

// Limiter counts hits per key. *middleware.RateLimit satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (int, bool)
}

// NewWebhookHandler returns an http.HandlerFunc for POST /api/v1/webhooks/{channel}.
// It accepts either JSON {from, body, external_id} or the form fields From, Body and
// MessageSid that SMS/WhatsApp gateways post. Replies are rate limited per sender.
func NewWebhookHandler(p InboundProcessor, rl Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := chi.URLParam(r, "channel")
		if !models.ValidChannel(channel) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown channel", nil)
			return
		}

		reply, err := decodeReply(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid webhook payload", nil)
			return
		}
		reply.Channel = channel

		if rl != nil {
			sender, err := inbound.NormalizeAddress(channel, reply.From)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if _, ok := rl.Allow(r.Context(), cache.WebhookRateLimitKey(channel, sender)); !ok {
				mw.TooManyRequests(w)
				return
			}
		}

		res, err := p.ProcessInbound(r.Context(), reply)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, res)
	}
}

func decodeReply(r *http.Request) (inbound.Reply, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return inbound.Reply{}, err
		}
		return inbound.Reply{
			From:       r.PostForm.Get("From"),
			RawBody:    r.PostForm.Get("Body"),
			ExternalID: r.PostForm.Get("MessageSid"),
		}, nil
	}

	var req struct {
		From       string `json:"from"`
		Body       string `json:"body"`
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return inbound.Reply{}, err
	}
	return inbound.Reply{
		From:       strings.TrimSpace(req.From),
		RawBody:    req.Body,
		ExternalID: req.ExternalID,
	}, nil
}
