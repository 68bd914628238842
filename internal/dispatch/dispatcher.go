// Package dispatch renders, records and delivers outbound messages. Every message is
// written to the delivery ledger under an idempotency key before any transport call,
// so a repeated Enqueue for the same key never sends twice.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/cache"
	"github.com/kiranshivaraju/slotcast/internal/metrics"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// ErrDeliveryFailed is returned when the transport did not accept a message.
// The message is recorded as failed and left for the retry sweep.
var ErrDeliveryFailed = errors.New("message delivery failed")

// Tenant settings are edited outside this service, so template and timezone changes
// reach outbound messages within tenantCacheTTL.
const tenantCacheTTL = 5 * time.Minute

// Store is the subset of store.Store the dispatcher needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, bool, error)
	MarkMessageSent(ctx context.Context, id uuid.UUID, externalID string, now time.Time) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	DeferMessage(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	ClaimRetryableMessages(ctx context.Context, limit int, now time.Time) ([]*models.Message, error)
}

// Request describes one outbound message before rendering.
type Request struct {
	TenantID       uuid.UUID
	SlotID         *uuid.UUID
	ClaimID        *uuid.UUID
	MemberID       *uuid.UUID
	Channel        string
	Address        string
	TemplateKey    string
	Vars           Vars
	IdempotencyKey string
}

// RetryStats summarizes one RetryFailed pass.
type RetryStats struct {
	Leased int
	Sent   int
	Failed int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCache caches tenant settings between sends.
func WithCache(c cache.Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	store     Store
	transport Transport
	cache     cache.Cache
	metrics   metrics.Recorder
	log       *slog.Logger
	now       func() time.Time
}

func New(s Store, t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     s,
		transport: t,
		metrics:   metrics.Nop{},
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue renders and records the message, then hands it to the transport.
// If the idempotency key was already used the existing row is returned untouched.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (*models.Message, error) {
	if !models.ValidChannel(req.Channel) {
		return nil, fmt.Errorf("enqueue: unsupported channel %q", req.Channel)
	}
	if req.Address == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("enqueue: address and idempotency key are required")
	}

	tenant, err := d.tenant(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	now := d.now()
	msg := &models.Message{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		SlotID:         req.SlotID,
		ClaimID:        req.ClaimID,
		MemberID:       req.MemberID,
		Channel:        req.Channel,
		Address:        req.Address,
		Direction:      models.DirectionOutbound,
		Status:         models.MessageStatusQueued,
		TemplateKey:    req.TemplateKey,
		Body:           Render(tenant, req.TemplateKey, req.Vars),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := d.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if !created {
		d.log.Debug("message already recorded", "idempotency_key", req.IdempotencyKey, "status", stored.Status)
		d.metrics.MessageDelivery(stored.Channel, "duplicate", 0)
		return stored, nil
	}

	return d.deliver(ctx, stored)
}

// RetryFailed re-sends up to limit failed messages, oldest first. Messages stuck in
// queued for longer than store.MessageLeaseTimeout are picked up as well.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (RetryStats, error) {
	msgs, err := d.store.ClaimRetryableMessages(ctx, limit, d.now())
	if err != nil {
		return RetryStats{}, fmt.Errorf("retry failed messages: %w", err)
	}

	stats := RetryStats{Leased: len(msgs)}
	for _, m := range msgs {
		if ctx.Err() != nil {
			// Leased rows stay queued; hand them back without spending an attempt.
			_ = d.store.DeferMessage(context.WithoutCancel(ctx), m.ID, ctx.Err().Error(), d.now())
			stats.Failed++
			continue
		}
		if _, err := d.deliver(ctx, m); err != nil {
			stats.Failed++
			continue
		}
		stats.Sent++
	}
	return stats, nil
}

func (d *Dispatcher) deliver(ctx context.Context, m *models.Message) (*models.Message, error) {
	// Status writes must land even when the caller has gone away, or the row stays queued.
	writeCtx := context.WithoutCancel(ctx)

	start := time.Now()
	var (
		res     SendResult
		sendErr error
	)
	if err := ctx.Err(); err != nil {
		sendErr = fmt.Errorf("%w: %v", ErrNotAttempted, err)
	} else {
		res, sendErr = d.transport.Send(ctx, m.Channel, m.Address, m.Body)
	}
	latency := time.Since(start)
	now := d.now()

	if errors.Is(sendErr, ErrNotAttempted) {
		errMsg := sendErr.Error()
		if err := d.store.DeferMessage(writeCtx, m.ID, errMsg, now); err != nil {
			d.log.Error("failed to record deferred delivery", "message_id", m.ID, "error", err)
		}
		m.Status = models.MessageStatusFailed
		m.LastError = &errMsg
		m.UpdatedAt = now
		d.metrics.MessageDelivery(m.Channel, "deferred", 0)
		d.log.Warn("message delivery deferred",
			"message_id", m.ID, "tenant_id", m.TenantID, "channel", m.Channel, "error", sendErr)
		return m, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}

	if sendErr != nil {
		errMsg := sendErr.Error()
		if err := d.store.MarkMessageFailed(writeCtx, m.ID, errMsg, now); err != nil {
			d.log.Error("failed to record delivery failure", "message_id", m.ID, "error", err)
		}
		m.Status = models.MessageStatusFailed
		m.Attempts++
		m.LastError = &errMsg
		m.UpdatedAt = now
		d.metrics.MessageDelivery(m.Channel, models.MessageStatusFailed, latency)
		d.log.Warn("message delivery failed",
			"message_id", m.ID, "tenant_id", m.TenantID, "channel", m.Channel,
			"attempts", m.Attempts, "error", sendErr)
		return m, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}

	if err := d.store.MarkMessageSent(writeCtx, m.ID, res.ExternalID, now); err != nil {
		return m, fmt.Errorf("record delivery: %w", err)
	}
	ext := res.ExternalID
	m.Status = models.MessageStatusSent
	m.Attempts++
	m.ExternalMessageID = &ext
	m.LastError = nil
	m.UpdatedAt = now
	d.metrics.MessageDelivery(m.Channel, models.MessageStatusSent, latency)
	d.log.Info("message sent",
		"message_id", m.ID, "tenant_id", m.TenantID, "channel", m.Channel, "template", m.TemplateKey)
	return m, nil
}

// tenant loads tenant settings, going through the cache when one is configured.
// Cache failures fall through to the store.
func (d *Dispatcher) tenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	if d.cache == nil {
		return d.store.GetTenant(ctx, id)
	}

	key := cache.TenantKey(id)
	if raw, found, err := d.cache.Get(ctx, key); err == nil && found {
		var t models.Tenant
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, nil
		}
	}

	t, err := d.store.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(t); err == nil {
		if err := d.cache.Set(ctx, key, raw, tenantCacheTTL); err != nil {
			d.log.Debug("tenant cache write failed", "tenant_id", id, "error", err)
		}
	}
	return t, nil
}
