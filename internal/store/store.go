package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Lifecycle errors. ErrEmptyAudience and ErrWaveExhausted are warnings: the caller
// surfaces them but nothing retries automatically.
var (
	ErrInvalidState  = errors.New("operation not allowed in current state")
	ErrEmptyAudience = errors.New("slot has no active assigned members")
	ErrWaveExhausted = errors.New("no remaining waitlist members to notify")
)

// MaxDeliveryAttempts bounds how many times one outbound message is handed to a transport.
const MaxDeliveryAttempts = 3

// MessageLeaseTimeout is how long an outbound message may sit in queued before the retry
// sweep treats it as abandoned (a crashed send or a lost status write) and leases it again.
const MessageLeaseTimeout = 5 * time.Minute

// Store is the data access interface. All database operations go through here.
// Every method that mutates slot or claim state does so with conditional updates
// evaluated at commit time; callers never need to hold locks of their own.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	CreateMember(ctx context.Context, m *models.WaitlistMember) error
	GetMember(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.WaitlistMember, error)
	ListWaitlist(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*models.WaitlistMember, error)
	FindMembersByAddress(ctx context.Context, channel, address string) ([]*models.WaitlistMember, error)

	CreateSlot(ctx context.Context, slot *models.Slot, memberIDs []uuid.UUID) error
	GetSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Slot, error)
	ListSlots(ctx context.Context, filter SlotFilter) ([]*models.Slot, int, error)
	DeleteDraftSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	AssignMembers(ctx context.Context, tenantID, slotID uuid.UUID, memberIDs []uuid.UUID, now time.Time) error
	UnassignMember(ctx context.Context, tenantID, slotID, memberID uuid.UUID, now time.Time) error
	ListAssignments(ctx context.Context, tenantID, slotID uuid.UUID) ([]*models.Assignment, error)

	// OpenSlot moves a draft to open as wave 1 and creates one pending claim per
	// active assigned member.
	OpenSlot(ctx context.Context, tenantID, slotID uuid.UUID, now time.Time) (*models.Slot, []models.Invitation, error)
	// OpenNextWave adds up to waveSize never-notified members to an open slot.
	OpenNextWave(ctx context.Context, tenantID, slotID uuid.UUID, waveSize int, now time.Time) (*models.Slot, []models.Invitation, error)
	// AttemptClaim is the arbitration point: it reports whether this claim won the slot.
	AttemptClaim(ctx context.Context, attempt ClaimAttempt) (bool, error)
	CancelSlot(ctx context.Context, tenantID, slotID uuid.UUID, now time.Time) (*models.Slot, error)
	ExpireOpenSlots(ctx context.Context, now time.Time) ([]*models.Slot, error)
	BookSlot(ctx context.Context, tenantID, claimID uuid.UUID, now time.Time) (*models.Slot, *models.Claim, error)
	RejectClaim(ctx context.Context, tenantID, claimID uuid.UUID, now time.Time) (*models.Slot, *models.Claim, error)

	GetClaim(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Claim, error)
	ListClaims(ctx context.Context, tenantID, slotID uuid.UUID) ([]*models.Claim, error)
	LatestActiveClaim(ctx context.Context, tenantID, memberID uuid.UUID) (*models.Claim, error)

	// CreateMessage inserts m unless its idempotency key already exists for the tenant.
	// It returns the stored row and whether this call created it.
	CreateMessage(ctx context.Context, m *models.Message) (*models.Message, bool, error)
	GetMessageByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*models.Message, error)
	MarkMessageSent(ctx context.Context, id uuid.UUID, externalID string, now time.Time) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	// DeferMessage marks a message failed without counting an attempt. It is for sends
	// that never reached the transport.
	DeferMessage(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	// ClaimRetryableMessages leases up to limit outbound messages with attempts below
	// MaxDeliveryAttempts, oldest first, by flipping them back to queued. Failed rows are
	// leasable at once; queued rows only once untouched for MessageLeaseTimeout.
	ClaimRetryableMessages(ctx context.Context, limit int, now time.Time) ([]*models.Message, error)
}

type SlotFilter struct {
	TenantID uuid.UUID
	Status   string
	From     time.Time
	Page     int
	Limit    int
}

// ClaimAttempt is the input to the arbitration transition.
type ClaimAttempt struct {
	TenantID uuid.UUID
	SlotID   uuid.UUID
	ClaimID  uuid.UUID
	Response string
	Now      time.Time
}

// NormalizePage clamps pagination the same way for every backend.
func NormalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return page, limit
}
