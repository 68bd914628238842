// Package memory provides an in-process Store used by service and handler tests.
// Every operation runs under one mutex, which gives the same all-or-nothing
// semantics the Postgres store gets from transactions.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/slotcast/internal/store"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

var _ store.Store = (*Store)(nil)

// Store is a thread-safe in-memory implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	tenants     map[uuid.UUID]models.Tenant
	keys        map[uuid.UUID]models.APIKey
	members     map[uuid.UUID]models.WaitlistMember
	slots       map[uuid.UUID]models.Slot
	assignments []models.Assignment
	claims      map[uuid.UUID]models.Claim
	messages    []models.Message

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants: make(map[uuid.UUID]models.Tenant),
		keys:    make(map[uuid.UUID]models.APIKey),
		members: make(map[uuid.UUID]models.WaitlistMember),
		slots:   make(map[uuid.UUID]models.Slot),
		claims:  make(map[uuid.UUID]models.Claim),
	}
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

func (s *Store) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *Store) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.keys[key.ID] = *key
	return nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, &k)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	s.keys[id] = k
	return nil
}

func (s *Store) CreateMember(_ context.Context, m *models.WaitlistMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, existing := range s.members {
		if existing.TenantID == m.TenantID && existing.Channel == m.Channel && existing.Address == m.Address {
			return store.ErrDuplicateKey
		}
	}
	s.members[m.ID] = *m
	return nil
}

func (s *Store) GetMember(_ context.Context, id, tenantID uuid.UUID) (*models.WaitlistMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok || m.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) ListWaitlist(_ context.Context, tenantID uuid.UUID, activeOnly bool) ([]*models.WaitlistMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waveOrder(func(m models.WaitlistMember) bool {
		return m.TenantID == tenantID && (m.Active || !activeOnly)
	}), nil
}

func (s *Store) FindMembersByAddress(_ context.Context, channel, address string) ([]*models.WaitlistMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WaitlistMember
	for _, m := range s.members {
		if m.Channel == channel && m.Address == address {
			out = append(out, &m)
		}
	}
	slices.SortFunc(out, func(a, b *models.WaitlistMember) int {
		switch {
		case a.LastNotifiedAt == nil && b.LastNotifiedAt == nil:
			return a.CreatedAt.Compare(b.CreatedAt)
		case a.LastNotifiedAt == nil:
			return 1
		case b.LastNotifiedAt == nil:
			return -1
		}
		return b.LastNotifiedAt.Compare(*a.LastNotifiedAt)
	})
	return out, nil
}

func (s *Store) CreateSlot(_ context.Context, slot *models.Slot, memberIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slot.ID]; ok {
		return store.ErrDuplicateKey
	}
	if err := s.checkMembers(slot.TenantID, memberIDs); err != nil {
		return err
	}
	s.slots[slot.ID] = *slot
	s.assign(slot.TenantID, slot.ID, memberIDs, slot.CreatedAt)
	return nil
}

func (s *Store) GetSlot(_ context.Context, id, tenantID uuid.UUID) (*models.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok || sl.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &sl, nil
}

func (s *Store) ListSlots(_ context.Context, filter store.SlotFilter) ([]*models.Slot, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Slot
	for _, sl := range s.slots {
		if sl.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && sl.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && sl.StartAt.Before(filter.From) {
			continue
		}
		matched = append(matched, &sl)
	}
	slices.SortFunc(matched, func(a, b *models.Slot) int {
		if c := a.StartAt.Compare(b.StartAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})

	page, limit := store.NormalizePage(filter.Page, filter.Limit)
	total := len(matched)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return matched[start:end], total, nil
}

func (s *Store) DeleteDraftSlot(_ context.Context, id, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(id, tenantID)
	if err != nil {
		return err
	}
	if sl.Status != models.SlotStatusDraft {
		return fmt.Errorf("%w: cannot delete %s slot", store.ErrInvalidState, sl.Status)
	}
	delete(s.slots, id)
	s.assignments = slices.DeleteFunc(s.assignments, func(a models.Assignment) bool { return a.SlotID == id })
	for i := range s.messages {
		if s.messages[i].SlotID != nil && *s.messages[i].SlotID == id {
			s.messages[i].SlotID = nil
		}
	}
	return nil
}

func (s *Store) AssignMembers(_ context.Context, tenantID, slotID uuid.UUID, memberIDs []uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(slotID, tenantID)
	if err != nil {
		return err
	}
	if sl.Status != models.SlotStatusDraft {
		return fmt.Errorf("%w: cannot assign members to %s slot", store.ErrInvalidState, sl.Status)
	}
	if err := s.checkMembers(tenantID, memberIDs); err != nil {
		return err
	}
	s.assign(tenantID, slotID, memberIDs, now)
	return nil
}

func (s *Store) UnassignMember(_ context.Context, tenantID, slotID, memberID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(slotID, tenantID)
	if err != nil {
		return err
	}
	if sl.Status != models.SlotStatusDraft {
		return fmt.Errorf("%w: cannot unassign members from %s slot", store.ErrInvalidState, sl.Status)
	}
	for i, a := range s.assignments {
		if a.SlotID == slotID && a.MemberID == memberID && a.RemovedAt == nil {
			removed := now
			s.assignments[i].RemovedAt = &removed
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListAssignments(_ context.Context, tenantID, slotID uuid.UUID) ([]*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Assignment
	for _, a := range s.assignments {
		if a.TenantID == tenantID && a.SlotID == slotID && a.RemovedAt == nil {
			out = append(out, &a)
		}
	}
	return out, nil
}

func (s *Store) OpenSlot(_ context.Context, tenantID, slotID uuid.UUID, now time.Time) (*models.Slot, []models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(slotID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if sl.Status != models.SlotStatusDraft {
		return nil, nil, fmt.Errorf("%w: cannot start %s slot", store.ErrInvalidState, sl.Status)
	}

	assigned := make(map[uuid.UUID]bool)
	for _, a := range s.assignments {
		if a.SlotID == slotID && a.RemovedAt == nil {
			assigned[a.MemberID] = true
		}
	}
	audience := s.waveOrder(func(m models.WaitlistMember) bool {
		return m.TenantID == tenantID && m.Active && assigned[m.ID]
	})
	if len(audience) == 0 {
		return nil, nil, store.ErrEmptyAudience
	}

	expires := now.Add(sl.ClaimWindow())
	sl.Status = models.SlotStatusOpen
	sl.WaveNumber = 1
	sl.ExpiresAt = &expires
	sl.UpdatedAt = now
	s.slots[slotID] = sl

	return &sl, s.insertWave(sl, audience, now), nil
}

func (s *Store) OpenNextWave(_ context.Context, tenantID, slotID uuid.UUID, waveSize int, now time.Time) (*models.Slot, []models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(slotID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if sl.Status != models.SlotStatusOpen {
		return nil, nil, fmt.Errorf("%w: cannot resend %s slot", store.ErrInvalidState, sl.Status)
	}

	notified := make(map[uuid.UUID]bool)
	for _, c := range s.claims {
		if c.SlotID == slotID {
			notified[c.MemberID] = true
		}
	}
	candidates := s.waveOrder(func(m models.WaitlistMember) bool {
		return m.TenantID == tenantID && m.Active && !notified[m.ID]
	})
	if len(candidates) == 0 {
		return nil, nil, store.ErrWaveExhausted
	}
	if len(candidates) > waveSize {
		candidates = candidates[:waveSize]
	}

	expires := now.Add(sl.ClaimWindow())
	sl.WaveNumber++
	sl.ExpiresAt = &expires
	sl.UpdatedAt = now
	s.slots[slotID] = sl

	return &sl, s.insertWave(sl, candidates, now), nil
}

func (s *Store) AttemptClaim(_ context.Context, a store.ClaimAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(a.SlotID, a.TenantID)
	if err != nil {
		return false, err
	}
	c, ok := s.claims[a.ClaimID]
	if !ok || c.SlotID != a.SlotID || c.TenantID != a.TenantID {
		return false, store.ErrNotFound
	}

	body := a.Response
	now := a.Now
	if sl.AcceptingReplies(a.Now) && c.Status == models.ClaimStatusPending {
		sl.Status = models.SlotStatusClaimed
		sl.UpdatedAt = a.Now
		s.slots[sl.ID] = sl

		c.Status = models.ClaimStatusWon
		c.ResponseBody = &body
		c.ResponseReceivedAt = &now
		c.UpdatedAt = a.Now
		s.claims[c.ID] = c

		for id, other := range s.claims {
			if other.SlotID == sl.ID && other.Status == models.ClaimStatusPending {
				other.Status = models.ClaimStatusLost
				other.UpdatedAt = a.Now
				s.claims[id] = other
			}
		}
		return true, nil
	}

	if (sl.Status == models.SlotStatusClaimed || sl.Status == models.SlotStatusBooked) &&
		(c.Status == models.ClaimStatusPending || c.Status == models.ClaimStatusLost) {
		c.Status = models.ClaimStatusLost
		c.ResponseBody = &body
		c.ResponseReceivedAt = &now
		c.UpdatedAt = a.Now
		s.claims[c.ID] = c
	}
	return false, nil
}

func (s *Store) CancelSlot(_ context.Context, tenantID, slotID uuid.UUID, now time.Time) (*models.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, err := s.slot(slotID, tenantID)
	if err != nil {
		return nil, err
	}
	switch sl.Status {
	case models.SlotStatusCancelled:
		return &sl, nil
	case models.SlotStatusOpen, models.SlotStatusClaimed:
	default:
		return nil, fmt.Errorf("%w: cannot cancel %s slot", store.ErrInvalidState, sl.Status)
	}
	sl.Status = models.SlotStatusCancelled
	sl.UpdatedAt = now
	s.slots[slotID] = sl
	s.settlePending(slotID, models.ClaimStatusCancelled, now)
	return &sl, nil
}

func (s *Store) ExpireOpenSlots(_ context.Context, now time.Time) ([]*models.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*models.Slot
	for id, sl := range s.slots {
		if sl.Status != models.SlotStatusOpen || sl.ExpiresAt == nil || sl.ExpiresAt.After(now) {
			continue
		}
		sl.Status = models.SlotStatusExpired
		sl.UpdatedAt = now
		s.slots[id] = sl
		s.settlePending(id, models.ClaimStatusExpired, now)
		expired = append(expired, &sl)
	}
	return expired, nil
}

func (s *Store) BookSlot(_ context.Context, tenantID, claimID uuid.UUID, now time.Time) (*models.Slot, *models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, sl, err := s.wonClaim(tenantID, claimID)
	if err != nil {
		return nil, nil, err
	}
	sl.Status = models.SlotStatusBooked
	sl.UpdatedAt = now
	s.slots[sl.ID] = sl
	return &sl, &c, nil
}

func (s *Store) RejectClaim(_ context.Context, tenantID, claimID uuid.UUID, now time.Time) (*models.Slot, *models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, sl, err := s.wonClaim(tenantID, claimID)
	if err != nil {
		return nil, nil, err
	}
	expires := now.Add(sl.ClaimWindow())
	sl.Status = models.SlotStatusOpen
	sl.ExpiresAt = &expires
	sl.UpdatedAt = now
	s.slots[sl.ID] = sl

	c.Status = models.ClaimStatusCancelled
	c.UpdatedAt = now
	s.claims[c.ID] = c
	return &sl, &c, nil
}

func (s *Store) GetClaim(_ context.Context, id, tenantID uuid.UUID) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[id]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListClaims(_ context.Context, tenantID, slotID uuid.UUID) ([]*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Claim
	for _, c := range s.claims {
		if c.TenantID == tenantID && c.SlotID == slotID {
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Claim) int {
		if a.WaveNumber != b.WaveNumber {
			return a.WaveNumber - b.WaveNumber
		}
		if c := a.NotifiedAt.Compare(b.NotifiedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) LatestActiveClaim(_ context.Context, tenantID, memberID uuid.UUID) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Claim
	for _, c := range s.claims {
		if c.TenantID != tenantID || c.MemberID != memberID {
			continue
		}
		if c.Status != models.ClaimStatusPending && c.Status != models.ClaimStatusWon {
			continue
		}
		if latest == nil || c.NotifiedAt.After(latest.NotifiedAt) {
			latest = &c
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) CreateMessage(_ context.Context, m *models.Message) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages {
		if existing.TenantID == m.TenantID && existing.IdempotencyKey == m.IdempotencyKey {
			return &existing, false, nil
		}
	}
	s.messages = append(s.messages, *m)
	stored := *m
	return &stored, true, nil
}

func (s *Store) GetMessageByIdempotencyKey(_ context.Context, tenantID uuid.UUID, key string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.IdempotencyKey == key {
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) MarkMessageSent(_ context.Context, id uuid.UUID, externalID string, now time.Time) error {
	return s.updateMessage(id, func(m *models.Message) {
		m.Status = models.MessageStatusSent
		m.ExternalMessageID = &externalID
		m.LastError = nil
		m.Attempts++
		m.UpdatedAt = now
	})
}

func (s *Store) MarkMessageFailed(_ context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return s.updateMessage(id, func(m *models.Message) {
		m.Status = models.MessageStatusFailed
		m.LastError = &errMsg
		m.Attempts++
		m.UpdatedAt = now
	})
}

func (s *Store) DeferMessage(_ context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	return s.updateMessage(id, func(m *models.Message) {
		m.Status = models.MessageStatusFailed
		m.LastError = &errMsg
		m.UpdatedAt = now
	})
}

func (s *Store) ClaimRetryableMessages(_ context.Context, limit int, now time.Time) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for i := range s.messages {
		if len(out) >= limit {
			break
		}
		m := &s.messages[i]
		if m.Direction != models.DirectionOutbound {
			continue
		}
		stale := m.Status == models.MessageStatusQueued && !m.UpdatedAt.After(now.Add(-store.MessageLeaseTimeout))
		if m.Status != models.MessageStatusFailed && !stale {
			continue
		}
		if m.Attempts >= store.MaxDeliveryAttempts {
			continue
		}
		m.Status = models.MessageStatusQueued
		m.UpdatedAt = now
		leased := *m
		out = append(out, &leased)
	}
	slices.SortStableFunc(out, func(a, b *models.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Messages returns a snapshot of the delivery ledger in insertion order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// --- helpers (callers hold mu) ---

func (s *Store) slot(id, tenantID uuid.UUID) (models.Slot, error) {
	sl, ok := s.slots[id]
	if !ok || sl.TenantID != tenantID {
		return models.Slot{}, store.ErrNotFound
	}
	return sl, nil
}

func (s *Store) wonClaim(tenantID, claimID uuid.UUID) (models.Claim, models.Slot, error) {
	c, ok := s.claims[claimID]
	if !ok || c.TenantID != tenantID {
		return models.Claim{}, models.Slot{}, store.ErrNotFound
	}
	if c.Status != models.ClaimStatusWon {
		return models.Claim{}, models.Slot{}, fmt.Errorf("%w: claim is %s", store.ErrInvalidState, c.Status)
	}
	sl, err := s.slot(c.SlotID, tenantID)
	if err != nil {
		return models.Claim{}, models.Slot{}, err
	}
	if sl.Status != models.SlotStatusClaimed {
		return models.Claim{}, models.Slot{}, fmt.Errorf("%w: slot is not awaiting confirmation", store.ErrInvalidState)
	}
	return c, sl, nil
}

func (s *Store) checkMembers(tenantID uuid.UUID, ids []uuid.UUID) error {
	for _, id := range ids {
		m, ok := s.members[id]
		if !ok || m.TenantID != tenantID {
			return fmt.Errorf("member %s: %w", id, store.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) assign(tenantID, slotID uuid.UUID, ids []uuid.UUID, now time.Time) {
	for _, id := range ids {
		if slices.ContainsFunc(s.assignments, func(a models.Assignment) bool {
			return a.SlotID == slotID && a.MemberID == id && a.RemovedAt == nil
		}) {
			continue
		}
		s.assignments = append(s.assignments, models.Assignment{
			ID: uuid.New(), TenantID: tenantID, SlotID: slotID, MemberID: id, AssignedAt: now,
		})
	}
}

func (s *Store) settlePending(slotID uuid.UUID, status string, now time.Time) {
	for id, c := range s.claims {
		if c.SlotID == slotID && c.Status == models.ClaimStatusPending {
			c.Status = status
			c.UpdatedAt = now
			s.claims[id] = c
		}
	}
}

func (s *Store) insertWave(sl models.Slot, members []*models.WaitlistMember, now time.Time) []models.Invitation {
	invites := make([]models.Invitation, 0, len(members))
	for _, m := range members {
		c := models.Claim{
			ID: uuid.New(), TenantID: sl.TenantID, SlotID: sl.ID, MemberID: m.ID,
			Status: models.ClaimStatusPending, WaveNumber: sl.WaveNumber,
			NotifiedAt: now, CreatedAt: now, UpdatedAt: now,
		}
		s.claims[c.ID] = c

		notified := now
		stored := s.members[m.ID]
		stored.LastNotifiedAt = &notified
		stored.UpdatedAt = now
		s.members[m.ID] = stored

		member := stored
		invites = append(invites, models.Invitation{Claim: &c, Member: &member})
	}
	return invites
}

func (s *Store) waveOrder(keep func(models.WaitlistMember) bool) []*models.WaitlistMember {
	var out []*models.WaitlistMember
	for _, m := range s.members {
		if keep(m) {
			out = append(out, &m)
		}
	}
	slices.SortFunc(out, func(a, b *models.WaitlistMember) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out
}

func (s *Store) updateMessage(id uuid.UUID, fn func(*models.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			return nil
		}
	}
	return store.ErrNotFound
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}
