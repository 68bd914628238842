package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	tenantColumns = `id, name, timezone, wave_size, claim_window_minutes,
		template_invite, template_confirm, template_taken, created_at, updated_at`
	memberColumns = `m.id, m.tenant_id, m.full_name, m.channel, m.address, m.priority, m.active,
		m.last_notified_at, m.created_at, m.updated_at`
	slotColumns = `id, tenant_id, start_at, duration_minutes, status, wave_number,
		claim_window_minutes, expires_at, notes, created_at, updated_at`
	claimColumns = `id, tenant_id, slot_id, member_id, status, wave_number, notified_at,
		response_received_at, response_body, created_at, updated_at`
	messageColumns = `id, tenant_id, slot_id, claim_id, member_id, channel, address, direction, status,
		template_key, body, attempts, last_error, idempotency_key, external_message_id, created_at, updated_at`
)

func scanTenant(row scanner) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Timezone, &t.WaveSize, &t.ClaimWindowMinutes,
		&t.TemplateInvite, &t.TemplateConfirm, &t.TemplateTaken, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func scanMember(row scanner) (*models.WaitlistMember, error) {
	var m models.WaitlistMember
	err := row.Scan(&m.ID, &m.TenantID, &m.FullName, &m.Channel, &m.Address, &m.Priority, &m.Active,
		&m.LastNotifiedAt, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func scanSlot(row scanner) (*models.Slot, error) {
	var sl models.Slot
	err := row.Scan(&sl.ID, &sl.TenantID, &sl.StartAt, &sl.DurationMinutes, &sl.Status, &sl.WaveNumber,
		&sl.ClaimWindowMinutes, &sl.ExpiresAt, &sl.Notes, &sl.CreatedAt, &sl.UpdatedAt)
	return &sl, err
}

func scanClaim(row scanner) (*models.Claim, error) {
	var c models.Claim
	err := row.Scan(&c.ID, &c.TenantID, &c.SlotID, &c.MemberID, &c.Status, &c.WaveNumber, &c.NotifiedAt,
		&c.ResponseReceivedAt, &c.ResponseBody, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.TenantID, &m.SlotID, &m.ClaimID, &m.MemberID, &m.Channel, &m.Address,
		&m.Direction, &m.Status, &m.TemplateKey, &m.Body, &m.Attempts, &m.LastError, &m.IdempotencyKey,
		&m.ExternalMessageID, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func collect[T any](rows pgx.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (`+tenantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Timezone, t.WaveSize, t.ClaimWindowMinutes,
		t.TemplateInvite, t.TemplateConfirm, t.TemplateTaken, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// --- API Keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// --- Waitlist ---

func (s *PostgresStore) CreateMember(ctx context.Context, m *models.WaitlistMember) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO waitlist_members (id, tenant_id, full_name, channel, address, priority, active, last_notified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.TenantID, m.FullName, m.Channel, m.Address, m.Priority, m.Active, m.LastNotifiedAt,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.WaitlistMember, error) {
	m, err := scanMember(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM waitlist_members m WHERE m.id = $1 AND m.tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// ListWaitlist returns members in wave order: priority desc, then join time asc.
func (s *PostgresStore) ListWaitlist(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*models.WaitlistMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM waitlist_members m
		 WHERE m.tenant_id = $1 AND (m.active OR NOT $2)
		 ORDER BY m.priority DESC, m.created_at ASC, m.id ASC`, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list waitlist: %w", err)
	}
	members, err := collect(rows, scanMember)
	if err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return members, nil
}

// FindMembersByAddress matches across tenants; the most recently notified member comes first.
func (s *PostgresStore) FindMembersByAddress(ctx context.Context, channel, address string) ([]*models.WaitlistMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM waitlist_members m
		 WHERE m.channel = $1 AND m.address = $2
		 ORDER BY m.last_notified_at DESC NULLS LAST, m.created_at ASC`, channel, address)
	if err != nil {
		return nil, fmt.Errorf("find members by address: %w", err)
	}
	members, err := collect(rows, scanMember)
	if err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return members, nil
}

// --- Slots ---

func (s *PostgresStore) CreateSlot(ctx context.Context, slot *models.Slot, memberIDs []uuid.UUID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO slots (`+slotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			slot.ID, slot.TenantID, slot.StartAt, slot.DurationMinutes, slot.Status, slot.WaveNumber,
			slot.ClaimWindowMinutes, slot.ExpiresAt, slot.Notes, slot.CreatedAt, slot.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create slot: %w", err)
		}
		return assignTx(ctx, tx, slot.TenantID, slot.ID, memberIDs, slot.CreatedAt)
	})
}

func (s *PostgresStore) GetSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Slot, error) {
	sl, err := scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return sl, nil
}

func (s *PostgresStore) ListSlots(ctx context.Context, filter SlotFilter) ([]*models.Slot, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("start_at >= $%d", argIdx))
		args = append(args, filter.From)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM slots WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count slots: %w", err)
	}

	page, limit := NormalizePage(filter.Page, filter.Limit)
	offset := (page - 1) * limit

	query := fmt.Sprintf(`SELECT %s FROM slots WHERE %s ORDER BY start_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		slotColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list slots: %w", err)
	}
	slots, err := collect(rows, scanSlot)
	if err != nil {
		return nil, 0, fmt.Errorf("scan slot: %w", err)
	}
	return slots, total, nil
}

func (s *PostgresStore) DeleteDraftSlot(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM slots WHERE id = $1 AND tenant_id = $2 AND status = 'draft'`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	sl, err := s.GetSlot(ctx, id, tenantID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot delete %s slot", ErrInvalidState, sl.Status)
}

func (s *PostgresStore) AssignMembers(ctx context.Context, tenantID, slotID uuid.UUID, memberIDs []uuid.UUID, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sl, err := lockSlot(ctx, tx, slotID, tenantID)
		if err != nil {
			return err
		}
		if sl.Status != models.SlotStatusDraft {
			return fmt.Errorf("%w: cannot assign members to %s slot", ErrInvalidState, sl.Status)
		}
		return assignTx(ctx, tx, tenantID, slotID, memberIDs, now)
	})
}

func (s *PostgresStore) UnassignMember(ctx context.Context, tenantID, slotID, memberID uuid.UUID, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sl, err := lockSlot(ctx, tx, slotID, tenantID)
		if err != nil {
			return err
		}
		if sl.Status != models.SlotStatusDraft {
			return fmt.Errorf("%w: cannot unassign members from %s slot", ErrInvalidState, sl.Status)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE slot_assignments SET removed_at = $4
			 WHERE slot_id = $1 AND tenant_id = $2 AND member_id = $3 AND removed_at IS NULL`,
			slotID, tenantID, memberID, now)
		if err != nil {
			return fmt.Errorf("unassign member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) ListAssignments(ctx context.Context, tenantID, slotID uuid.UUID) ([]*models.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, slot_id, member_id, assigned_at, removed_at FROM slot_assignments
		 WHERE tenant_id = $1 AND slot_id = $2 AND removed_at IS NULL ORDER BY assigned_at ASC`, tenantID, slotID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []*models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SlotID, &a.MemberID, &a.AssignedAt, &a.RemovedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- Broadcast lifecycle ---

func (s *PostgresStore) OpenSlot(ctx context.Context, tenantID, slotID uuid.UUID, now time.Time) (*models.Slot, []models.Invitation, error) {
	var (
		opened  *models.Slot
		invites []models.Invitation
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockSlot(ctx, tx, slotID, tenantID)
		if err != nil {
			return err
		}
		if cur.Status != models.SlotStatusDraft {
			return fmt.Errorf("%w: cannot start %s slot", ErrInvalidState, cur.Status)
		}

		rows, err := tx.Query(ctx,
			`SELECT `+memberColumns+` FROM slot_assignments a
			 JOIN waitlist_members m ON m.id = a.member_id AND m.tenant_id = a.tenant_id
			 WHERE a.slot_id = $1 AND a.tenant_id = $2 AND a.removed_at IS NULL AND m.active
			 ORDER BY m.priority DESC, m.created_at ASC, m.id ASC`, slotID, tenantID)
		if err != nil {
			return fmt.Errorf("list audience: %w", err)
		}
		members, err := collect(rows, scanMember)
		if err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		if len(members) == 0 {
			return ErrEmptyAudience
		}

		opened, err = scanSlot(tx.QueryRow(ctx,
			`UPDATE slots SET status = 'open', wave_number = 1, expires_at = $3, updated_at = $4
			 WHERE id = $1 AND tenant_id = $2 AND status = 'draft'
			 RETURNING `+slotColumns,
			slotID, tenantID, now.Add(cur.ClaimWindow()), now))
		if err != nil {
			return fmt.Errorf("open slot: %w", err)
		}

		invites, err = insertWave(ctx, tx, opened, members, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return opened, invites, nil
}

func (s *PostgresStore) OpenNextWave(ctx context.Context, tenantID, slotID uuid.UUID, waveSize int, now time.Time) (*models.Slot, []models.Invitation, error) {
	var (
		updated *models.Slot
		invites []models.Invitation
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockSlot(ctx, tx, slotID, tenantID)
		if err != nil {
			return err
		}
		if cur.Status != models.SlotStatusOpen {
			return fmt.Errorf("%w: cannot resend %s slot", ErrInvalidState, cur.Status)
		}

		rows, err := tx.Query(ctx,
			`SELECT `+memberColumns+` FROM waitlist_members m
			 WHERE m.tenant_id = $1 AND m.active
			   AND NOT EXISTS (SELECT 1 FROM claims c WHERE c.slot_id = $2 AND c.member_id = m.id)
			 ORDER BY m.priority DESC, m.created_at ASC, m.id ASC
			 LIMIT $3`, tenantID, slotID, waveSize)
		if err != nil {
			return fmt.Errorf("select wave candidates: %w", err)
		}
		members, err := collect(rows, scanMember)
		if err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		if len(members) == 0 {
			return ErrWaveExhausted
		}

		updated, err = scanSlot(tx.QueryRow(ctx,
			`UPDATE slots SET wave_number = wave_number + 1, expires_at = $3, updated_at = $4
			 WHERE id = $1 AND tenant_id = $2 AND status = 'open'
			 RETURNING `+slotColumns,
			slotID, tenantID, now.Add(cur.ClaimWindow()), now))
		if err != nil {
			return fmt.Errorf("advance wave: %w", err)
		}

		invites, err = insertWave(ctx, tx, updated, members, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, invites, nil
}

// AttemptClaim decides a winner with one conditional UPDATE on the slot row. Concurrent
// attempts serialize on that row; exactly one observes open -> claimed, and the expiry
// check is evaluated against the commit-time row, so late replies never win.
func (s *PostgresStore) AttemptClaim(ctx context.Context, a ClaimAttempt) (bool, error) {
	var won bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE slots s SET status = 'claimed', updated_at = $4
			 WHERE s.id = $1 AND s.tenant_id = $2 AND s.status = 'open' AND s.expires_at > $4
			   AND EXISTS (
			     SELECT 1 FROM claims c
			     WHERE c.id = $3 AND c.slot_id = s.id AND c.tenant_id = s.tenant_id AND c.status = 'pending')`,
			a.SlotID, a.TenantID, a.ClaimID, a.Now)
		if err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}

		if tag.RowsAffected() == 1 {
			won = true
			if _, err := tx.Exec(ctx,
				`UPDATE claims SET status = 'won', response_body = $2, response_received_at = $3, updated_at = $3
				 WHERE id = $1`, a.ClaimID, a.Response, a.Now); err != nil {
				return fmt.Errorf("mark claim won: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE claims SET status = 'lost', updated_at = $3
				 WHERE slot_id = $1 AND status = 'pending' AND id <> $2`, a.SlotID, a.ClaimID, a.Now); err != nil {
				return fmt.Errorf("mark claims lost: %w", err)
			}
			return nil
		}

		var slotStatus, claimStatus string
		err = tx.QueryRow(ctx,
			`SELECT s.status, c.status FROM slots s
			 JOIN claims c ON c.slot_id = s.id AND c.tenant_id = s.tenant_id
			 WHERE s.id = $1 AND s.tenant_id = $2 AND c.id = $3`,
			a.SlotID, a.TenantID, a.ClaimID).Scan(&slotStatus, &claimStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read claim outcome: %w", err)
		}

		// Someone else holds the slot: record this reply as a loss. Terminal or merely
		// late slots are left for the cancel/expiry paths.
		if slotStatus == models.SlotStatusClaimed || slotStatus == models.SlotStatusBooked {
			if _, err := tx.Exec(ctx,
				`UPDATE claims SET status = 'lost', response_body = $2, response_received_at = $3, updated_at = $3
				 WHERE id = $1 AND status IN ('pending', 'lost')`, a.ClaimID, a.Response, a.Now); err != nil {
				return fmt.Errorf("mark claim lost: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *PostgresStore) CancelSlot(ctx context.Context, tenantID, slotID uuid.UUID, now time.Time) (*models.Slot, error) {
	var cancelled *models.Slot
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sl, err := scanSlot(tx.QueryRow(ctx,
			`UPDATE slots SET status = 'cancelled', updated_at = $3
			 WHERE id = $1 AND tenant_id = $2 AND status IN ('open', 'claimed')
			 RETURNING `+slotColumns, slotID, tenantID, now))
		if errors.Is(err, pgx.ErrNoRows) {
			cur, err := scanSlot(tx.QueryRow(ctx,
				`SELECT `+slotColumns+` FROM slots WHERE id = $1 AND tenant_id = $2`, slotID, tenantID))
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("get slot: %w", err)
			}
			if cur.Status == models.SlotStatusCancelled {
				cancelled = cur
				return nil
			}
			return fmt.Errorf("%w: cannot cancel %s slot", ErrInvalidState, cur.Status)
		}
		if err != nil {
			return fmt.Errorf("cancel slot: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE claims SET status = 'cancelled', updated_at = $2
			 WHERE slot_id = $1 AND status = 'pending'`, slotID, now); err != nil {
			return fmt.Errorf("cancel claims: %w", err)
		}
		cancelled = sl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *PostgresStore) ExpireOpenSlots(ctx context.Context, now time.Time) ([]*models.Slot, error) {
	var expired []*models.Slot
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE slots SET status = 'expired', updated_at = $1
			 WHERE status = 'open' AND expires_at <= $1
			 RETURNING `+slotColumns, now)
		if err != nil {
			return fmt.Errorf("expire slots: %w", err)
		}
		expired, err = collect(rows, scanSlot)
		if err != nil {
			return fmt.Errorf("scan slot: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]string, len(expired))
		for i, sl := range expired {
			ids[i] = sl.ID.String()
		}
		if _, err := tx.Exec(ctx,
			`UPDATE claims SET status = 'expired', updated_at = $2
			 WHERE slot_id = ANY($1::uuid[]) AND status = 'pending'`, ids, now); err != nil {
			return fmt.Errorf("expire claims: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *PostgresStore) BookSlot(ctx context.Context, tenantID, claimID uuid.UUID, now time.Time) (*models.Slot, *models.Claim, error) {
	var (
		booked *models.Slot
		winner *models.Claim
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := lockClaim(ctx, tx, claimID, tenantID)
		if err != nil {
			return err
		}
		if c.Status != models.ClaimStatusWon {
			return fmt.Errorf("%w: claim is %s", ErrInvalidState, c.Status)
		}
		booked, err = scanSlot(tx.QueryRow(ctx,
			`UPDATE slots SET status = 'booked', updated_at = $3
			 WHERE id = $1 AND tenant_id = $2 AND status = 'claimed'
			 RETURNING `+slotColumns, c.SlotID, tenantID, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: slot is not awaiting confirmation", ErrInvalidState)
		}
		if err != nil {
			return fmt.Errorf("book slot: %w", err)
		}
		winner = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return booked, winner, nil
}

func (s *PostgresStore) RejectClaim(ctx context.Context, tenantID, claimID uuid.UUID, now time.Time) (*models.Slot, *models.Claim, error) {
	var (
		reopened *models.Slot
		rejected *models.Claim
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := lockClaim(ctx, tx, claimID, tenantID)
		if err != nil {
			return err
		}
		if c.Status != models.ClaimStatusWon {
			return fmt.Errorf("%w: claim is %s", ErrInvalidState, c.Status)
		}
		reopened, err = scanSlot(tx.QueryRow(ctx,
			`UPDATE slots SET status = 'open', expires_at = $3 + make_interval(mins => claim_window_minutes), updated_at = $3
			 WHERE id = $1 AND tenant_id = $2 AND status = 'claimed'
			 RETURNING `+slotColumns, c.SlotID, tenantID, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: slot is not awaiting confirmation", ErrInvalidState)
		}
		if err != nil {
			return fmt.Errorf("reopen slot: %w", err)
		}
		rejected, err = scanClaim(tx.QueryRow(ctx,
			`UPDATE claims SET status = 'cancelled', updated_at = $2 WHERE id = $1 RETURNING `+claimColumns,
			claimID, now))
		if err != nil {
			return fmt.Errorf("cancel claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return reopened, rejected, nil
}

// --- Claims ---

func (s *PostgresStore) GetClaim(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Claim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListClaims(ctx context.Context, tenantID, slotID uuid.UUID) ([]*models.Claim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE tenant_id = $1 AND slot_id = $2
		 ORDER BY wave_number ASC, notified_at ASC, id ASC`, tenantID, slotID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	claims, err := collect(rows, scanClaim)
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}
	return claims, nil
}

func (s *PostgresStore) LatestActiveClaim(ctx context.Context, tenantID, memberID uuid.UUID) (*models.Claim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims
		 WHERE tenant_id = $1 AND member_id = $2 AND status IN ('pending', 'won')
		 ORDER BY notified_at DESC, created_at DESC LIMIT 1`, tenantID, memberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest active claim: %w", err)
	}
	return c, nil
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, bool, error) {
	stored, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		 RETURNING `+messageColumns,
		m.ID, m.TenantID, m.SlotID, m.ClaimID, m.MemberID, m.Channel, m.Address, m.Direction, m.Status,
		m.TemplateKey, m.Body, m.Attempts, m.LastError, m.IdempotencyKey, m.ExternalMessageID,
		m.CreatedAt, m.UpdatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetMessageByIdempotencyKey(ctx, m.TenantID, m.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create message: %w", err)
	}
	return stored, true, nil
}

func (s *PostgresStore) GetMessageByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by idempotency key: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) MarkMessageSent(ctx context.Context, id uuid.UUID, externalID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = 'sent', external_message_id = $2, attempts = attempts + 1,
		   last_error = NULL, updated_at = $3
		 WHERE id = $1`, id, externalID, now)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkMessageFailed(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = 'failed', last_error = $2, attempts = attempts + 1, updated_at = $3
		 WHERE id = $1`, id, errMsg, now)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeferMessage(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = 'failed', last_error = $2, updated_at = $3
		 WHERE id = $1`, id, errMsg, now)
	if err != nil {
		return fmt.Errorf("defer message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimRetryableMessages uses SKIP LOCKED so concurrent sweepers never lease the same row.
func (s *PostgresStore) ClaimRetryableMessages(ctx context.Context, limit int, now time.Time) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE messages SET status = 'queued', updated_at = $3
		 WHERE id IN (
		   SELECT id FROM messages
		   WHERE direction = 'outbound' AND attempts < $2
		     AND (status = 'failed' OR (status = 'queued' AND updated_at <= $4))
		   ORDER BY created_at ASC, id ASC
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING `+messageColumns, limit, MaxDeliveryAttempts, now, now.Add(-MessageLeaseTimeout))
	if err != nil {
		return nil, fmt.Errorf("claim retryable messages: %w", err)
	}
	msgs, err := collect(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	slices.SortFunc(msgs, func(a, b *models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return msgs, nil
}

// --- helpers ---

func lockSlot(ctx context.Context, tx pgx.Tx, id, tenantID uuid.UUID) (*models.Slot, error) {
	sl, err := scanSlot(tx.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock slot: %w", err)
	}
	return sl, nil
}

func lockClaim(ctx context.Context, tx pgx.Tx, id, tenantID uuid.UUID) (*models.Claim, error) {
	c, err := scanClaim(tx.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock claim: %w", err)
	}
	return c, nil
}

// assignTx adds members to a slot's candidate pool. Members outside the tenant are
// reported as not found; members already assigned are skipped.
func assignTx(ctx context.Context, tx pgx.Tx, tenantID, slotID uuid.UUID, memberIDs []uuid.UUID, now time.Time) error {
	for _, memberID := range memberIDs {
		tag, err := tx.Exec(ctx,
			`INSERT INTO slot_assignments (id, tenant_id, slot_id, member_id, assigned_at)
			 SELECT $1, $2, $3, m.id, $5 FROM waitlist_members m WHERE m.id = $4 AND m.tenant_id = $2
			 ON CONFLICT (slot_id, member_id) WHERE removed_at IS NULL DO NOTHING`,
			uuid.New(), tenantID, slotID, memberID, now)
		if err != nil {
			return fmt.Errorf("assign member: %w", err)
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM waitlist_members WHERE id = $1 AND tenant_id = $2)`,
			memberID, tenantID).Scan(&exists); err != nil {
			return fmt.Errorf("check member: %w", err)
		}
		if !exists {
			return fmt.Errorf("member %s: %w", memberID, ErrNotFound)
		}
	}
	return nil
}

// insertWave creates pending claims for members and stamps their last_notified_at.
func insertWave(ctx context.Context, tx pgx.Tx, slot *models.Slot, members []*models.WaitlistMember, now time.Time) ([]models.Invitation, error) {
	batch := &pgx.Batch{}
	invites := make([]models.Invitation, 0, len(members))
	for _, m := range members {
		c := &models.Claim{
			ID:         uuid.New(),
			TenantID:   slot.TenantID,
			SlotID:     slot.ID,
			MemberID:   m.ID,
			Status:     models.ClaimStatusPending,
			WaveNumber: slot.WaveNumber,
			NotifiedAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		batch.Queue(
			`INSERT INTO claims (id, tenant_id, slot_id, member_id, status, wave_number, notified_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.TenantID, c.SlotID, c.MemberID, c.Status, c.WaveNumber, c.NotifiedAt, c.CreatedAt, c.UpdatedAt)
		batch.Queue(
			`UPDATE waitlist_members SET last_notified_at = $2, updated_at = $2 WHERE id = $1`, m.ID, now)

		notified := now
		m.LastNotifiedAt = &notified
		invites = append(invites, models.Invitation{Claim: c, Member: m})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert wave: %w", err)
	}
	return invites, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
