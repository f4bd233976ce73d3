package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"crm_server/core/domain"
)

// =============================================================================
// CalendarSyncStateAdapter - incremental sync cursor persistence
// =============================================================================

type CalendarSyncStateAdapter struct {
	db *sqlx.DB
}

func NewCalendarSyncStateAdapter(db *sqlx.DB) *CalendarSyncStateAdapter {
	return &CalendarSyncStateAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type calendarSyncStateEntity struct {
	ID               int64          `db:"id"`
	ChannelID        string         `db:"channel_id"`
	RemoteResourceID string         `db:"remote_resource_id"`
	CalendarID       string         `db:"calendar_id"`
	SyncToken        sql.NullString `db:"sync_token"`
	Expiration       time.Time      `db:"expiration"`
	Active           bool           `db:"active"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (e *calendarSyncStateEntity) toDomain() *domain.SyncState {
	state := &domain.SyncState{
		ID:               e.ID,
		ChannelID:        e.ChannelID,
		RemoteResourceID: e.RemoteResourceID,
		CalendarID:       e.CalendarID,
		Expiration:       e.Expiration,
		Active:           e.Active,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if e.SyncToken.Valid {
		state.SyncToken = e.SyncToken.String
	}
	return state
}

// =============================================================================
// CRUD
// =============================================================================

func (a *CalendarSyncStateAdapter) Create(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO calendar_sync_states (
			channel_id, remote_resource_id, calendar_id, sync_token, expiration, active
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowContext(ctx, query,
		state.ChannelID,
		state.RemoteResourceID,
		state.CalendarID,
		toNullableStr(state.SyncToken),
		state.Expiration,
		state.Active,
	).Scan(&state.ID, &state.CreatedAt, &state.UpdatedAt)
}

func (a *CalendarSyncStateAdapter) GetByChannelID(ctx context.Context, channelID string) (*domain.SyncState, error) {
	var entity calendarSyncStateEntity
	query := `SELECT * FROM calendar_sync_states WHERE channel_id = $1 AND active = TRUE`
	if err := a.db.GetContext(ctx, &entity, query, channelID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *CalendarSyncStateAdapter) GetByCalendarID(ctx context.Context, calendarID string) (*domain.SyncState, error) {
	var entity calendarSyncStateEntity
	query := `
		SELECT * FROM calendar_sync_states
		WHERE calendar_id = $1 AND active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`
	if err := a.db.GetContext(ctx, &entity, query, calendarID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *CalendarSyncStateAdapter) ListExpiring(ctx context.Context, before time.Time) ([]*domain.SyncState, error) {
	var entities []calendarSyncStateEntity
	query := `
		SELECT * FROM calendar_sync_states
		WHERE active = TRUE AND expiration <= $1
		ORDER BY expiration ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query, before); err != nil {
		return nil, err
	}

	states := make([]*domain.SyncState, len(entities))
	for i, e := range entities {
		states[i] = e.toDomain()
	}
	return states, nil
}

// ReplaceChannel swaps the subscription identity in place after a renewal.
// The sync token survives; only the channel rotates.
func (a *CalendarSyncStateAdapter) ReplaceChannel(ctx context.Context, id int64, channelID, remoteResourceID string, expiration time.Time) error {
	query := `
		UPDATE calendar_sync_states SET
			channel_id = $1,
			remote_resource_id = $2,
			expiration = $3,
			updated_at = NOW()
		WHERE id = $4
	`
	_, err := a.db.ExecContext(ctx, query, channelID, remoteResourceID, expiration, id)
	return err
}

func (a *CalendarSyncStateAdapter) ClearSyncToken(ctx context.Context, id int64) error {
	query := `
		UPDATE calendar_sync_states SET
			sync_token = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := a.db.ExecContext(ctx, query, id)
	return err
}

func (a *CalendarSyncStateAdapter) Deactivate(ctx context.Context, id int64) error {
	query := `UPDATE calendar_sync_states SET active = FALSE, updated_at = NOW() WHERE id = $1`
	_, err := a.db.ExecContext(ctx, query, id)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func toNullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Ensure interface compliance
var _ domain.SyncStateRepository = (*CalendarSyncStateAdapter)(nil)
