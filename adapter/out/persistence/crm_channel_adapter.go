package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"crm_server/core/domain"
)

// =============================================================================
// ChannelAdapter - webhook channel persistence
// =============================================================================

type ChannelAdapter struct {
	db *sqlx.DB
}

func NewChannelAdapter(db *sqlx.DB) *ChannelAdapter {
	return &ChannelAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type channelEntity struct {
	ID                int64     `db:"id"`
	ChannelID         string    `db:"channel_id"`
	RemoteResourceID  string    `db:"remote_resource_id"`
	WatchedResourceID string    `db:"watched_resource_id"`
	ResourceType      string    `db:"resource_type"`
	ExpiresAt         time.Time `db:"expires_at"`
	Active            bool      `db:"active"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (e *channelEntity) toDomain() *domain.Channel {
	return &domain.Channel{
		ID:                e.ID,
		ChannelID:         e.ChannelID,
		RemoteResourceID:  e.RemoteResourceID,
		WatchedResourceID: e.WatchedResourceID,
		ResourceType:      domain.ResourceType(e.ResourceType),
		ExpiresAt:         e.ExpiresAt,
		Active:            e.Active,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// =============================================================================
// CRUD
// =============================================================================

func (a *ChannelAdapter) Create(ctx context.Context, ch *domain.Channel) error {
	query := `
		INSERT INTO channels (
			channel_id, remote_resource_id, watched_resource_id,
			resource_type, expires_at, active
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowContext(ctx, query,
		ch.ChannelID,
		ch.RemoteResourceID,
		ch.WatchedResourceID,
		string(ch.ResourceType),
		ch.ExpiresAt,
		ch.Active,
	).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
}

func (a *ChannelAdapter) GetByChannelID(ctx context.Context, channelID string) (*domain.Channel, error) {
	var entity channelEntity
	query := `SELECT * FROM channels WHERE channel_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, channelID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// GetActive returns the active, unexpired channel matching both identifiers,
// or nil when no such channel exists.
func (a *ChannelAdapter) GetActive(ctx context.Context, channelID, remoteResourceID string) (*domain.Channel, error) {
	var entity channelEntity
	query := `
		SELECT * FROM channels
		WHERE channel_id = $1
		  AND remote_resource_id = $2
		  AND active = TRUE
		  AND expires_at > NOW()
	`
	if err := a.db.GetContext(ctx, &entity, query, channelID, remoteResourceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// GetActiveByWatchedResource returns the active, unexpired channel watching
// the given resource. Used for the register short-circuit.
func (a *ChannelAdapter) GetActiveByWatchedResource(ctx context.Context, watchedResourceID string) (*domain.Channel, error) {
	var entity channelEntity
	query := `
		SELECT * FROM channels
		WHERE watched_resource_id = $1
		  AND active = TRUE
		  AND expires_at > NOW()
		ORDER BY expires_at DESC
		LIMIT 1
	`
	if err := a.db.GetContext(ctx, &entity, query, watchedResourceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *ChannelAdapter) ListActive(ctx context.Context) ([]*domain.Channel, error) {
	var entities []channelEntity
	query := `
		SELECT * FROM channels
		WHERE active = TRUE
		  AND expires_at > NOW()
		ORDER BY expires_at ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}

	channels := make([]*domain.Channel, len(entities))
	for i, e := range entities {
		channels[i] = e.toDomain()
	}
	return channels, nil
}

func (a *ChannelAdapter) Deactivate(ctx context.Context, channelID string) error {
	query := `UPDATE channels SET active = FALSE WHERE channel_id = $1`
	_, err := a.db.ExecContext(ctx, query, channelID)
	return err
}

// DeactivateExpired flips every active channel whose expiry has passed and
// returns the number of rows affected.
func (a *ChannelAdapter) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE channels SET active = FALSE
		WHERE active = TRUE AND expires_at <= $1
	`
	res, err := a.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ensure interface compliance
var _ domain.ChannelRepository = (*ChannelAdapter)(nil)
