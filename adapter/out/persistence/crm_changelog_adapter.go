package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"crm_server/core/domain"
)

// =============================================================================
// ChangeLogAdapter - append-only webhook delivery log
// =============================================================================

type ChangeLogAdapter struct {
	db *sqlx.DB
}

func NewChangeLogAdapter(db *sqlx.DB) *ChangeLogAdapter {
	return &ChangeLogAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type changeLogEntity struct {
	ID                int64          `db:"id"`
	ChannelID         string         `db:"channel_id"`
	RemoteResourceID  string         `db:"remote_resource_id"`
	ResourceState     string         `db:"resource_state"`
	ChangedResourceID sql.NullString `db:"changed_resource_id"`
	EventType         sql.NullString `db:"event_type"`
	RawHeaders        []byte         `db:"raw_headers"`
	ReceivedAt        time.Time      `db:"received_at"`
}

func (e *changeLogEntity) toDomain() *domain.ChangeLogEntry {
	entry := &domain.ChangeLogEntry{
		ID:               e.ID,
		ChannelID:        e.ChannelID,
		RemoteResourceID: e.RemoteResourceID,
		ResourceState:    e.ResourceState,
		RawHeaders:       e.RawHeaders,
		ReceivedAt:       e.ReceivedAt,
	}
	if e.ChangedResourceID.Valid {
		entry.ChangedResourceID = e.ChangedResourceID.String
	}
	if e.EventType.Valid {
		entry.EventType = e.EventType.String
	}
	return entry
}

// =============================================================================
// Operations
// =============================================================================

func (a *ChangeLogAdapter) Create(ctx context.Context, entry *domain.ChangeLogEntry) error {
	query := `
		INSERT INTO change_log_entries (
			channel_id, remote_resource_id, resource_state,
			changed_resource_id, event_type, raw_headers
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, received_at
	`
	return a.db.QueryRowContext(ctx, query,
		entry.ChannelID,
		entry.RemoteResourceID,
		entry.ResourceState,
		toNullableStr(entry.ChangedResourceID),
		toNullableStr(entry.EventType),
		entry.RawHeaders,
	).Scan(&entry.ID, &entry.ReceivedAt)
}

func (a *ChangeLogAdapter) ListByChannel(ctx context.Context, channelID string, limit int) ([]*domain.ChangeLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entities []changeLogEntity
	query := `
		SELECT * FROM change_log_entries
		WHERE channel_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`
	if err := a.db.SelectContext(ctx, &entities, query, channelID, limit); err != nil {
		return nil, err
	}

	entries := make([]*domain.ChangeLogEntry, len(entities))
	for i, e := range entities {
		entries[i] = e.toDomain()
	}
	return entries, nil
}

func (a *ChangeLogAdapter) CountByChannel(ctx context.Context, channelID string) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM change_log_entries WHERE channel_id = $1`
	if err := a.db.GetContext(ctx, &count, query, channelID); err != nil {
		return 0, err
	}
	return count, nil
}

// Ensure interface compliance
var _ domain.ChangeLogRepository = (*ChangeLogAdapter)(nil)
