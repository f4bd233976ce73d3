package domain

import (
	"context"
	"time"
)

// =============================================================================
// SyncState - incremental sync bookkeeping, one row per calendar subscription
// =============================================================================

// SyncState tracks the incremental-sync cursor for a watched calendar.
// SyncToken is empty in bootstrap state; it is cleared back to empty only
// when Google reports the token invalid.
type SyncState struct {
	ID               int64     `json:"id"`
	ChannelID        string    `json:"channel_id"`
	RemoteResourceID string    `json:"remote_resource_id"`
	CalendarID       string    `json:"calendar_id"`
	SyncToken        string    `json:"sync_token,omitempty"`
	Expiration       time.Time `json:"expiration"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NeedsRenewal reports whether the channel expires within the lookahead window.
func (s *SyncState) NeedsRenewal(lookahead time.Duration) bool {
	return !s.Expiration.After(time.Now().Add(lookahead))
}

// SyncStateRepository defines sync state persistence operations.
type SyncStateRepository interface {
	Create(ctx context.Context, state *SyncState) error
	GetByChannelID(ctx context.Context, channelID string) (*SyncState, error)
	GetByCalendarID(ctx context.Context, calendarID string) (*SyncState, error)
	// ListExpiring returns active rows whose channel expires on or before the threshold.
	ListExpiring(ctx context.Context, before time.Time) ([]*SyncState, error)
	// ReplaceChannel overwrites the row's subscription identity after a renewal.
	ReplaceChannel(ctx context.Context, id int64, channelID, remoteResourceID string, expiration time.Time) error
	ClearSyncToken(ctx context.Context, id int64) error
	Deactivate(ctx context.Context, id int64) error
}
