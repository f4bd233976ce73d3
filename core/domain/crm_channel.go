package domain

import (
	"context"
	"time"
)

// =============================================================================
// Channel - push notification subscription registered with Google
// =============================================================================

// ResourceType describes what kind of remote resource a channel watches.
type ResourceType string

const (
	ResourceTypeFolder   ResourceType = "folder"
	ResourceTypeFile     ResourceType = "file"
	ResourceTypeCalendar ResourceType = "calendar"
)

// Channel is a webhook subscription for a single watched remote resource.
// Rows are never deleted; lifecycle transitions only flip Active.
type Channel struct {
	ID                int64        `json:"id"`
	ChannelID         string       `json:"channel_id"`          // locally generated UUID, shared with Google
	RemoteResourceID  string       `json:"remote_resource_id"`  // opaque id Google assigns to this subscription
	WatchedResourceID string       `json:"watched_resource_id"` // the folder/file/calendar being observed
	ResourceType      ResourceType `json:"resource_type"`
	ExpiresAt         time.Time    `json:"expires_at"`
	Active            bool         `json:"active"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// IsExpired reports whether Google has stopped delivering for this channel.
func (c *Channel) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// ChannelRepository defines channel persistence operations.
type ChannelRepository interface {
	Create(ctx context.Context, ch *Channel) error
	GetByChannelID(ctx context.Context, channelID string) (*Channel, error)
	// GetActive resolves an inbound delivery: both ids must match an active row.
	GetActive(ctx context.Context, channelID, remoteResourceID string) (*Channel, error)
	GetActiveByWatchedResource(ctx context.Context, watchedResourceID string) (*Channel, error)
	ListActive(ctx context.Context) ([]*Channel, error)
	Deactivate(ctx context.Context, channelID string) error
	// DeactivateExpired flips active=false on rows past their expiry and
	// returns how many were changed.
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}
