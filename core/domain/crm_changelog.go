package domain

import (
	"context"
	"time"
)

// =============================================================================
// ChangeLogEntry - append-only record of inbound webhook deliveries
// =============================================================================

// ResourceState values Google sends on push notifications.
const (
	ResourceStateSync      = "sync"
	ResourceStateAdd       = "add"
	ResourceStateRemove    = "remove"
	ResourceStateUpdate    = "update"
	ResourceStateTrash     = "trash"
	ResourceStateUntrash   = "untrash"
	ResourceStateChange    = "change"
	ResourceStateCancelled = "cancelled"
)

// ChangeLogEntry is write-once; entries are never updated.
type ChangeLogEntry struct {
	ID                int64     `json:"id"`
	ChannelID         string    `json:"channel_id"`
	RemoteResourceID  string    `json:"remote_resource_id"`
	ResourceState     string    `json:"resource_state"`
	ChangedResourceID string    `json:"changed_resource_id,omitempty"`
	EventType         string    `json:"event_type,omitempty"`
	RawHeaders        []byte    `json:"raw_headers,omitempty"` // serialized delivery headers, verbatim
	ReceivedAt        time.Time `json:"received_at"`
}

// ChangeLogRepository defines change-log persistence operations.
type ChangeLogRepository interface {
	Create(ctx context.Context, entry *ChangeLogEntry) error
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*ChangeLogEntry, error)
	CountByChannel(ctx context.Context, channelID string) (int64, error)
}
