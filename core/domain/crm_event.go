package domain

import (
	"context"
	"time"
)

// =============================================================================
// MirroredEvent - local copy of a remote calendar event
// =============================================================================

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// Attendee is one participant on a mirrored event.
type Attendee struct {
	Email          string `json:"email"`
	ResponseStatus string `json:"response_status,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

// MirroredEvent is written only by the sync engine. Remote deletion is
// modeled as Status=cancelled; rows are never hard-deleted by sync.
type MirroredEvent struct {
	ID             int64       `json:"id"`
	ExternalID     string      `json:"external_id"` // remote-assigned, unique
	Summary        string      `json:"summary"`
	Description    string      `json:"description,omitempty"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        time.Time   `json:"end_time"`
	Status         EventStatus `json:"status"`
	OrganizerEmail string      `json:"organizer_email,omitempty"`
	Attendees      []Attendee  `json:"attendees,omitempty"`
	ConferenceLink string      `json:"conference_link,omitempty"`
	ExternalLink   string      `json:"external_link,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// EventRepository defines read access to the event mirror. Writes go through
// the sync engine's transactional unit of work.
type EventRepository interface {
	GetByExternalID(ctx context.Context, externalID string) (*MirroredEvent, error)
	List(ctx context.Context, limit, offset int) ([]*MirroredEvent, error)
}
