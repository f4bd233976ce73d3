package out

import (
	"context"
	"time"

	"crm_server/core/domain"
)

// EventUpsert is the write shape for one mirrored event inside a sync
// transaction. Upserts key on ExternalID.
type EventUpsert struct {
	ExternalID     string
	Summary        string
	Description    string
	StartTime      time.Time
	EndTime        time.Time
	Status         domain.EventStatus
	OrganizerEmail string
	Attendees      []domain.Attendee
	ConferenceLink string
	ExternalLink   string
}

// SyncTx is the set of writes available inside one sync transaction.
type SyncTx interface {
	UpsertEvent(ctx context.Context, ev *EventUpsert) error
	// CancelEvent flips an existing row to cancelled. Returns false when no
	// row with that external id exists, which is not an error.
	CancelEvent(ctx context.Context, externalID string) (bool, error)
	SaveSyncToken(ctx context.Context, syncStateID int64, token string) error
}

// SyncUnitOfWork runs fn inside a single database transaction so the event
// upserts and the advanced sync token commit or roll back together. A crash
// mid-batch must never persist the new token without its events.
type SyncUnitOfWork interface {
	Execute(ctx context.Context, fn func(tx SyncTx) error) error
}
