package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"crm_server/core/domain"
)

// =============================================================================
// EventAdapter - read side of the mirrored event store
// =============================================================================

type EventAdapter struct {
	db *sqlx.DB
}

func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type mirroredEventEntity struct {
	ID             int64          `db:"id"`
	ExternalID     string         `db:"external_id"`
	Summary        sql.NullString `db:"summary"`
	Description    sql.NullString `db:"description"`
	StartTime      time.Time      `db:"start_time"`
	EndTime        time.Time      `db:"end_time"`
	Status         string         `db:"status"`
	OrganizerEmail sql.NullString `db:"organizer_email"`
	Attendees      []byte         `db:"attendees"` // jsonb
	ConferenceLink sql.NullString `db:"conference_link"`
	ExternalLink   sql.NullString `db:"external_link"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (e *mirroredEventEntity) toDomain() (*domain.MirroredEvent, error) {
	ev := &domain.MirroredEvent{
		ID:         e.ID,
		ExternalID: e.ExternalID,
		StartTime:  e.StartTime,
		EndTime:    e.EndTime,
		Status:     domain.EventStatus(e.Status),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
	if e.Summary.Valid {
		ev.Summary = e.Summary.String
	}
	if e.Description.Valid {
		ev.Description = e.Description.String
	}
	if e.OrganizerEmail.Valid {
		ev.OrganizerEmail = e.OrganizerEmail.String
	}
	if e.ConferenceLink.Valid {
		ev.ConferenceLink = e.ConferenceLink.String
	}
	if e.ExternalLink.Valid {
		ev.ExternalLink = e.ExternalLink.String
	}
	if len(e.Attendees) > 0 {
		if err := json.Unmarshal(e.Attendees, &ev.Attendees); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// =============================================================================
// Queries
// =============================================================================

func (a *EventAdapter) GetByExternalID(ctx context.Context, externalID string) (*domain.MirroredEvent, error) {
	var entity mirroredEventEntity
	query := `SELECT * FROM mirrored_events WHERE external_id = $1`
	if err := a.db.GetContext(ctx, &entity, query, externalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *EventAdapter) List(ctx context.Context, limit, offset int) ([]*domain.MirroredEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var entities []mirroredEventEntity
	query := `
		SELECT * FROM mirrored_events
		ORDER BY start_time DESC
		LIMIT $1 OFFSET $2
	`
	if err := a.db.SelectContext(ctx, &entities, query, limit, offset); err != nil {
		return nil, err
	}

	events := make([]*domain.MirroredEvent, 0, len(entities))
	for i := range entities {
		ev, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ensure interface compliance
var _ domain.EventRepository = (*EventAdapter)(nil)
