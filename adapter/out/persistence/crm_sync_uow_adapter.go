package persistence

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_server/core/port/out"
)

// =============================================================================
// SyncUnitOfWork - one transaction per sync batch
// =============================================================================

// PgxSyncUnitOfWork runs a sync batch inside a single pgx transaction so the
// mirrored-event writes and the sync token advance atomically.
type PgxSyncUnitOfWork struct {
	pool *pgxpool.Pool
}

func NewPgxSyncUnitOfWork(pool *pgxpool.Pool) *PgxSyncUnitOfWork {
	return &PgxSyncUnitOfWork{pool: pool}
}

func (u *PgxSyncUnitOfWork) Execute(ctx context.Context, fn func(tx out.SyncTx) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxSyncTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}
	return nil
}

// =============================================================================
// SyncTx
// =============================================================================

type pgxSyncTx struct {
	tx pgx.Tx
}

func (t *pgxSyncTx) UpsertEvent(ctx context.Context, ev *out.EventUpsert) error {
	attendees, err := json.Marshal(ev.Attendees)
	if err != nil {
		return fmt.Errorf("failed to marshal attendees: %w", err)
	}

	query := `
		INSERT INTO mirrored_events (
			external_id, summary, description, start_time, end_time,
			status, organizer_email, attendees, conference_link, external_link
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			organizer_email = EXCLUDED.organizer_email,
			attendees = EXCLUDED.attendees,
			conference_link = EXCLUDED.conference_link,
			external_link = EXCLUDED.external_link,
			updated_at = NOW()
	`
	_, err = t.tx.Exec(ctx, query,
		ev.ExternalID,
		ev.Summary,
		ev.Description,
		ev.StartTime,
		ev.EndTime,
		string(ev.Status),
		ev.OrganizerEmail,
		attendees,
		ev.ConferenceLink,
		ev.ExternalLink,
	)
	return err
}

func (t *pgxSyncTx) CancelEvent(ctx context.Context, externalID string) (bool, error) {
	query := `
		UPDATE mirrored_events SET
			status = 'cancelled',
			updated_at = NOW()
		WHERE external_id = $1
	`
	tag, err := t.tx.Exec(ctx, query, externalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgxSyncTx) SaveSyncToken(ctx context.Context, syncStateID int64, token string) error {
	query := `
		UPDATE calendar_sync_states SET
			sync_token = $1,
			updated_at = NOW()
		WHERE id = $2
	`
	_, err := t.tx.Exec(ctx, query, token, syncStateID)
	return err
}

// Ensure interface compliance
var _ out.SyncUnitOfWork = (*PgxSyncUnitOfWork)(nil)
var _ out.SyncTx = (*pgxSyncTx)(nil)
