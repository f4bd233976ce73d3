package calendarsync

import (
	"context"
	"fmt"
	"time"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/pkg/logger"
	"crm_server/pkg/retry"
)

// =============================================================================
// SyncService - incremental calendar mirror
// =============================================================================

// SyncService pulls changed events for a watched calendar and applies them
// to the local mirror. A stored sync token drives incremental listing; an
// empty token means bootstrap, which lists forward from now.
type SyncService struct {
	syncStateRepo domain.SyncStateRepository
	provider      out.CalendarProviderPort
	uow           out.SyncUnitOfWork
	retryPolicy   retry.Policy
	log           *logger.Logger
}

func NewSyncService(
	syncStateRepo domain.SyncStateRepository,
	provider out.CalendarProviderPort,
	uow out.SyncUnitOfWork,
) *SyncService {
	return &SyncService{
		syncStateRepo: syncStateRepo,
		provider:      provider,
		uow:           uow,
		retryPolicy:   retry.DefaultPolicy(),
		log:           logger.Default().WithField("service", "calendarsync"),
	}
}

// Result summarizes one sync pass.
type Result struct {
	Upserted    int  `json:"upserted"`
	Cancelled   int  `json:"cancelled"`
	Bootstrap   bool `json:"bootstrap"`
	TokenRotate bool `json:"token_rotated"`
}

// SyncByChannelID resolves the sync state for a channel and runs a pass.
func (s *SyncService) SyncByChannelID(ctx context.Context, channelID string) (*Result, error) {
	state, err := s.syncStateRepo.GetByChannelID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("no sync state for channel %s", channelID)
	}
	return s.Sync(ctx, state)
}

// Sync runs one pass for the given state. On a token invalidation the stored
// cursor is cleared and a bootstrap listing is attempted once within the same
// call; if that bootstrap fails the cleared cursor stays cleared, because the
// remote already declared the token dead.
func (s *SyncService) Sync(ctx context.Context, state *domain.SyncState) (*Result, error) {
	bootstrap := state.SyncToken == ""

	listing, err := s.list(ctx, state, bootstrap)
	if err != nil {
		if out.IsSyncTokenInvalid(err) && !bootstrap {
			s.log.WithField("calendar_id", state.CalendarID).Warn("sync token invalidated, clearing cursor and bootstrapping")
			if cerr := s.syncStateRepo.ClearSyncToken(ctx, state.ID); cerr != nil {
				return nil, fmt.Errorf("failed to clear invalidated sync token: %w", cerr)
			}
			state.SyncToken = ""
			bootstrap = true
			listing, err = s.list(ctx, state, true)
		}
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Bootstrap: bootstrap}

	// Event writes and the token advance commit or roll back together: a
	// persisted token must never get ahead of the mirror.
	err = s.uow.Execute(ctx, func(tx out.SyncTx) error {
		for _, item := range listing.Items {
			if item.Status == string(domain.EventStatusCancelled) {
				flipped, err := tx.CancelEvent(ctx, item.ID)
				if err != nil {
					return fmt.Errorf("failed to cancel event %s: %w", item.ID, err)
				}
				if flipped {
					result.Cancelled++
				}
				continue
			}

			if err := tx.UpsertEvent(ctx, toUpsert(item)); err != nil {
				return fmt.Errorf("failed to upsert event %s: %w", item.ID, err)
			}
			result.Upserted++
		}

		if listing.NextSyncToken != "" && listing.NextSyncToken != state.SyncToken {
			if err := tx.SaveSyncToken(ctx, state.ID, listing.NextSyncToken); err != nil {
				return fmt.Errorf("failed to save sync token: %w", err)
			}
			result.TokenRotate = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if listing.NextSyncToken != "" {
		state.SyncToken = listing.NextSyncToken
	}

	s.log.WithFields(map[string]interface{}{
		"calendar_id": state.CalendarID,
		"upserted":    result.Upserted,
		"cancelled":   result.Cancelled,
		"bootstrap":   result.Bootstrap,
	}).Info("sync pass completed")

	return result, nil
}

// list performs the provider listing under the retry policy. Incremental
// requests carry the token alone; bootstrap requests list forward from now
// with recurring events expanded into instances.
func (s *SyncService) list(ctx context.Context, state *domain.SyncState, bootstrap bool) (*out.EventListResult, error) {
	q := &out.EventListQuery{CalendarID: state.CalendarID}
	if bootstrap {
		timeMin := time.Now()
		q.TimeMin = &timeMin
		q.SingleEvents = true
		q.OrderBy = "startTime"
	} else {
		q.SyncToken = state.SyncToken
	}

	var listing *out.EventListResult
	err := s.retryPolicy.Do("calendarsync.list", func() error {
		var lerr error
		listing, lerr = s.provider.ListEvents(ctx, q)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func toUpsert(item *out.ProviderEvent) *out.EventUpsert {
	up := &out.EventUpsert{
		ExternalID:     item.ID,
		Summary:        item.Summary,
		Description:    item.Description,
		StartTime:      item.StartTime,
		EndTime:        item.EndTime,
		Status:         domain.EventStatus(item.Status),
		OrganizerEmail: item.OrganizerEmail,
		ConferenceLink: item.ConferenceLink,
		ExternalLink:   item.HTMLLink,
	}
	if up.Status == "" {
		up.Status = domain.EventStatusConfirmed
	}
	for _, att := range item.Attendees {
		up.Attendees = append(up.Attendees, domain.Attendee{
			Email:          att.Email,
			ResponseStatus: att.ResponseStatus,
			DisplayName:    att.DisplayName,
		})
	}
	return up
}
