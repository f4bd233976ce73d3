package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"crm_server/core/port/out"
)

// =============================================================================
// Google Drive Adapter
// =============================================================================

// GoogleDriveAdapter implements the watch side of CalendarProviderPort for
// Drive folders and files. Drive deliveries carry the changed resource in
// the notification URI, so ListEvents is not part of this surface.
type GoogleDriveAdapter struct {
	oauthConfig *oauth2.Config
	tokenSource oauth2.TokenSource
	cb          *gobreaker.CircuitBreaker
	log         zerolog.Logger
}

// NewGoogleDriveAdapter creates a Drive adapter.
func NewGoogleDriveAdapter(oauthConfig *oauth2.Config, ts oauth2.TokenSource, log zerolog.Logger) *GoogleDriveAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "google-drive-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &GoogleDriveAdapter{
		oauthConfig: oauthConfig,
		tokenSource: ts,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		log:         log.With().Str("adapter", "google_drive").Logger(),
	}
}

func (a *GoogleDriveAdapter) getService(ctx context.Context) (*drive.Service, error) {
	svc, err := drive.NewService(ctx, option.WithTokenSource(a.tokenSource))
	if err != nil {
		return nil, a.wrapError(err, "failed to create drive service")
	}
	return svc, nil
}

// Watch registers a push notification channel on a Drive file or folder.
func (a *GoogleDriveAdapter) Watch(ctx context.Context, req *out.WatchRequest) (*out.WatchResult, error) {
	svc, err := a.getService(ctx)
	if err != nil {
		return nil, err
	}

	channel := &drive.Channel{
		Id:         req.ChannelID,
		Type:       "web_hook",
		Address:    req.Address,
		Token:      req.Token,
		Expiration: req.ExpirationMs,
	}

	res, err := a.cb.Execute(func() (interface{}, error) {
		return svc.Files.Watch(req.ResourceID, channel).Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to setup drive watch")
	}
	resp := res.(*drive.Channel)

	a.log.Info().
		Str("channel_id", resp.Id).
		Str("resource_id", resp.ResourceId).
		Msg("drive watch registered")

	return &out.WatchResult{
		RemoteResourceID: resp.ResourceId,
		Expiration:       time.UnixMilli(resp.Expiration),
	}, nil
}

// StopChannel stops push notifications for the given channel.
func (a *GoogleDriveAdapter) StopChannel(ctx context.Context, channelID, remoteResourceID string) error {
	svc, err := a.getService(ctx)
	if err != nil {
		return err
	}

	channel := &drive.Channel{
		Id:         channelID,
		ResourceId: remoteResourceID,
	}

	if _, err := a.cb.Execute(func() (interface{}, error) {
		return nil, svc.Channels.Stop(channel).Context(ctx).Do()
	}); err != nil {
		return a.wrapError(err, "failed to stop drive watch")
	}
	return nil
}

// ListEvents is not supported on Drive resources.
func (a *GoogleDriveAdapter) ListEvents(ctx context.Context, q *out.EventListQuery) (*out.EventListResult, error) {
	return nil, out.NewProviderError("google_drive", out.ProviderErrBadRequest,
		"event listing is not supported for drive resources", nil, false)
}

func (a *GoogleDriveAdapter) wrapError(err error, defaultMsg string) error {
	return wrapGoogleError("google_drive", err, defaultMsg)
}

// Ensure interface compliance
var _ out.CalendarProviderPort = (*GoogleDriveAdapter)(nil)
