package provider

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"crm_server/core/port/out"
)

// =============================================================================
// Google Calendar Adapter
// =============================================================================

// GoogleCalendarAdapter implements CalendarProviderPort against the Google
// Calendar v3 API.
type GoogleCalendarAdapter struct {
	oauthConfig *oauth2.Config
	tokenSource oauth2.TokenSource
	cb          *gobreaker.CircuitBreaker
	log         zerolog.Logger
}

// NewGoogleCalendarAdapter creates a calendar adapter. The token source must
// yield tokens scoped to calendar read access.
func NewGoogleCalendarAdapter(oauthConfig *oauth2.Config, ts oauth2.TokenSource, log zerolog.Logger) *GoogleCalendarAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "google-calendar-api",
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

	return &GoogleCalendarAdapter{
		oauthConfig: oauthConfig,
		tokenSource: ts,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		log:         log.With().Str("adapter", "google_calendar").Logger(),
	}
}

func (a *GoogleCalendarAdapter) getService(ctx context.Context) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(a.tokenSource))
	if err != nil {
		return nil, a.wrapError(err, "failed to create calendar service")
	}
	return svc, nil
}

// =============================================================================
// Watch
// =============================================================================

// Watch registers a push notification channel on the calendar identified by
// req.ResourceID.
func (a *GoogleCalendarAdapter) Watch(ctx context.Context, req *out.WatchRequest) (*out.WatchResult, error) {
	svc, err := a.getService(ctx)
	if err != nil {
		return nil, err
	}

	calendarID := req.ResourceID
	if calendarID == "" {
		calendarID = "primary"
	}

	channel := &calendar.Channel{
		Id:         req.ChannelID,
		Type:       "web_hook",
		Address:    req.Address,
		Token:      req.Token,
		Expiration: req.ExpirationMs,
	}

	res, err := a.cb.Execute(func() (interface{}, error) {
		return svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to setup calendar watch")
	}
	resp := res.(*calendar.Channel)

	a.log.Info().
		Str("channel_id", resp.Id).
		Str("resource_id", resp.ResourceId).
		Int64("expiration_ms", resp.Expiration).
		Msg("calendar watch registered")

	return &out.WatchResult{
		RemoteResourceID: resp.ResourceId,
		Expiration:       time.UnixMilli(resp.Expiration),
	}, nil
}

// StopChannel stops push notifications for the given channel.
func (a *GoogleCalendarAdapter) StopChannel(ctx context.Context, channelID, remoteResourceID string) error {
	svc, err := a.getService(ctx)
	if err != nil {
		return err
	}

	channel := &calendar.Channel{
		Id:         channelID,
		ResourceId: remoteResourceID,
	}

	if _, err := a.cb.Execute(func() (interface{}, error) {
		return nil, svc.Channels.Stop(channel).Context(ctx).Do()
	}); err != nil {
		return a.wrapError(err, "failed to stop calendar watch")
	}
	return nil
}

// =============================================================================
// Listing
// =============================================================================

// ListEvents lists changed events. With a sync token the request carries the
// token alone; Google rejects tokens combined with ordering or expansion
// parameters. Pages are drained into one result.
func (a *GoogleCalendarAdapter) ListEvents(ctx context.Context, q *out.EventListQuery) (*out.EventListResult, error) {
	svc, err := a.getService(ctx)
	if err != nil {
		return nil, err
	}

	calendarID := q.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	result := &out.EventListResult{}
	pageToken := ""

	for {
		req := svc.Events.List(calendarID).Context(ctx)

		if q.SyncToken != "" {
			req = req.SyncToken(q.SyncToken)
		} else {
			if q.TimeMin != nil {
				req = req.TimeMin(q.TimeMin.Format(time.RFC3339))
			}
			if q.SingleEvents {
				req = req.SingleEvents(true)
			}
			if q.OrderBy != "" {
				req = req.OrderBy(q.OrderBy)
			}
		}
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		res, err := a.cb.Execute(func() (interface{}, error) {
			return req.Do()
		})
		if err != nil {
			return nil, a.wrapError(err, "failed to list events")
		}
		resp := res.(*calendar.Events)

		for _, item := range resp.Items {
			result.Items = append(result.Items, convertEvent(item))
		}

		if resp.NextPageToken == "" {
			result.NextSyncToken = resp.NextSyncToken
			return result, nil
		}
		pageToken = resp.NextPageToken
	}
}

// =============================================================================
// Helpers
// =============================================================================

func convertEvent(event *calendar.Event) *out.ProviderEvent {
	result := &out.ProviderEvent{
		ID:          event.Id,
		Summary:     event.Summary,
		Description: event.Description,
		Status:      event.Status,
		HTMLLink:    event.HtmlLink,
	}

	if event.Start != nil {
		if event.Start.DateTime != "" {
			t, _ := time.Parse(time.RFC3339, event.Start.DateTime)
			result.StartTime = t
		} else if event.Start.Date != "" {
			t, _ := time.Parse("2006-01-02", event.Start.Date)
			result.StartTime = t
		}
	}
	if event.End != nil {
		if event.End.DateTime != "" {
			t, _ := time.Parse(time.RFC3339, event.End.DateTime)
			result.EndTime = t
		} else if event.End.Date != "" {
			t, _ := time.Parse("2006-01-02", event.End.Date)
			result.EndTime = t
		}
	}
	if event.Updated != "" {
		t, _ := time.Parse(time.RFC3339, event.Updated)
		result.Updated = t
	}

	if event.Organizer != nil {
		result.OrganizerEmail = event.Organizer.Email
	}

	if len(event.Attendees) > 0 {
		result.Attendees = make([]*out.ProviderAttendee, len(event.Attendees))
		for i, att := range event.Attendees {
			result.Attendees[i] = &out.ProviderAttendee{
				Email:          att.Email,
				ResponseStatus: att.ResponseStatus,
				DisplayName:    att.DisplayName,
			}
		}
	}

	if event.ConferenceData != nil {
		for _, ep := range event.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				result.ConferenceLink = ep.Uri
				break
			}
		}
	}

	return result
}

func (a *GoogleCalendarAdapter) wrapError(err error, defaultMsg string) error {
	return wrapGoogleError("google_calendar", err, defaultMsg)
}

// wrapGoogleError classifies a Google API failure into a ProviderError so
// the retry policy can decide without inspecting transport details.
func wrapGoogleError(provider string, err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch {
		case apiErr.Code == 401:
			return out.NewProviderError(provider, out.ProviderErrAuth, "Token expired", err, false)
		case apiErr.Code == 403:
			if strings.Contains(apiErr.Message, "Rate Limit") || strings.Contains(apiErr.Message, "rateLimitExceeded") {
				return out.NewProviderError(provider, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(provider, out.ProviderErrAuth, "Access denied", err, false)
		case apiErr.Code == 404:
			return out.NewProviderError(provider, out.ProviderErrNotFound, "Not found", err, false)
		case apiErr.Code == 410:
			return out.NewProviderError(provider, out.ProviderErrSyncRequired, "Sync token expired", err, false)
		case apiErr.Code == 429:
			return out.NewProviderError(provider, out.ProviderErrRateLimit, "Too many requests", err, true)
		case apiErr.Code >= 500:
			return out.NewProviderError(provider, out.ProviderErrServer, "Server error", err, true)
		case apiErr.Code >= 400:
			return out.NewProviderError(provider, out.ProviderErrBadRequest, "Request rejected", err, false)
		}
	}

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return out.NewProviderError(provider, out.ProviderErrServer, "Circuit breaker open", err, true)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return out.NewProviderError(provider, out.ProviderErrNetwork, "Network failure", err, true)
	}

	return out.NewProviderError(provider, out.ProviderErrNetwork, defaultMsg, err, true)
}

// Ensure interface compliance
var _ out.CalendarProviderPort = (*GoogleCalendarAdapter)(nil)
