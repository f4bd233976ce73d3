package out

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// CalendarProviderPort - outbound port for the remote watch/list surface
// =============================================================================

// WatchRequest asks the provider to start pushing notifications for a resource.
type WatchRequest struct {
	ResourceID   string // watched folder/file/calendar id
	ChannelID    string // locally generated channel id
	Address      string // webhook callback URL
	Token        string // optional shared secret echoed back on deliveries
	ExpirationMs int64  // requested expiry, unix millis
}

// WatchResult is the provider's answer to a watch call.
type WatchResult struct {
	RemoteResourceID string
	Expiration       time.Time
}

// EventListQuery covers both listing modes. When SyncToken is set the
// adapter must not send ordering/expansion parameters; the protocol
// rejects combining them with a token.
type EventListQuery struct {
	CalendarID   string
	SyncToken    string
	TimeMin      *time.Time
	SingleEvents bool
	OrderBy      string
}

// ProviderAttendee is one participant as the provider reports it.
type ProviderAttendee struct {
	Email          string
	ResponseStatus string
	DisplayName    string
}

// ProviderEvent is a full event representation from the provider. Deliveries
// always carry complete state, never diffs.
type ProviderEvent struct {
	ID             string
	Summary        string
	Description    string
	StartTime      time.Time
	EndTime        time.Time
	Status         string
	OrganizerEmail string
	Attendees      []*ProviderAttendee
	ConferenceLink string
	HTMLLink       string
	Updated        time.Time
}

// EventListResult is the aggregated result of a listing call.
type EventListResult struct {
	Items         []*ProviderEvent
	NextSyncToken string
}

// CalendarProviderPort is the remote client surface consumed by the channel
// manager and sync engine. Implementations: real Google adapters and the
// in-memory fakes used by tests.
type CalendarProviderPort interface {
	Watch(ctx context.Context, req *WatchRequest) (*WatchResult, error)
	StopChannel(ctx context.Context, channelID, remoteResourceID string) error
	ListEvents(ctx context.Context, q *EventListQuery) (*EventListResult, error)
}

// =============================================================================
// ProviderError
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"    // 429, retryable
	ProviderErrServer       ProviderErrorCode = "server"        // 5xx, retryable
	ProviderErrNetwork      ProviderErrorCode = "network"       // connection/timeout, retryable
	ProviderErrSyncRequired ProviderErrorCode = "sync_required" // 410 / token invalid
	ProviderErrNotFound     ProviderErrorCode = "not_found"     // 404, permanent
	ProviderErrAuth         ProviderErrorCode = "auth"          // 401/403, permanent
	ProviderErrBadRequest   ProviderErrorCode = "bad_request"   // other 4xx, permanent
)

// ProviderError classifies a remote failure for the retry policy.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a classified provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsSyncTokenInvalid reports whether the error means the stored sync cursor
// is no longer accepted and a bootstrap listing is required.
func IsSyncTokenInvalid(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrSyncRequired
}

// IsRetryable reports whether the error was classified transient.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}
