package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/pkg/logger"
	"crm_server/pkg/retry"
)

// ProviderResolver picks the provider port able to serve a resource type.
type ProviderResolver interface {
	ForResourceType(rt domain.ResourceType) (out.CalendarProviderPort, error)
}

// Config carries the webhook endpoint identity and channel lifetime.
type Config struct {
	WebhookAddress string        // public callback URL Google pushes to
	WebhookToken   string        // shared secret echoed on deliveries
	ChannelTTL     time.Duration // requested channel lifetime
}

// =============================================================================
// ChannelService - watch channel lifecycle
// =============================================================================

// ChannelService owns registration, renewal and teardown of push channels.
type ChannelService struct {
	channelRepo   domain.ChannelRepository
	syncStateRepo domain.SyncStateRepository
	providers     ProviderResolver
	cfg           Config
	retryPolicy   retry.Policy
	log           *logger.Logger
}

func NewChannelService(
	channelRepo domain.ChannelRepository,
	syncStateRepo domain.SyncStateRepository,
	providers ProviderResolver,
	cfg Config,
) *ChannelService {
	return &ChannelService{
		channelRepo:   channelRepo,
		syncStateRepo: syncStateRepo,
		providers:     providers,
		cfg:           cfg,
		retryPolicy:   retry.DefaultPolicy(),
		log:           logger.Default().WithField("service", "channels"),
	}
}

// =============================================================================
// Register
// =============================================================================

// Register starts watching a resource. Registration is idempotent: when an
// active unexpired channel already watches the resource it is returned as-is
// and no remote call happens. Expired rows are swept before the check so a
// stale registration never blocks a fresh one.
func (s *ChannelService) Register(ctx context.Context, watchedResourceID string, rt domain.ResourceType) (*domain.Channel, error) {
	if watchedResourceID == "" {
		return nil, fmt.Errorf("watched resource id is required")
	}

	if _, err := s.channelRepo.DeactivateExpired(ctx, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sweep expired channels: %w", err)
	}

	existing, err := s.channelRepo.GetActiveByWatchedResource(ctx, watchedResourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing channel: %w", err)
	}
	if existing != nil {
		s.log.WithField("channel_id", existing.ChannelID).Debug("register short-circuit: channel already active")
		return existing, nil
	}

	return s.establish(ctx, watchedResourceID, rt)
}

// establish performs the remote watch call and persists the resulting channel.
func (s *ChannelService) establish(ctx context.Context, watchedResourceID string, rt domain.ResourceType) (*domain.Channel, error) {
	prov, err := s.providers.ForResourceType(rt)
	if err != nil {
		return nil, err
	}

	channelID := uuid.New().String()
	expiration := time.Now().Add(s.cfg.ChannelTTL)

	var result *out.WatchResult
	err = s.retryPolicy.Do("channels.watch", func() error {
		var werr error
		result, werr = prov.Watch(ctx, &out.WatchRequest{
			ResourceID:   watchedResourceID,
			ChannelID:    channelID,
			Address:      s.cfg.WebhookAddress,
			Token:        s.cfg.WebhookToken,
			ExpirationMs: expiration.UnixMilli(),
		})
		return werr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to establish watch: %w", err)
	}

	expiresAt := result.Expiration
	if expiresAt.IsZero() {
		expiresAt = expiration
	}

	channel := &domain.Channel{
		ChannelID:         channelID,
		RemoteResourceID:  result.RemoteResourceID,
		WatchedResourceID: watchedResourceID,
		ResourceType:      rt,
		ExpiresAt:         expiresAt,
		Active:            true,
	}
	if err := s.channelRepo.Create(ctx, channel); err != nil {
		return nil, fmt.Errorf("failed to persist channel: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"channel_id":  channel.ChannelID,
		"resource":    watchedResourceID,
		"resource_ty": string(rt),
		"expires_at":  channel.ExpiresAt,
	}).Info("watch channel registered")

	return channel, nil
}

// RegisterCalendar starts watching a calendar and creates its sync state row
// in bootstrap state when one does not exist yet.
func (s *ChannelService) RegisterCalendar(ctx context.Context, calendarID string) (*domain.Channel, error) {
	if calendarID == "" {
		calendarID = "primary"
	}

	channel, err := s.Register(ctx, calendarID, domain.ResourceTypeCalendar)
	if err != nil {
		return nil, err
	}

	state, err := s.syncStateRepo.GetByChannelID(ctx, channel.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to check sync state: %w", err)
	}
	if state == nil {
		state = &domain.SyncState{
			ChannelID:        channel.ChannelID,
			RemoteResourceID: channel.RemoteResourceID,
			CalendarID:       calendarID,
			Expiration:       channel.ExpiresAt,
			Active:           true,
		}
		if err := s.syncStateRepo.Create(ctx, state); err != nil {
			return nil, fmt.Errorf("failed to create sync state: %w", err)
		}
	}

	return channel, nil
}

// =============================================================================
// Renew
// =============================================================================

// Renew replaces a channel nearing expiry with a fresh one. Google channels
// cannot be extended in place, so renewal is a new watch plus a best-effort
// stop of the old channel. The sync cursor survives the rotation.
func (s *ChannelService) Renew(ctx context.Context, channelID string) (*domain.Channel, error) {
	old, err := s.channelRepo.GetByChannelID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if old == nil {
		return nil, fmt.Errorf("channel not found: %s", channelID)
	}

	fresh, err := s.establish(ctx, old.WatchedResourceID, old.ResourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to renew channel %s: %w", channelID, err)
	}

	// Old channel teardown is best-effort; it expires on its own anyway.
	s.stopRemote(ctx, old)
	if err := s.channelRepo.Deactivate(ctx, old.ChannelID); err != nil {
		s.log.WithError(err).WithField("channel_id", old.ChannelID).Warn("failed to deactivate replaced channel")
	}

	if old.ResourceType == domain.ResourceTypeCalendar {
		state, err := s.syncStateRepo.GetByChannelID(ctx, old.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sync state: %w", err)
		}
		if state != nil {
			if err := s.syncStateRepo.ReplaceChannel(ctx, state.ID, fresh.ChannelID, fresh.RemoteResourceID, fresh.ExpiresAt); err != nil {
				return nil, fmt.Errorf("failed to rotate sync state channel: %w", err)
			}
		}
	}

	s.log.WithFields(map[string]interface{}{
		"old_channel": old.ChannelID,
		"new_channel": fresh.ChannelID,
	}).Info("watch channel renewed")

	return fresh, nil
}

// =============================================================================
// Stop
// =============================================================================

// Stop tears a channel down. The remote stop is best-effort: a provider
// failure is logged and swallowed because the channel expires on its own,
// but the local row is always deactivated. Returns false when no channel
// with the given id exists, so callers can tell "stopped" from "unknown".
func (s *ChannelService) Stop(ctx context.Context, channelID string) (bool, error) {
	channel, err := s.channelRepo.GetByChannelID(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("failed to load channel: %w", err)
	}
	if channel == nil {
		return false, nil
	}

	s.stopRemote(ctx, channel)

	if err := s.channelRepo.Deactivate(ctx, channelID); err != nil {
		return false, fmt.Errorf("failed to deactivate channel: %w", err)
	}

	if channel.ResourceType == domain.ResourceTypeCalendar {
		state, err := s.syncStateRepo.GetByChannelID(ctx, channelID)
		if err != nil {
			return false, fmt.Errorf("failed to load sync state: %w", err)
		}
		if state != nil {
			if err := s.syncStateRepo.Deactivate(ctx, state.ID); err != nil {
				return false, fmt.Errorf("failed to deactivate sync state: %w", err)
			}
		}
	}

	s.log.WithField("channel_id", channelID).Info("watch channel stopped")
	return true, nil
}

func (s *ChannelService) stopRemote(ctx context.Context, channel *domain.Channel) {
	prov, err := s.providers.ForResourceType(channel.ResourceType)
	if err != nil {
		s.log.WithError(err).WithField("channel_id", channel.ChannelID).Warn("no provider for channel stop")
		return
	}
	if err := prov.StopChannel(ctx, channel.ChannelID, channel.RemoteResourceID); err != nil {
		s.log.WithError(err).WithField("channel_id", channel.ChannelID).Warn("remote channel stop failed, channel will expire naturally")
	}
}

// =============================================================================
// Queries / Maintenance
// =============================================================================

// ListActive returns every active, unexpired channel.
func (s *ChannelService) ListActive(ctx context.Context) ([]*domain.Channel, error) {
	return s.channelRepo.ListActive(ctx)
}

// CleanupExpired deactivates every expired channel row and returns the count.
func (s *ChannelService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.channelRepo.DeactivateExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired channels: %w", err)
	}
	if n > 0 {
		s.log.WithField("count", n).Info("expired channels deactivated")
	}
	return n, nil
}
