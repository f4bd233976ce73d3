package worker

import (
	"context"
	"time"

	"crm_server/core/domain"
	"crm_server/core/service/channels"
	"crm_server/pkg/logger"
)

// =============================================================================
// ChannelRenewScheduler - watch channel renewal loop
// =============================================================================
//
// Google watch channels expire after at most 7 days and cannot be extended
// in place. The scheduler scans for subscriptions expiring within the
// lookahead window and rotates each one to a fresh channel.

type syncStateSource interface {
	ListExpiring(ctx context.Context, before time.Time) ([]*domain.SyncState, error)
}

type channelRenewer interface {
	Renew(ctx context.Context, channelID string) (*domain.Channel, error)
}

type ChannelRenewScheduler struct {
	syncStates    syncStateSource
	channels      channelRenewer
	checkInterval time.Duration
	lookahead     time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewChannelRenewScheduler creates a renewal scheduler. Defaults: check every
// 6 hours, renew anything expiring within 24 hours.
func NewChannelRenewScheduler(syncStates syncStateSource, channelService *channels.ChannelService) *ChannelRenewScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelRenewScheduler{
		syncStates:    syncStates,
		channels:      channelService,
		checkInterval: 6 * time.Hour,
		lookahead:     24 * time.Hour,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the renewal loop.
func (s *ChannelRenewScheduler) Start() {
	logger.Info("[ChannelRenewScheduler] Starting with interval %v, lookahead %v", s.checkInterval, s.lookahead)
	go s.run()
}

// Stop stops the renewal loop.
func (s *ChannelRenewScheduler) Stop() {
	logger.Info("[ChannelRenewScheduler] Stopping...")
	s.cancel()
}

func (s *ChannelRenewScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// 시작 시 즉시 한 번 체크
	s.RenewExpiring()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[ChannelRenewScheduler] Stopped")
			return
		case <-ticker.C:
			s.RenewExpiring()
		}
	}
}

// RenewExpiring runs one renewal pass. A failure on one subscription is
// logged and never blocks the rest of the batch; the failed row is picked
// up again on the next tick.
func (s *ChannelRenewScheduler) RenewExpiring() (renewed, failed int) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	expiring, err := s.syncStates.ListExpiring(ctx, time.Now().Add(s.lookahead))
	if err != nil {
		logger.Error("[ChannelRenewScheduler] Failed to list expiring channels: %v", err)
		return 0, 0
	}
	if len(expiring) == 0 {
		return 0, 0
	}

	logger.Info("[ChannelRenewScheduler] Found %d channels to renew", len(expiring))

	for _, state := range expiring {
		if _, err := s.channels.Renew(ctx, state.ChannelID); err != nil {
			failed++
			logger.WithError(err).WithField("channel_id", state.ChannelID).
				Error("[ChannelRenewScheduler] Renewal failed")
			continue
		}
		renewed++
	}

	if failed > 0 {
		logger.Warn("[ChannelRenewScheduler] Pass completed: %d renewed, %d failed", renewed, failed)
	} else {
		logger.Info("[ChannelRenewScheduler] Pass completed: %d renewed", renewed)
	}
	return renewed, failed
}

// SetCheckInterval sets the check interval (for testing).
func (s *ChannelRenewScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

// SetLookahead sets the renewal lookahead window (for testing).
func (s *ChannelRenewScheduler) SetLookahead(d time.Duration) {
	s.lookahead = d
}
