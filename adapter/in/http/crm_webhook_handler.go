package http

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"crm_server/core/domain"
	"crm_server/core/service/calendarsync"
	"crm_server/pkg/logger"
)

const (
	IdempotencyTTL = 5 * time.Minute
	SyncLockTTL    = 2 * time.Minute
)

// Headers Google sets on every push delivery.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderResourceURI   = "X-Goog-Resource-URI"
	HeaderMessageNumber = "X-Goog-Message-Number"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderChanged       = "X-Goog-Changed"
)

type WebhookMetrics struct {
	Processed  int64
	Duplicates int64
	Ignored    int64
	Errors     int64
}

// WebhookHandler receives Google push notifications. Validation failures get
// real error statuses; everything past validation acks 200 so Google never
// retries a delivery we already recorded.
type WebhookHandler struct {
	channelRepo   domain.ChannelRepository
	changeLogRepo domain.ChangeLogRepository
	syncService   *calendarsync.SyncService
	redis         *redis.Client
	webhookToken  string
	metrics       WebhookMetrics
}

func NewWebhookHandler(
	channelRepo domain.ChannelRepository,
	changeLogRepo domain.ChangeLogRepository,
	syncService *calendarsync.SyncService,
	redisClient *redis.Client,
	webhookToken string,
) *WebhookHandler {
	return &WebhookHandler{
		channelRepo:   channelRepo,
		changeLogRepo: changeLogRepo,
		syncService:   syncService,
		redis:         redisClient,
		webhookToken:  webhookToken,
	}
}

func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Processed:  atomic.LoadInt64(&h.metrics.Processed),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Ignored:    atomic.LoadInt64(&h.metrics.Ignored),
		Errors:     atomic.LoadInt64(&h.metrics.Errors),
	}
}

func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhook/google", h.GoogleWebhook)
	app.Post("/webhooks/google", h.GoogleWebhook)
}

// =============================================================================
// Google push delivery
// =============================================================================

// GoogleWebhook handles one push delivery from Google (Drive or Calendar).
func (h *WebhookHandler) GoogleWebhook(c *fiber.Ctx) error {
	channelID := c.Get(HeaderChannelID)
	resourceID := c.Get(HeaderResourceID)
	resourceState := c.Get(HeaderResourceState)

	// 필수 헤더 검증
	if channelID == "" || resourceID == "" || resourceState == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status": "error",
			"reason": "missing_required_headers",
		})
	}

	ctx := c.Context()

	channel, err := h.channelRepo.GetActive(ctx, channelID, resourceID)
	if err != nil {
		// Lookup failure is ours, not Google's; still ack so the delivery
		// is not retried into the same failure.
		atomic.AddInt64(&h.metrics.Errors, 1)
		logger.WithError(err).Error("[GoogleWebhook] Channel lookup failed: %s", channelID)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "error"})
	}
	if channel == nil {
		// Stale or forged channel id. Acked without a log row so a stopped
		// channel draining its last notifications stays silent.
		atomic.AddInt64(&h.metrics.Ignored, 1)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ignored",
			"reason": "unknown_channel",
		})
	}

	if h.webhookToken != "" && c.Get(HeaderChannelToken) != h.webhookToken {
		logger.Warn("[GoogleWebhook] Token mismatch on channel %s", channelID)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"status": "error",
			"reason": "invalid_channel_token",
		})
	}

	// The initial sync message confirms the subscription; nothing changed.
	if resourceState == domain.ResourceStateSync {
		logger.Info("[GoogleWebhook] Sync handshake for channel %s", channelID)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	}

	entry := &domain.ChangeLogEntry{
		ChannelID:         channelID,
		RemoteResourceID:  resourceID,
		ResourceState:     resourceState,
		ChangedResourceID: extractChangedResourceID(c.Get(HeaderResourceURI)),
		EventType:         c.Get(HeaderChanged),
		RawHeaders:        marshalDeliveryHeaders(c),
	}
	if err := h.changeLogRepo.Create(ctx, entry); err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		logger.WithError(err).Error("[GoogleWebhook] Failed to record change: %s", channelID)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "error"})
	}

	atomic.AddInt64(&h.metrics.Processed, 1)

	if entry.ChangedResourceID != "" && entry.ChangedResourceID == channel.WatchedResourceID {
		logger.Info("[GoogleWebhook] Change touches watched %s %s directly",
			channel.ResourceType, channel.WatchedResourceID)
	}

	if channel.ResourceType == domain.ResourceTypeCalendar {
		h.triggerCalendarSync(channelID, c.Get(HeaderMessageNumber))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// triggerCalendarSync kicks an incremental sync pass off the request path.
// Redis deduplication collapses redelivered messages; the sync lock keeps a
// burst of notifications from stacking concurrent passes.
func (h *WebhookHandler) triggerCalendarSync(channelID, messageNumber string) {
	ctx := context.Background()

	if messageNumber != "" && h.isDuplicate(ctx, channelID, messageNumber) {
		logger.Debug("[GoogleWebhook] Duplicate delivery skipped: channel=%s msg=%s", channelID, messageNumber)
		return
	}
	if !h.acquireSyncLock(ctx, channelID) {
		logger.Debug("[GoogleWebhook] Sync already running for channel %s", channelID)
		return
	}

	go func() {
		defer h.releaseSyncLock(context.Background(), channelID)

		syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := h.syncService.SyncByChannelID(syncCtx, channelID); err != nil {
			atomic.AddInt64(&h.metrics.Errors, 1)
			logger.WithError(err).Error("[GoogleWebhook] Calendar sync failed: %s", channelID)
		}
	}()
}

func (h *WebhookHandler) isDuplicate(ctx context.Context, channelID, messageNumber string) bool {
	if h.redis == nil {
		return false
	}
	key := fmt.Sprintf("webhook:idempotent:%s:%s", channelID, messageNumber)
	ok, err := h.redis.SetNX(ctx, key, "1", IdempotencyTTL).Result()
	if err != nil || !ok {
		atomic.AddInt64(&h.metrics.Duplicates, 1)
		return true
	}
	return false
}

func (h *WebhookHandler) acquireSyncLock(ctx context.Context, channelID string) bool {
	if h.redis == nil {
		return true
	}
	key := fmt.Sprintf("webhook:synclock:%s", channelID)
	ok, err := h.redis.SetNX(ctx, key, "1", SyncLockTTL).Result()
	return err == nil && ok
}

func (h *WebhookHandler) releaseSyncLock(ctx context.Context, channelID string) {
	if h.redis == nil {
		return
	}
	_ = h.redis.Del(ctx, fmt.Sprintf("webhook:synclock:%s", channelID))
}

// extractChangedResourceID pulls the changed file id out of a Drive resource
// URI like https://www.googleapis.com/drive/v3/files/<id>?alt=json. Calendar
// URIs have no per-file segment and yield "".
func extractChangedResourceID(resourceURI string) string {
	if resourceURI == "" {
		return ""
	}
	idx := strings.Index(resourceURI, "/files/")
	if idx < 0 {
		return ""
	}
	id := resourceURI[idx+len("/files/"):]
	if q := strings.IndexByte(id, '?'); q >= 0 {
		id = id[:q]
	}
	if s := strings.IndexByte(id, '/'); s >= 0 {
		id = id[:s]
	}
	return id
}

// marshalDeliveryHeaders captures the delivery headers verbatim for the audit
// trail.
func marshalDeliveryHeaders(c *fiber.Ctx) []byte {
	headers := map[string]string{}
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil
	}
	return raw
}
