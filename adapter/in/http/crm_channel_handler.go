package http

import (
	"github.com/gofiber/fiber/v2"

	"crm_server/core/domain"
	"crm_server/core/service/channels"
	"crm_server/pkg/apperr"
	"crm_server/pkg/response"
	"crm_server/pkg/retry"
)

// =============================================================================
// ChannelHandler - watch channel management API
// =============================================================================

type ChannelHandler struct {
	channelService *channels.ChannelService
	changeLogRepo  domain.ChangeLogRepository
	eventRepo      domain.EventRepository
	webhookHandler *WebhookHandler
}

func NewChannelHandler(
	channelService *channels.ChannelService,
	changeLogRepo domain.ChangeLogRepository,
	eventRepo domain.EventRepository,
	webhookHandler *WebhookHandler,
) *ChannelHandler {
	return &ChannelHandler{
		channelService: channelService,
		changeLogRepo:  changeLogRepo,
		eventRepo:      eventRepo,
		webhookHandler: webhookHandler,
	}
}

func (h *ChannelHandler) Register(router fiber.Router) {
	ch := router.Group("/channels")
	ch.Post("/watch", h.Watch)
	ch.Post("/calendar/watch", h.WatchCalendar)
	ch.Post("/cleanup", h.Cleanup)
	ch.Get("/", h.List)
	ch.Get("/metrics", h.Metrics)
	ch.Post("/:channel_id/renew", h.Renew)
	ch.Get("/:channel_id/changes", h.Changes)
	ch.Delete("/:channel_id", h.Stop)

	ev := router.Group("/events")
	ev.Get("/", h.ListEvents)
	ev.Get("/:external_id", h.GetEvent)
}

// =============================================================================
// Channel lifecycle
// =============================================================================

type watchRequest struct {
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type"`
}

func (h *ChannelHandler) Watch(c *fiber.Ctx) error {
	var req watchRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.ResourceID == "" {
		return apperr.MissingField("resource_id")
	}

	rt := domain.ResourceType(req.ResourceType)
	switch rt {
	case domain.ResourceTypeFolder, domain.ResourceTypeFile:
	case "":
		rt = domain.ResourceTypeFolder
	default:
		return apperr.ValidationFailed("resource_type must be folder or file")
	}

	channel, err := h.channelService.Register(c.Context(), req.ResourceID, rt)
	if err != nil {
		return h.mapServiceError(err)
	}
	return response.Created(c, channel)
}

type watchCalendarRequest struct {
	CalendarID string `json:"calendar_id"`
}

func (h *ChannelHandler) WatchCalendar(c *fiber.Ctx) error {
	var req watchCalendarRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return apperr.BadRequest("invalid request body")
	}

	channel, err := h.channelService.RegisterCalendar(c.Context(), req.CalendarID)
	if err != nil {
		return h.mapServiceError(err)
	}
	return response.Created(c, channel)
}

func (h *ChannelHandler) Renew(c *fiber.Ctx) error {
	channelID := c.Params("channel_id")
	channel, err := h.channelService.Renew(c.Context(), channelID)
	if err != nil {
		return h.mapServiceError(err)
	}
	return response.OK(c, channel)
}

func (h *ChannelHandler) Stop(c *fiber.Ctx) error {
	channelID := c.Params("channel_id")
	found, err := h.channelService.Stop(c.Context(), channelID)
	if err != nil {
		return h.mapServiceError(err)
	}
	if !found {
		return apperr.NotFound("channel")
	}
	return response.NoContent(c)
}

func (h *ChannelHandler) List(c *fiber.Ctx) error {
	active, err := h.channelService.ListActive(c.Context())
	if err != nil {
		return apperr.DatabaseError("list channels", err)
	}
	return response.OK(c, fiber.Map{
		"channels": active,
		"total":    len(active),
	})
}

func (h *ChannelHandler) Cleanup(c *fiber.Ctx) error {
	n, err := h.channelService.CleanupExpired(c.Context())
	if err != nil {
		return apperr.DatabaseError("cleanup channels", err)
	}
	return response.OK(c, fiber.Map{"deactivated": n})
}

// =============================================================================
// Change log / events
// =============================================================================

func (h *ChannelHandler) Changes(c *fiber.Ctx) error {
	channelID := c.Params("channel_id")
	limit := c.QueryInt("limit", 100)

	entries, err := h.changeLogRepo.ListByChannel(c.Context(), channelID, limit)
	if err != nil {
		return apperr.DatabaseError("list changes", err)
	}
	total, err := h.changeLogRepo.CountByChannel(c.Context(), channelID)
	if err != nil {
		return apperr.DatabaseError("count changes", err)
	}

	return response.OK(c, fiber.Map{
		"changes": entries,
		"total":   total,
	})
}

func (h *ChannelHandler) ListEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	events, err := h.eventRepo.List(c.Context(), limit, offset)
	if err != nil {
		return apperr.DatabaseError("list events", err)
	}
	return response.OK(c, fiber.Map{
		"events": events,
		"count":  len(events),
	})
}

func (h *ChannelHandler) GetEvent(c *fiber.Ctx) error {
	ev, err := h.eventRepo.GetByExternalID(c.Context(), c.Params("external_id"))
	if err != nil {
		return apperr.DatabaseError("get event", err)
	}
	if ev == nil {
		return apperr.NotFound("event")
	}
	return response.OK(c, ev)
}

func (h *ChannelHandler) Metrics(c *fiber.Ctx) error {
	m := h.webhookHandler.GetMetrics()
	return response.OK(c, fiber.Map{
		"processed":  m.Processed,
		"duplicates": m.Duplicates,
		"ignored":    m.Ignored,
		"errors":     m.Errors,
	})
}

// mapServiceError keeps provider failures distinguishable from storage ones.
func (h *ChannelHandler) mapServiceError(err error) error {
	if apperr.IsAppError(err) {
		return err
	}
	if retry.IsExhausted(err) {
		return apperr.Wrap(err, apperr.CodeRetryExhausted, "provider kept failing", fiber.StatusBadGateway)
	}
	return apperr.InternalWithError(err)
}
