package http

import (
	"realtime_server/core/port/in"
	"realtime_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// ChannelHandler exposes channel statistics, presence and node analytics.
type ChannelHandler struct {
	stats in.StatsReader
}

func NewChannelHandler(stats in.StatsReader) *ChannelHandler {
	return &ChannelHandler{stats: stats}
}

func (h *ChannelHandler) Register(router fiber.Router, mw ...fiber.Handler) {
	router.Get("/channels/:name/stats", chain(mw, h.Stats)...)
	router.Get("/channels/:name/presence", chain(mw, h.Presence)...)
	router.Get("/analytics", chain(mw, h.Analytics)...)
}

func (h *ChannelHandler) Stats(c *fiber.Ctx) error {
	name := c.Params("name")
	stats, ok := h.stats.ChannelStats(name)
	if !ok {
		return apperr.NotFound("channel " + name)
	}
	return SuccessResponse(c, stats)
}

// Presence lists the users subscribed to a channel, one entry per user.
func (h *ChannelHandler) Presence(c *fiber.Ctx) error {
	name := c.Params("name")
	members, ok := h.stats.Presence(name)
	if !ok {
		return apperr.NotFound("channel " + name)
	}
	return SuccessResponse(c, fiber.Map{
		"channel": name,
		"members": members,
		"count":   len(members),
	})
}

func (h *ChannelHandler) Analytics(c *fiber.Ctx) error {
	return SuccessResponse(c, h.stats.Analytics(c.UserContext()))
}
