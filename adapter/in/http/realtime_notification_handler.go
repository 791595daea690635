package http

import (
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// NotificationHandler accepts notifications from business services.
type NotificationHandler struct {
	notifier in.Notifier
	log      zerolog.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(notifier in.Notifier, log zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifier: notifier,
		log:      log.With().Str("handler", "notification").Logger(),
	}
}

// Register registers notification routes behind mw.
func (h *NotificationHandler) Register(router fiber.Router, mw ...fiber.Handler) {
	notifications := router.Group("/notifications", mw...)

	notifications.Post("/users/:userId", h.NotifyUser)
	notifications.Post("/roles/:role", h.NotifyRole)
	notifications.Post("/broadcast", h.Broadcast)
}

// NotifyUser delivers to every connection of one user, queueing when offline.
func (h *NotificationHandler) NotifyUser(c *fiber.Ctx) error {
	n, err := parseNotification(c)
	if err != nil {
		return err
	}
	id, err := h.notifier.NotifyUser(c.UserContext(), c.Params("userId"), n)
	if err != nil {
		return err
	}
	return AcceptedResponse(c, fiber.Map{"id": id})
}

// NotifyRole delivers to connected holders of a role.
func (h *NotificationHandler) NotifyRole(c *fiber.Ctx) error {
	n, err := parseNotification(c)
	if err != nil {
		return err
	}
	id, err := h.notifier.NotifyRole(c.UserContext(), c.Params("role"), n)
	if err != nil {
		return err
	}
	return AcceptedResponse(c, fiber.Map{"id": id})
}

// Broadcast delivers to every connection on every node.
func (h *NotificationHandler) Broadcast(c *fiber.Ctx) error {
	n, err := parseNotification(c)
	if err != nil {
		return err
	}
	id, err := h.notifier.Broadcast(c.UserContext(), n)
	if err != nil {
		return err
	}
	h.log.Info().Str("notification_id", id).Str("type", string(n.Type)).Msg("broadcast accepted")
	return AcceptedResponse(c, fiber.Map{"id": id})
}

func parseNotification(c *fiber.Ctx) (*domain.Notification, error) {
	var req domain.NotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, apperr.BadRequest("invalid notification body").WithError(err)
	}
	return req.Notification(time.Now()), nil
}
