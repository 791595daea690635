package http

import (
	"realtime_server/core/port/in"
	"realtime_server/core/service/realtime"
	"realtime_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// TokenHandler lets business services revoke tokens they issued.
type TokenHandler struct {
	revoker in.TokenRevoker
	hub     *realtime.Hub
	log     zerolog.Logger
}

func NewTokenHandler(revoker in.TokenRevoker, hub *realtime.Hub, log zerolog.Logger) *TokenHandler {
	return &TokenHandler{
		revoker: revoker,
		hub:     hub,
		log:     log.With().Str("handler", "token").Logger(),
	}
}

// Register registers token routes behind mw.
func (h *TokenHandler) Register(router fiber.Router, mw ...fiber.Handler) {
	tokens := router.Group("/tokens", mw...)
	tokens.Post("/revoke", h.Revoke)
}

type revokeRequest struct {
	Token string `json:"token"`
}

// Revoke blacklists a token and closes this node's connections opened with its
// session. Every node refuses the token from then on.
func (h *TokenHandler) Revoke(c *fiber.Ctx) error {
	var req revokeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid revoke body").WithError(err)
	}
	if req.Token == "" {
		return apperr.BadRequest("token is required")
	}

	p, err := h.revoker.Revoke(c.UserContext(), req.Token)
	if err != nil {
		return err
	}
	closed := h.hub.DisconnectSession(c.UserContext(), p.UserID, p.SessionID, "token revoked")

	h.log.Info().Str("user_id", p.UserID).Str("session_id", p.SessionID).Int("disconnected", closed).Msg("token revoked")
	return SuccessResponse(c, fiber.Map{
		"user_id":      p.UserID,
		"session_id":   p.SessionID,
		"disconnected": closed,
	})
}
