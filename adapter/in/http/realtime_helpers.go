package http

import (
	"time"

	"realtime_server/core/domain"
	"realtime_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// =============================================================================
// Standardized Response Helpers
// =============================================================================

// APIResponse represents a standard API response. Errors are rendered by the
// middleware error handler in the same envelope.
type APIResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusOK, data)
}

// AcceptedResponse acknowledges work handed to asynchronous delivery.
func AcceptedResponse(c *fiber.Ctx, data any) error {
	return respond(c, fiber.StatusAccepted, data)
}

func respond(c *fiber.Ctx, status int, data any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// chain appends handler to a copy of mw. Route-level middleware keeps
// prefix-less groups from leaking onto sibling routes.
func chain(mw []fiber.Handler, handler fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(mw)+1)
	out = append(out, mw...)
	return append(out, handler)
}

// GetPrincipal extracts the principal stored by the auth middleware.
func GetPrincipal(c *fiber.Ctx) (domain.Principal, error) {
	p, ok := c.Locals("principal").(domain.Principal)
	if !ok || !p.Authenticated() {
		return domain.Principal{}, apperr.Unauthorized("authentication required")
	}
	return p, nil
}
