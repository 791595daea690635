package middleware

import (
	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

const principalKey = "principal"

// ServiceAuth admits only callers whose token carries the service
// permission. Browsers have no business on these routes.
func ServiceAuth(resolver in.IdentityResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		p, err := resolver.Resolve(c.UserContext(), c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		if !p.Authenticated() {
			return apperr.Unauthorized("missing or invalid service token")
		}
		if !p.Permissions.Has(domain.PermissionService) {
			logger.WithField("caller", p.UserID).Warn("Service route called without service permission")
			return apperr.Forbidden("service permission required")
		}

		c.Locals(principalKey, p)
		return c.Next()
	}
}

// StreamAuth resolves the caller of a streaming endpoint. EventSource cannot
// set headers, so the token query parameter is accepted too.
func StreamAuth(resolver in.IdentityResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		credential := c.Get(fiber.HeaderAuthorization)
		if credential == "" {
			credential = c.Query("token")
		}
		p, err := resolver.Resolve(c.UserContext(), credential)
		if err != nil {
			return err
		}
		if !p.Authenticated() {
			return apperr.Unauthorized("authentication required")
		}
		c.Locals(principalKey, p)
		return c.Next()
	}
}

// PrincipalFrom returns the principal stored by ServiceAuth or StreamAuth.
func PrincipalFrom(c *fiber.Ctx) (domain.Principal, bool) {
	p, ok := c.Locals(principalKey).(domain.Principal)
	return p, ok
}
