package middleware

import (
	"math"
	"strconv"

	"realtime_server/pkg/apperr"
	"realtime_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
)

// RateLimit limits requests per caller. Authenticated callers are keyed by
// principal, everyone else by IP.
func RateLimit(limiter *ratelimit.KeyedLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if p, ok := PrincipalFrom(c); ok {
			key = "principal:" + p.UserID
		}

		ok, wait := limiter.Reserve(key)
		if !ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return apperr.RateLimited("requests")
		}
		return c.Next()
	}
}
