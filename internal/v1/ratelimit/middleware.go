package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/signalfish/signal-fish/internal/v1/logging"
	"github.com/signalfish/signal-fish/internal/v1/metrics"
)

// UpgradeLimiter throttles WebSocket upgrade requests per client IP before
// authentication or socket allocation happens.
type UpgradeLimiter struct {
	ip *limiter.Limiter
}

// NewUpgradeLimiter parses a rate in ulule format (e.g. "100-M") backed by
// an in-process store.
func NewUpgradeLimiter(rate string) (*UpgradeLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid upgrade rate %q: %w", rate, err)
	}
	return &UpgradeLimiter{
		ip: limiter.New(memory.NewStore(), parsed),
	}, nil
}

// CheckUpgrade returns false and writes the 429 response when the client
// IP is over budget. Store failures fail open.
func (u *UpgradeLimiter) CheckUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := u.ip.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Upgrade rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues("upgrade_ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts from this IP"})
		return false
	}
	return true
}
