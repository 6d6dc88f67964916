// Package ratelimit implements request rate limiting backed by Redis when
// available, falling back to an in-memory store for single-instance runs.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/config"
	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/metrics"
)

// Limiter holds the per-endpoint-class limiter instances.
type Limiter struct {
	apiGlobal   *limiter.Limiter
	apiRooms    *limiter.Limiter
	apiMessages *limiter.Limiter
	wsIP        *limiter.Limiter
}

// New builds a Limiter, using redisClient as the shared store when non-nil.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	globalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	roomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	messagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid API messages rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "stage:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (redis disabled)")
	}

	return &Limiter{
		apiGlobal:   limiter.New(store, globalRate),
		apiRooms:    limiter.New(store, roomsRate),
		apiMessages: limiter.New(store, messagesRate),
		wsIP:        limiter.New(store, wsIPRate),
	}, nil
}

// GlobalMiddleware enforces the global per-IP request budget on every route
// it's attached to.
func (l *Limiter) GlobalMiddleware() gin.HandlerFunc {
	return l.middleware(l.apiGlobal, "global")
}

// RoomsMiddleware enforces the budget for room-management REST endpoints
// (upload, public listing).
func (l *Limiter) RoomsMiddleware() gin.HandlerFunc {
	return l.middleware(l.apiRooms, "rooms")
}

func (l *Limiter) middleware(lim *limiter.Limiter, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := lim.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			logging.Error(c.Request.Context(), "rate limiter check failed", zap.Error(err))
			c.Next()
			return
		}
		if ctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// CheckWebSocket reports whether the connecting IP is within the websocket
// connection-rate budget. Fails open on store errors so a degraded limiter
// backend never blocks real-time connections.
func (l *Limiter) CheckWebSocket(ctx context.Context, ip string) bool {
	res, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Warn(ctx, "websocket rate limit check failed, failing open", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket").Inc()
	}
	return !res.Reached
}

// CheckMessage reports whether a per-connection chat/suggestion message is
// within the per-room message budget, keyed by room ID.
func (l *Limiter) CheckMessage(ctx context.Context, roomID string) bool {
	res, err := l.apiMessages.Get(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "message rate limit check failed, failing open", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("messages").Inc()
	}
	return !res.Reached
}
