// Package cache memoizes priority-queue pre-downloads: a remote track URL
// that has already been localized does not need fetching again. Backed by
// Redis when configured, an in-process map otherwise — this is a local
// optimization, not a cross-instance coordination mechanism (the service
// has no horizontal scale-out story).
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/metrics"
)

// DownloadCache maps a remote track URL to its already-localized serving URL.
// A nil *DownloadCache is valid and behaves like an always-empty cache.
type DownloadCache struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	local map[string]string // used only when client == nil
}

// NewInMemory builds a DownloadCache with no Redis backing.
func NewInMemory() *DownloadCache {
	return &DownloadCache{local: make(map[string]string)}
}

// NewRedis builds a DownloadCache backed by the given Redis client.
func NewRedis(client *redis.Client) *DownloadCache {
	st := gobreaker.Settings{
		Name:        "download-cache",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("download-cache").Set(stateValue(to))
		},
	}
	return &DownloadCache{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

const keyPrefix = "stage:download-cache:"

// Get returns the localized URL for remoteURL, if known.
func (c *DownloadCache) Get(ctx context.Context, remoteURL string) (string, bool) {
	if c == nil {
		return "", false
	}
	if c.client == nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		v, ok := c.local[remoteURL]
		return v, ok
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, keyPrefix+remoteURL).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("download-cache").Inc()
		} else if err != redis.Nil {
			logging.Warn(ctx, "download cache get failed", zap.Error(err))
		}
		return "", false
	}
	return res.(string), true
}

// Put remembers that remoteURL has been localized to localURL.
func (c *DownloadCache) Put(ctx context.Context, remoteURL, localURL string) {
	if c == nil {
		return
	}
	if c.client == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.local[remoteURL] = localURL
		return
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, keyPrefix+remoteURL, localURL, 24*time.Hour).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState {
		logging.Warn(ctx, "download cache put failed", zap.Error(err))
	}
}

// Ping reports whether the Redis backend (if any) is reachable.
func (c *DownloadCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.client.Ping(ctx).Err()
	})
	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("download cache circuit breaker open")
	}
	return err
}
