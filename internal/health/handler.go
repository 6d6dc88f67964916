// Package health exposes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/cache"
	"github.com/crptk/audiolyze/internal/logging"
)

// Handler serves /healthz and /readyz.
type Handler struct {
	downloadCache *cache.DownloadCache
}

// NewHandler builds a health Handler. downloadCache may be nil when the
// process runs without Redis (in-memory cache mode is always "ready").
func NewHandler(downloadCache *cache.DownloadCache) *Handler {
	return &Handler{downloadCache: downloadCache}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness always returns 200 while the process is alive.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only if the optional download cache backend is
// reachable; the cache is entirely optional so an unconfigured one always
// reports healthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"download_cache": h.checkDownloadCache(ctx)}
	status := http.StatusOK
	overall := "ready"
	for _, v := range checks {
		if v != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "unavailable"
		}
	}

	c.JSON(status, ReadinessResponse{
		Status:    overall,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkDownloadCache(ctx context.Context) string {
	if h.downloadCache == nil {
		return "healthy"
	}
	if err := h.downloadCache.Ping(ctx); err != nil {
		logging.Error(ctx, "download cache health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
