// Package httpapi assembles the gin router: the public listing endpoint,
// upload/serve edge, health probes, metrics, and the WebSocket upgrade that
// hands connections off to the stage package.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crptk/audiolyze/internal/config"
	"github.com/crptk/audiolyze/internal/health"
	"github.com/crptk/audiolyze/internal/logging"
	"github.com/crptk/audiolyze/internal/middleware"
	"github.com/crptk/audiolyze/internal/ratelimit"
	"github.com/crptk/audiolyze/internal/stage"
	"github.com/crptk/audiolyze/internal/upload"
)

// Deps bundles everything the router needs to wire its routes.
type Deps struct {
	Config     *config.Config
	Hub        *stage.Hub
	Dispatcher *stage.Dispatcher
	Uploads    *upload.Store
	Health     *health.Handler
	Limiter    *ratelimit.Limiter
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds the fully wired gin engine.
func New(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{deps.Config.AllowedOrigins}
	corsCfg.AllowCredentials = true
	r.Use(cors.New(corsCfg))

	if deps.Limiter != nil {
		r.Use(deps.Limiter.GlobalMiddleware())
	}

	r.GET("/healthz", deps.Health.Liveness)
	r.GET("/readyz", deps.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rooms := r.Group("/rooms")
	if deps.Limiter != nil {
		rooms.Use(deps.Limiter.RoomsMiddleware())
	}
	rooms.GET("/public", deps.listPublicRooms)
	if deps.Uploads != nil {
		rooms.POST("/upload-audio", deps.Uploads.UploadHandler)
		rooms.GET("/uploads/:filename", deps.Uploads.ServeHandler)
	}

	r.GET("/ws", deps.serveWS)

	return r
}

func (d *Deps) listPublicRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicRooms": d.Hub.Registry().PublicRooms()})
}

func (d *Deps) serveWS(c *gin.Context) {
	if d.Limiter != nil && !d.Limiter.CheckWebSocket(c.Request.Context(), c.ClientIP()) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed")
		return
	}

	ctx := context.Background()
	go stage.Serve(ctx, d.Hub, d.Dispatcher, conn)
}
