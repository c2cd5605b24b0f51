package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"promorelay/internal/config"
	"promorelay/internal/constants"
	"promorelay/internal/logger"
	"promorelay/pkg/middleware"
	"promorelay/pkg/ratelimit"
	"promorelay/pkg/tracing"
)

// NewRouter assembles the gin engine with the standard middleware chain. The
// returned limiter is nil when rate limiting is disabled; its Run method
// should be started by the caller.
func NewRouter(cfg config.ServerConfig, tracingEnabled bool, h *Handler, log logger.Logger) (*gin.Engine, *ratelimit.Limiter) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if tracingEnabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log, "/health", "/metrics"))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rl := ratelimit.FromServerConfig(cfg.RateLimit)
		limiter = ratelimit.NewLimiter(rl)
		router.Use(limiter.Middleware())
		log.Infow("Rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	h.RegisterRoutes(router)
	return router, limiter
}

func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: constants.DefaultHTTPTimeout,
		ReadTimeout:       cfg.ReadTimeoutSeconds,
		WriteTimeout:      cfg.WriteTimeoutSeconds,
	}
}
