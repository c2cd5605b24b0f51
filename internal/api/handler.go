// Package api exposes the relay's control surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"promorelay/internal/config"
	"promorelay/internal/ingestion"
	"promorelay/internal/live"
	"promorelay/internal/logger"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/health"
)

type QueueStats interface {
	Len() int
	Sent() int64
	Dropped() int64
}

type LiveStatus interface {
	State() live.State
	Attempts() int
}

type Poller interface {
	TriggerPoll(ctx context.Context) bool
	LastPoll() time.Time
	LastResults() []ingestion.ScanResult
}

type ConfigSource interface {
	Channels() []config.ChannelConfig
	ActiveDestinations() []config.DestinationConfig
	Reload() error
}

// ReloadNotifier tells other replicas that this one reloaded its config.
type ReloadNotifier interface {
	PublishReload(ctx context.Context, changedBy string) error
}

type Handler struct {
	queue    QueueStats
	live     LiveStatus
	poller   Poller
	config   ConfigSource
	notifier ReloadNotifier
	health   *health.CheckerRegistry
	logger   logger.Logger
}

// NewHandler builds the handler. liveStatus may be nil when the push path is
// disabled.
func NewHandler(queue QueueStats, liveStatus LiveStatus, poller Poller, cfg ConfigSource, registry *health.CheckerRegistry, log logger.Logger) *Handler {
	if registry == nil {
		registry = health.NewCheckerRegistry()
	}
	return &Handler{
		queue:  queue,
		live:   liveStatus,
		poller: poller,
		config: cfg,
		health: registry,
		logger: log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.Status)
		v1.GET("/channels", h.ListChannels)
		v1.POST("/poll", h.TriggerPoll)
		v1.POST("/config/reload", h.ReloadConfig)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(pkgerrors.ToHTTPStatus(err), pkgerrors.ToErrorResponse(err))
}

func (h *Handler) Health(c *gin.Context) {
	result := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

type StatusResponse struct {
	QueueLength        int        `json:"queue_length"`
	Sent               int64      `json:"sent"`
	Dropped            int64      `json:"dropped"`
	LiveState          string     `json:"live_state"`
	ReconnectAttempts  int        `json:"reconnect_attempts"`
	LastPoll           *time.Time `json:"last_poll,omitempty"`
	ActiveDestinations int        `json:"active_destinations"`
}

// @Summary      Relay status
// @Description  Queue counters, live listener state and the last poll time
// @Tags         status
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /status [get]
func (h *Handler) Status(c *gin.Context) {
	resp := StatusResponse{
		QueueLength:        h.queue.Len(),
		Sent:               h.queue.Sent(),
		Dropped:            h.queue.Dropped(),
		LiveState:          "disabled",
		ActiveDestinations: len(h.config.ActiveDestinations()),
	}
	if h.live != nil {
		resp.LiveState = h.live.State().String()
		resp.ReconnectAttempts = h.live.Attempts()
	}
	if t := h.poller.LastPoll(); !t.IsZero() {
		resp.LastPoll = &t
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      List source channels
// @Description  All configured source channels, active or not
// @Tags         channels
// @Produce      json
// @Success      200  {array}  config.ChannelConfig
// @Router       /channels [get]
func (h *Handler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, h.config.Channels())
}

// TriggerPoll runs a poll cycle synchronously and returns its results. The
// poll is not cancelled when the client goes away.
//
// @Summary      Run a poll cycle
// @Description  Scans every active channel once and returns per-channel results
// @Tags         poll
// @Produce      json
// @Success      200  {object}  map[string][]ingestion.ScanResult
// @Failure      409  {object}  map[string]interface{}
// @Router       /poll [post]
func (h *Handler) TriggerPoll(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	if !h.poller.TriggerPoll(ctx) {
		h.handleError(c, pkgerrors.ErrConflict.WithDetail("message", "a poll is already running"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": h.poller.LastResults()})
}

// WithNotifier makes successful reloads announce themselves.
func (h *Handler) WithNotifier(n ReloadNotifier) *Handler {
	h.notifier = n
	return h
}

// @Summary      Reload configuration
// @Description  Re-reads the config file and applies the channel and destination flags
// @Tags         config
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /config/reload [post]
func (h *Handler) ReloadConfig(c *gin.Context) {
	if err := h.config.Reload(); err != nil {
		if errors.Is(err, config.ErrStaticProvider) {
			h.handleError(c, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error()))
			return
		}
		h.handleError(c, err)
		return
	}
	h.logger.InfowCtx(c.Request.Context(), "Configuration reloaded via API")
	if h.notifier != nil {
		if err := h.notifier.PublishReload(c.Request.Context(), "api"); err != nil {
			h.logger.WarnwCtx(c.Request.Context(), "Failed to announce config reload", "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
