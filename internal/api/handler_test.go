package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "promorelay/cmd/relay-service/docs"
	"promorelay/internal/config"
	"promorelay/internal/ingestion"
	"promorelay/internal/live"
	"promorelay/internal/logger"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/health"
)

type stubQueue struct{}

func (stubQueue) Len() int       { return 3 }
func (stubQueue) Sent() int64    { return 10 }
func (stubQueue) Dropped() int64 { return 1 }

type stubLive struct{}

func (stubLive) State() live.State { return live.Reconnecting }
func (stubLive) Attempts() int     { return 2 }

type stubPoller struct {
	busy bool
	last time.Time
}

func (p *stubPoller) TriggerPoll(context.Context) bool {
	if p.busy {
		return false
	}
	p.last = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return true
}

func (p *stubPoller) LastPoll() time.Time { return p.last }

func (p *stubPoller) LastResults() []ingestion.ScanResult {
	return []ingestion.ScanResult{{Channel: "bonus_chan", Fetched: 4, New: 1}}
}

type stubConfig struct {
	reloadErr error
	reloads   int
}

func (s *stubConfig) Channels() []config.ChannelConfig {
	return []config.ChannelConfig{{Handle: "bonus_chan", Active: true}, {Handle: "off", Active: false}}
}

func (s *stubConfig) ActiveDestinations() []config.DestinationConfig {
	return []config.DestinationConfig{{Handle: "deals", Active: true}}
}

func (s *stubConfig) Reload() error {
	s.reloads++
	return s.reloadErr
}

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) PublishReload(_ context.Context, changedBy string) error {
	n.calls = append(n.calls, changedBy)
	return nil
}

type failingChecker struct{}

func (failingChecker) Name() string                { return "store" }
func (failingChecker) Check(context.Context) error { return errors.New("down") }

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestStatus(t *testing.T) {
	poller := &stubPoller{}
	r := newRouter(NewHandler(stubQueue{}, stubLive{}, poller, &stubConfig{}, nil, logger.NopLogger()))

	w := do(r, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.QueueLength)
	assert.Equal(t, int64(10), resp.Sent)
	assert.Equal(t, int64(1), resp.Dropped)
	assert.Equal(t, "reconnecting", resp.LiveState)
	assert.Equal(t, 2, resp.ReconnectAttempts)
	assert.Equal(t, 1, resp.ActiveDestinations)
	assert.Nil(t, resp.LastPoll)
}

func TestStatusWithoutLivePath(t *testing.T) {
	r := newRouter(NewHandler(stubQueue{}, nil, &stubPoller{}, &stubConfig{}, nil, logger.NopLogger()))

	w := do(r, http.MethodGet, "/api/v1/status")
	assert.Contains(t, w.Body.String(), `"live_state":"disabled"`)
}

func TestTriggerPoll(t *testing.T) {
	poller := &stubPoller{}
	r := newRouter(NewHandler(stubQueue{}, stubLive{}, poller, &stubConfig{}, nil, logger.NopLogger()))

	w := do(r, http.MethodPost, "/api/v1/poll")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"channel":"bonus_chan"`)
	assert.False(t, poller.LastPoll().IsZero())

	poller.busy = true
	w = do(r, http.MethodPost, "/api/v1/poll")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), pkgerrors.ErrConflict.Code)
}

func TestListChannels(t *testing.T) {
	r := newRouter(NewHandler(stubQueue{}, nil, &stubPoller{}, &stubConfig{}, nil, logger.NopLogger()))

	w := do(r, http.MethodGet, "/api/v1/channels")
	require.Equal(t, http.StatusOK, w.Code)

	var channels []config.ChannelConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &channels))
	assert.Len(t, channels, 2)
}

func TestReloadConfig(t *testing.T) {
	cfg := &stubConfig{}
	notifier := &recordingNotifier{}
	r := newRouter(NewHandler(stubQueue{}, nil, &stubPoller{}, cfg, nil, logger.NopLogger()).WithNotifier(notifier))

	w := do(r, http.MethodPost, "/api/v1/config/reload")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, cfg.reloads)
	assert.Equal(t, []string{"api"}, notifier.calls)

	cfg.reloadErr = pkgerrors.ErrMalformedConfig.WithCause(errors.New("bad yaml"))
	w = do(r, http.MethodPost, "/api/v1/config/reload")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "MALFORMED_CONFIG")

	cfg.reloadErr = config.ErrStaticProvider
	w = do(r, http.MethodPost, "/api/v1/config/reload")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, notifier.calls, 1)
}

func TestHealth(t *testing.T) {
	registry := health.NewCheckerRegistry()
	r := newRouter(NewHandler(stubQueue{}, nil, &stubPoller{}, &stubConfig{}, registry, logger.NopLogger()))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health").Code)

	registry.Register(failingChecker{})
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/health").Code)
}

func TestSwaggerServesDocs(t *testing.T) {
	r := newRouter(NewHandler(stubQueue{}, nil, &stubPoller{}, &stubConfig{}, nil, logger.NopLogger()))

	w := do(r, http.MethodGet, "/swagger/index.html")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/swagger/doc.json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"/config/reload"`)
	assert.Contains(t, w.Body.String(), `"basePath": "/api/v1"`)
}
