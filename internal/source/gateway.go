package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"promorelay/internal/config"
	"promorelay/internal/constants"
	"promorelay/internal/logger"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/models"
	"promorelay/pkg/tracing"
)

// GatewayClient talks to a platform gateway: resolve, fetch and send over its
// HTTP API, live pushes over a NATS subject.
type GatewayClient struct {
	cfg    config.SourceConfig
	base   *url.URL
	http   *http.Client
	logger logger.Logger

	nc        atomic.Pointer[nats.Conn]
	connected atomic.Bool
}

func NewGatewayClient(cfg config.SourceConfig, log logger.Logger) (*GatewayClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.GatewayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	return &GatewayClient{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: log,
	}, nil
}

// Connect checks the gateway is reachable and, when a NATS URL is set, opens
// the live push connection. Calling it again after a drop reconnects.
func (c *GatewayClient) Connect(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("gateway status check: %w", err)
	}

	if c.cfg.NATSURL != "" {
		if err := c.dialLive(); err != nil {
			c.connected.Store(false)
			return err
		}
	}

	c.connected.Store(true)
	return nil
}

// dialLive keeps a healthy live connection and replaces one that is closed or
// stuck reconnecting in the background, so Connect only succeeds on a
// transport that is actually up.
func (c *GatewayClient) dialLive() error {
	if nc := c.nc.Load(); nc != nil {
		if nc.Status() == nats.CONNECTED {
			return nil
		}
		c.nc.CompareAndSwap(nc, nil)
		nc.Close()
	}

	nc, err := nats.Connect(c.cfg.NATSURL,
		nats.Name(constants.ServiceName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warnw("Live push connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Infow("Live push connection restored", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return pkgerrors.Wrap(fmt.Errorf("nats connect: %w", err), pkgerrors.ErrTransientNetwork)
	}
	c.nc.Store(nc)
	return nil
}

// IsConnected follows the NATS connection status when live push is
// configured, otherwise the outcome of the last gateway call.
func (c *GatewayClient) IsConnected() bool {
	if c.cfg.NATSURL != "" {
		nc := c.nc.Load()
		return nc != nil && nc.Status() == nats.CONNECTED
	}
	return c.connected.Load()
}

func (c *GatewayClient) ResolveChannel(ctx context.Context, handle string) (Entity, error) {
	var entity Entity
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(strings.TrimPrefix(handle, "@")), nil, &entity)
	if err != nil {
		return Entity{}, fmt.Errorf("resolve %s: %w", handle, err)
	}
	if entity.Handle == "" {
		entity.Handle = handle
	}
	return entity, nil
}

type messagesResponse struct {
	Messages []models.SourceMessage `json:"messages"`
}

func (c *GatewayClient) FetchMessages(ctx context.Context, channel Entity, limit, offset int) ([]models.SourceMessage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var resp messagesResponse
	path := "/v1/entities/" + url.PathEscape(channel.ID) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", channel.Handle, err)
	}

	for i := range resp.Messages {
		if resp.Messages[i].ChannelID == "" {
			resp.Messages[i].ChannelID = channel.ID
		}
		if resp.Messages[i].ChannelHandle == "" {
			resp.Messages[i].ChannelHandle = channel.Handle
		}
	}
	return resp.Messages, nil
}

type sendRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

func (c *GatewayClient) Send(ctx context.Context, destination Entity, text string) error {
	peer := destination.ID
	if peer == "" {
		peer = destination.Handle
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", sendRequest{Peer: peer, Text: text}, nil); err != nil {
		return fmt.Errorf("send to %s: %w", destination.Handle, err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe decodes every push on the live subject and hands it to handler.
func (c *GatewayClient) Subscribe(_ context.Context, handler Handler) (Subscription, error) {
	nc := c.nc.Load()
	if nc == nil || c.cfg.LiveSubject == "" {
		return nil, ErrNotConnected
	}

	sub, err := nc.Subscribe(c.cfg.LiveSubject, func(m *nats.Msg) {
		var msg models.SourceMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			c.logger.Warnw("Dropping undecodable live push", "error", err, "subject", m.Subject)
			return
		}
		if len(msg.Raw) == 0 {
			msg.Raw = json.RawMessage(append([]byte(nil), m.Data...))
		}
		handler(msg)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(fmt.Errorf("nats subscribe: %w", err), pkgerrors.ErrTransientNetwork)
	}
	return natsSubscription{sub: sub}, nil
}

func (c *GatewayClient) Close() error {
	c.connected.Store(false)
	if nc := c.nc.Swap(nil); nc != nil {
		return nc.Drain()
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *GatewayClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		c.connected.Store(false)
		return pkgerrors.Wrap(fmt.Errorf("gateway request failed: %w", err), pkgerrors.ErrTransientNetwork)
	}
	defer resp.Body.Close()
	c.connected.Store(true)

	if resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var apiErr errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	return statusError(method+" "+path, resp, apiErr.Error)
}

func statusError(op string, resp *http.Response, message string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		if wait == 0 && message != "" {
			wait, _ = RateLimitWait(fmt.Errorf("%s", message))
		}
		return &RateLimitError{Op: op, Wait: wait}
	case resp.StatusCode == http.StatusNotFound:
		return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("%s: %s", op, message))
	case resp.StatusCode >= http.StatusInternalServerError:
		return pkgerrors.ErrTransientNetwork.WithDetail("message", fmt.Sprintf("%s: status %d %s", op, resp.StatusCode, message))
	default:
		if wait, ok := RateLimitWait(fmt.Errorf("%s", message)); ok {
			return &RateLimitError{Op: op, Wait: wait}
		}
		return fmt.Errorf("%s: gateway returned status %d: %s", op, resp.StatusCode, message)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
