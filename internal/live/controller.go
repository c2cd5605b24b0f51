// Package live owns the push subscription: it connects, listens, checks the
// connection on a heartbeat and reconnects with a fixed delay until a
// configured number of attempts is used up.
package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"promorelay/internal/config"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/metrics"
	"promorelay/pkg/models"
	"promorelay/pkg/retry"
	"promorelay/pkg/scheduler"
)

var (
	errStopped    = errors.New("live controller stopped")
	errNoAttempts = errors.New("no reconnect attempts allowed")
)

type State int32

const (
	Stopped State = iota
	Connecting
	Listening
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is an admitted push, tagged with its channel and matched keywords.
type Event struct {
	Message  models.SourceMessage
	Channel  config.ChannelConfig
	Keywords []string
}

// ChannelSource is the part of the config provider the controller reads.
type ChannelSource interface {
	Relay() config.RelayConfig
	LiveChannels() []config.ChannelConfig
	Channel(handle string) (config.ChannelConfig, bool)
}

type Controller struct {
	client   source.Client
	channels ChannelSource
	clock    scheduler.Clock
	logger   logger.Logger

	events chan Event

	mu       sync.Mutex
	state    State
	attempts int
	resolved map[string]string // entity id or handle -> configured handle
	sub      source.Subscription
	cancel   context.CancelFunc
}

func NewController(client source.Client, channels ChannelSource, clock scheduler.Clock, log logger.Logger) *Controller {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	buffer := channels.Relay().LiveEventsBuffer
	if buffer <= 0 {
		buffer = 1
	}
	return &Controller{
		client:   client,
		channels: channels,
		clock:    clock,
		logger:   log,
		events:   make(chan Event, buffer),
		resolved: make(map[string]string),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnect attempts since the last successful
// connect.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Events carries admitted pushes. When the buffer is full new pushes are
// dropped rather than blocking the transport.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start connects and subscribes. A failure leaves the controller stopped and
// is returned to the caller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Stopped {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()
	metrics.ControllerState.Set(float64(Connecting))

	if err := c.connect(ctx); err != nil {
		if !errors.Is(err, errStopped) {
			c.setState(Stopped)
			return err
		}
	}
	return nil
}

// Run starts the controller and keeps the heartbeat going until ctx is done,
// Stop is called or reconnect attempts run out.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	task := scheduler.NewTask("live_heartbeat", c.channels.Relay().HeartbeatInterval, c.clock, func(ctx context.Context) {
		if err := c.Heartbeat(ctx); err != nil {
			c.logger.ErrorwCtx(ctx, "Live controller gave up", "error", err)
			cancel()
		}
	})

	err := task.Run(ctx)
	if c.State() == Stopped {
		return nil
	}
	return err
}

// Heartbeat confirms the connection is alive and reconnects when it is not.
// It returns an ExhaustedRetries error once the controller has stopped for
// good.
func (c *Controller) Heartbeat(ctx context.Context) error {
	if c.State() != Listening {
		return nil
	}

	if c.client.IsConnected() {
		metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
		return nil
	}

	metrics.HeartbeatsTotal.WithLabelValues("lost").Inc()
	c.logger.WarnwCtx(ctx, "Live connection lost, reconnecting")
	return c.reconnect(ctx)
}

// Stop unsubscribes and cancels the heartbeat. A connect in progress is not
// interrupted but its result is discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	sub := c.sub
	cancel := c.cancel
	c.sub = nil
	c.cancel = nil
	c.resolved = make(map[string]string)
	c.state = Stopped
	c.mu.Unlock()

	metrics.ControllerState.Set(float64(Stopped))
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warnw("Failed to unsubscribe live push", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// reconnect retries the connect sequence with a fixed delay before every
// attempt. Once the attempt count goes past the configured maximum the
// controller stops for good.
func (c *Controller) reconnect(ctx context.Context) error {
	relay := c.channels.Relay()

	first := true
	attempt := func() error {
		n, ok := c.enter(Reconnecting, true)
		if !ok {
			return backoff.Permanent(errStopped)
		}
		metrics.ReconnectAttemptsTotal.Inc()
		c.logger.InfowCtx(ctx, "Reconnecting live push", "attempt", n, "delay", relay.ReconnectDelay.String())

		if first {
			first = false
			if err := c.clock.Sleep(ctx, relay.ReconnectDelay); err != nil {
				return backoff.Permanent(err)
			}
		}
		if _, ok := c.enter(Connecting, false); !ok {
			return backoff.Permanent(errStopped)
		}

		err := c.connect(ctx)
		if err != nil && !errors.Is(err, errStopped) {
			c.logger.WarnwCtx(ctx, "Live reconnect failed", "attempt", n, "error", err)
		}
		return err
	}

	var err error = errNoAttempts
	if relay.MaxReconnectAttempts > 0 {
		policy := backoff.WithContext(retry.FixedDelay(relay.ReconnectDelay, relay.MaxReconnectAttempts-1), ctx)
		err = backoff.RetryNotifyWithTimer(attempt, policy, nil, retry.NewClockTimer(ctx, c.clock))
	}

	switch {
	case err == nil, errors.Is(err, errStopped), ctx.Err() != nil:
		return nil
	}

	// The attempt past the maximum is counted, then refused.
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
	metrics.ReconnectAttemptsTotal.Inc()
	c.Stop()
	return pkgerrors.ErrExhaustedRetries.WithCause(err).WithDetail("message",
		fmt.Sprintf("live reconnect gave up after %d attempts", relay.MaxReconnectAttempts))
}

// enter moves to s unless the controller was stopped meanwhile. count bumps
// the attempt counter and returns its new value.
func (c *Controller) enter(s State, count bool) (int, bool) {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return 0, false
	}
	if count {
		c.attempts++
	}
	n := c.attempts
	c.state = s
	c.mu.Unlock()

	metrics.ControllerState.Set(float64(s))
	return n, true
}

// connect runs the connect sequence. The caller has already moved the
// controller to Connecting; a Stop in the meantime discards the result.
func (c *Controller) connect(ctx context.Context) error {
	if err := c.client.Connect(ctx); err != nil {
		return fmt.Errorf("live connect: %w", err)
	}

	resolved := make(map[string]string)
	for _, ch := range c.channels.LiveChannels() {
		entity, err := c.client.ResolveChannel(ctx, ch.Handle)
		if err != nil {
			c.logger.WarnwCtx(ctx, "Skipping live channel that failed to resolve", "channel", ch.Handle, "error", err)
			continue
		}
		resolved[ch.Handle] = ch.Handle
		if entity.ID != "" {
			resolved[entity.ID] = ch.Handle
		}
	}

	c.mu.Lock()
	old := c.sub
	c.sub = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Unsubscribe()
	}

	sub, err := c.client.Subscribe(ctx, c.onPush)
	if err != nil {
		return fmt.Errorf("live subscribe: %w", err)
	}

	if !c.client.IsConnected() {
		_ = sub.Unsubscribe()
		return fmt.Errorf("live connect: %w", source.ErrNotConnected)
	}

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return errStopped
	}
	c.sub = sub
	c.resolved = resolved
	c.attempts = 0
	c.state = Listening
	c.mu.Unlock()

	metrics.ControllerState.Set(float64(Listening))
	c.logger.InfowCtx(ctx, "Live push listening", "channels", len(resolved))
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.ControllerState.Set(float64(s))
}

func (c *Controller) onPush(msg models.SourceMessage) {
	ev, result := c.admit(msg)
	if result != "" {
		metrics.IncLiveEvent(result)
		return
	}

	select {
	case c.events <- ev:
		metrics.IncLiveEvent("admitted")
	default:
		metrics.IncLiveEvent("buffer_full")
		c.logger.Warnw("Live event buffer full, dropping push", "channel", ev.Channel.Handle, "message_id", msg.ID)
	}
}

// Admit applies the channel and keyword filters to a push and returns the
// matched keywords.
func (c *Controller) Admit(msg models.SourceMessage) ([]string, bool) {
	ev, result := c.admit(msg)
	return ev.Keywords, result == ""
}

func (c *Controller) admit(msg models.SourceMessage) (Event, string) {
	if strings.TrimSpace(msg.Text) == "" {
		return Event{}, "no_text"
	}

	c.mu.Lock()
	handle, ok := c.resolved[msg.ChannelHandle]
	if !ok && msg.ChannelID != "" {
		handle, ok = c.resolved[msg.ChannelID]
	}
	c.mu.Unlock()
	if !ok {
		return Event{}, "unknown_channel"
	}

	ch, ok := c.channels.Channel(handle)
	if !ok || !ch.Active || !ch.LiveEnabled {
		return Event{}, "inactive_channel"
	}

	matched := MatchKeywords(msg.Text, ch.Keywords)
	if len(matched) == 0 {
		return Event{}, "no_keyword"
	}

	msg.ChannelHandle = ch.Handle
	return Event{Message: msg, Channel: ch, Keywords: matched}, ""
}

// MatchKeywords returns the keywords found in text, case-insensitively, in
// configured order without repeats.
func MatchKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]struct{}, len(keywords))

	var matched []string
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		if strings.Contains(lower, k) {
			seen[k] = struct{}{}
			matched = append(matched, kw)
		}
	}
	return matched
}
