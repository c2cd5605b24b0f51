// Package sourcetest provides an in-memory source.Client for tests.
package sourcetest

import (
	"context"
	"fmt"
	"sync"

	"promorelay/internal/source"
	"promorelay/pkg/models"
)

type Sent struct {
	Destination source.Entity
	Text        string
}

// Client is a scriptable source.Client. The zero value is not usable; call New.
type Client struct {
	mu sync.Mutex

	connected    bool
	connectErrs  []error
	connectCalls int

	channels   map[string]source.Entity
	history    map[string][]models.SourceMessage
	fetchErr   map[string]error
	resolveErr map[string]error

	sendErrs []error
	sent     []Sent

	handler source.Handler
	subs    int
}

func New() *Client {
	return &Client{
		channels:   make(map[string]source.Entity),
		history:    make(map[string][]models.SourceMessage),
		fetchErr:   make(map[string]error),
		resolveErr: make(map[string]error),
	}
}

// AddChannel registers a resolvable entity with its history, newest first.
func (c *Client) AddChannel(entity source.Entity, history ...models.SourceMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[entity.Handle] = entity
	c.history[entity.Handle] = append(c.history[entity.Handle], history...)
}

func (c *Client) FailFetch(handle string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr[handle] = err
}

func (c *Client) FailResolve(handle string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveErr[handle] = err
}

// FailConnect queues errors returned by subsequent Connect calls, in order.
func (c *Client) FailConnect(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrs = append(c.connectErrs, errs...)
}

// FailSend queues errors returned by subsequent Send calls. A nil entry lets
// that call succeed.
func (c *Client) FailSend(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErrs = append(c.sendErrs, errs...)
}

func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// Push delivers msg to the current subscriber, if any.
func (c *Client) Push(msg models.SourceMessage) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(msg)
	return true
}

func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Client) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		if err != nil {
			c.connected = false
			return err
		}
	}
	c.connected = true
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) ResolveChannel(_ context.Context, handle string) (source.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.resolveErr[handle]; err != nil {
		return source.Entity{}, err
	}
	if e, ok := c.channels[handle]; ok {
		return e, nil
	}
	return source.Entity{ID: handle, Handle: handle}, nil
}

func (c *Client) FetchMessages(_ context.Context, channel source.Entity, limit, offset int) ([]models.SourceMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchErr[channel.Handle]; err != nil {
		return nil, err
	}
	if !c.connected {
		return nil, fmt.Errorf("fetch %s: %w", channel.Handle, source.ErrNotConnected)
	}
	all := c.history[channel.Handle]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]models.SourceMessage, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

type subscription struct {
	c *Client
}

func (s subscription) Unsubscribe() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.handler = nil
	return nil
}

func (c *Client) Subscribe(_ context.Context, handler source.Handler) (source.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, source.ErrNotConnected
	}
	c.handler = handler
	c.subs++
	return subscription{c: c}, nil
}

func (c *Client) Send(_ context.Context, destination source.Entity, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, Sent{Destination: destination, Text: text})
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.handler = nil
	return nil
}

var _ source.Client = (*Client)(nil)
