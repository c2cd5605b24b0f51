package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promorelay/internal/config"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	"promorelay/internal/source/sourcetest"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
)

type channelSource struct {
	mu       sync.Mutex
	relay    config.RelayConfig
	channels []config.ChannelConfig
}

func (s *channelSource) Relay() config.RelayConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relay
}

func (s *channelSource) LiveChannels() []config.ChannelConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []config.ChannelConfig
	for _, ch := range s.channels {
		if ch.Active && ch.LiveEnabled {
			out = append(out, ch)
		}
	}
	return out
}

func (s *channelSource) Channel(handle string) (config.ChannelConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.Handle == handle {
			return ch, true
		}
	}
	return config.ChannelConfig{}, false
}

func (s *channelSource) deactivate(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.channels {
		if s.channels[i].Handle == handle {
			s.channels[i].Active = false
		}
	}
}

func newController(t *testing.T) (*Controller, *sourcetest.Client, *channelSource, *scheduler.FakeClock) {
	t.Helper()

	client := sourcetest.New()
	client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"})
	client.AddChannel(source.Entity{ID: "200", Handle: "quiet_chan"})

	channels := &channelSource{
		relay: config.RelayConfig{
			HeartbeatInterval:    30 * time.Second,
			MaxReconnectAttempts: 3,
			ReconnectDelay:       10 * time.Second,
			LiveEventsBuffer:     4,
		},
		channels: []config.ChannelConfig{
			{Handle: "bonus_chan", Active: true, LiveEnabled: true, Keywords: []string{"Bonus", "promo"}},
			{Handle: "quiet_chan", Active: true, LiveEnabled: false, Keywords: []string{"bonus"}},
			{Handle: "dead_chan", Active: false, LiveEnabled: true, Keywords: []string{"bonus"}},
		},
	}
	clock := scheduler.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewController(client, channels, clock, logger.NopLogger()), client, channels, clock
}

func TestStartListensAndDeliversAdmittedPushes(t *testing.T) {
	c, client, _, _ := newController(t)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, Listening, c.State())
	assert.Equal(t, 0, c.Attempts())
	assert.Equal(t, 1, client.Subscriptions())

	require.True(t, client.Push(models.SourceMessage{ID: "1", ChannelID: "100", Text: "Big BONUS today"}))

	select {
	case ev := <-c.Events():
		assert.Equal(t, "bonus_chan", ev.Message.ChannelHandle)
		assert.Equal(t, "bonus_chan", ev.Channel.Handle)
		assert.Equal(t, []string{"Bonus"}, ev.Keywords)
	default:
		t.Fatal("expected an admitted event")
	}
}

func TestAdmit(t *testing.T) {
	c, _, channels, _ := newController(t)
	require.NoError(t, c.Start(context.Background()))

	tests := []struct {
		name     string
		msg      models.SourceMessage
		keywords []string
		ok       bool
	}{
		{"keyword match by handle", models.SourceMessage{ChannelHandle: "bonus_chan", Text: "new promo and bonus"}, []string{"Bonus", "promo"}, true},
		{"keyword match by id", models.SourceMessage{ChannelID: "100", Text: "PROMO inside"}, []string{"promo"}, true},
		{"empty text", models.SourceMessage{ChannelHandle: "bonus_chan", Text: "  "}, nil, false},
		{"no keyword", models.SourceMessage{ChannelHandle: "bonus_chan", Text: "nothing here"}, nil, false},
		{"not live enabled", models.SourceMessage{ChannelHandle: "quiet_chan", Text: "bonus"}, nil, false},
		{"inactive channel never resolved", models.SourceMessage{ChannelHandle: "dead_chan", Text: "bonus"}, nil, false},
		{"unknown channel", models.SourceMessage{ChannelID: "999", Text: "bonus"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kws, ok := c.Admit(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.keywords, kws)
		})
	}

	t.Run("deactivated after start", func(t *testing.T) {
		channels.deactivate("bonus_chan")
		_, ok := c.Admit(models.SourceMessage{ChannelHandle: "bonus_chan", Text: "bonus"})
		assert.False(t, ok)
	})
}

func TestResolveFailureSkipsOnlyThatChannel(t *testing.T) {
	c, client, channels, _ := newController(t)
	channels.channels = append(channels.channels, config.ChannelConfig{Handle: "broken", Active: true, LiveEnabled: true, Keywords: []string{"bonus"}})
	client.FailResolve("broken", errors.New("no such channel"))

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, Listening, c.State())

	_, ok := c.Admit(models.SourceMessage{ChannelHandle: "broken", Text: "bonus"})
	assert.False(t, ok)
	_, ok = c.Admit(models.SourceMessage{ChannelHandle: "bonus_chan", Text: "bonus"})
	assert.True(t, ok)
}

func TestStartFailureLeavesControllerStopped(t *testing.T) {
	c, client, _, _ := newController(t)
	client.FailConnect(errors.New("dial tcp: refused"))

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, Stopped, c.State())
}

func TestHeartbeatNoopWhileConnected(t *testing.T) {
	c, client, _, clock := newController(t)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Equal(t, 1, client.ConnectCalls())
	assert.Empty(t, clock.Sleeps())
}

func TestHeartbeatReconnectsAfterFixedDelay(t *testing.T) {
	c, client, _, clock := newController(t)
	require.NoError(t, c.Start(context.Background()))

	client.SetConnected(false)
	client.FailConnect(errors.New("still down"))

	require.NoError(t, c.Heartbeat(context.Background()))

	assert.Equal(t, Listening, c.State())
	assert.Equal(t, 0, c.Attempts(), "attempts reset on success")
	assert.Equal(t, 3, client.ConnectCalls())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.Sleeps(), "delay does not grow")
	assert.Equal(t, 2, client.Subscriptions())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	c, client, _, clock := newController(t)
	require.NoError(t, c.Start(context.Background()))

	client.SetConnected(false)
	down := errors.New("down")
	client.FailConnect(down, down, down, down, down)

	err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsExhaustedRetries(err))
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 4, c.Attempts())
	assert.Equal(t, 1+3, client.ConnectCalls())
	assert.Len(t, clock.Sleeps(), 3)

	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Equal(t, 1+3, client.ConnectCalls(), "no further attempts once stopped")
}

// downTransport reports the live transport as down even though Connect
// succeeds, as a client stuck reconnecting in the background would.
type downTransport struct {
	*sourcetest.Client
	down atomic.Bool
}

func (d *downTransport) IsConnected() bool {
	return !d.down.Load() && d.Client.IsConnected()
}

func TestReconnectOnDeadTransportStillGivesUp(t *testing.T) {
	_, fake, channels, clock := newController(t)
	client := &downTransport{Client: fake}
	c := NewController(client, channels, clock, logger.NopLogger())
	require.NoError(t, c.Start(context.Background()))

	client.down.Store(true)

	err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsExhaustedRetries(err))
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 4, c.Attempts(), "attempts never reset while the transport is down")
	assert.Equal(t, 1+3, fake.ConnectCalls())
}

type hookClock struct {
	*scheduler.FakeClock
	onSleep func()
}

func (h *hookClock) Sleep(ctx context.Context, d time.Duration) error {
	if h.onSleep != nil {
		h.onSleep()
	}
	return h.FakeClock.Sleep(ctx, d)
}

func TestStopDuringReconnectEndsIt(t *testing.T) {
	_, client, channels, fake := newController(t)
	clock := &hookClock{FakeClock: fake}
	c := NewController(client, channels, clock, logger.NopLogger())
	require.NoError(t, c.Start(context.Background()))

	client.SetConnected(false)
	clock.onSleep = func() {
		assert.Equal(t, Reconnecting, c.State())
		c.Stop()
	}

	require.NoError(t, c.Heartbeat(context.Background()))

	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 1, client.ConnectCalls(), "no connect after stop")
	assert.Len(t, fake.Sleeps(), 1)
	assert.False(t, client.Push(models.SourceMessage{ChannelHandle: "bonus_chan", Text: "bonus"}))
}

func TestFullBufferDropsPushes(t *testing.T) {
	c, client, channels, _ := newController(t)
	channels.relay.LiveEventsBuffer = 1
	c = NewController(client, channels, scheduler.NewFakeClock(time.Now()), logger.NopLogger())
	require.NoError(t, c.Start(context.Background()))

	client.Push(models.SourceMessage{ID: "1", ChannelHandle: "bonus_chan", Text: "bonus one"})
	client.Push(models.SourceMessage{ID: "2", ChannelHandle: "bonus_chan", Text: "bonus two"})

	assert.Len(t, c.Events(), 1)
	ev := <-c.Events()
	assert.Equal(t, "1", ev.Message.ID)
}

func TestStopUnsubscribes(t *testing.T) {
	c, client, _, _ := newController(t)
	require.NoError(t, c.Start(context.Background()))

	c.Stop()

	assert.Equal(t, Stopped, c.State())
	assert.False(t, client.Push(models.SourceMessage{ChannelHandle: "bonus_chan", Text: "bonus"}))
	require.NoError(t, c.Heartbeat(context.Background()))
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	c, _, _, _ := newController(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Listening }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMatchKeywords(t *testing.T) {
	tests := []struct {
		text     string
		keywords []string
		want     []string
	}{
		{"Free SPINS today", []string{"spins"}, []string{"spins"}},
		{"nothing", []string{"bonus"}, nil},
		{"bonus bonus", []string{"bonus", "BONUS"}, []string{"bonus"}},
		{"promo", []string{"", "  ", "promo"}, []string{"promo"}},
		{"anything", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchKeywords(tt.text, tt.keywords))
		})
	}
}
