package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promorelay/internal/broker"
	"promorelay/internal/config"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	"promorelay/internal/source/sourcetest"
	"promorelay/internal/store"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
)

type staticSettings config.RelayConfig

func (s staticSettings) Relay() config.RelayConfig { return config.RelayConfig(s) }

type fixture struct {
	queue    *Queue
	client   *sourcetest.Client
	store    *store.MemoryStore
	clock    *scheduler.FakeClock
	producer *broker.MemoryProducer
}

func newFixture(t *testing.T, relay config.RelayConfig) *fixture {
	t.Helper()

	client := sourcetest.New()
	client.SetConnected(true)
	st := store.NewMemoryStore()
	clock := scheduler.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	producer := broker.NewMemoryProducer()
	events := NewBrokerEvents(producer, config.KafkaConfig{OutputTopic: "promo_events", DLQTopic: "promo_dlq"}, clock, logger.NopLogger())

	return &fixture{
		queue:    NewQueue(client, st, staticSettings(relay), events, clock, logger.NopLogger()),
		client:   client,
		store:    st,
		clock:    clock,
		producer: producer,
	}
}

func (f *fixture) message(t *testing.T, id string) *models.PersistedMessage {
	t.Helper()
	msg, err := f.store.Insert(context.Background(), &models.PersistedMessage{
		ChannelHandle: "bonus_chan",
		ChannelName:   "Bonus",
		MessageID:     id,
		Text:          "`" + id + "`\nhttp://example.com",
		ExtractedRecord: models.ExtractedRecord{
			PrimaryCode:    id,
			AllCodes:       []string{id},
			DestinationURL: "http://example.com",
			HasCode:        true,
			HasURL:         true,
		},
	})
	require.NoError(t, err)
	return msg
}

func defaultRelay() config.RelayConfig {
	return config.RelayConfig{
		BatchSize:      3,
		DrainInterval:  time.Second,
		SendDelay:      2 * time.Second,
		MaxJobAttempts: 5,
	}
}

var dest = config.DestinationConfig{ID: "900", Handle: "deals", Active: true, Template: "{code}"}

func sentTexts(c *sourcetest.Client) []string {
	var out []string
	for _, s := range c.Sent() {
		out = append(out, s.Text)
	}
	return out
}

func TestEnqueueFansOutToActiveDestinations(t *testing.T) {
	f := newFixture(t, defaultRelay())
	msg := f.message(t, "PROMO2024")

	dests := []config.DestinationConfig{
		{Handle: "a", Active: true, Template: "{channel} {code} {url}"},
		{Handle: "b", Active: false},
		{Handle: "c", Active: true},
	}

	assert.Equal(t, 2, f.queue.Enqueue(msg, dests))
	jobs := f.queue.Snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, "Bonus PROMO2024 http://example.com", jobs[0].Text)
	assert.Equal(t, "c", jobs[1].Destination.Handle)
	assert.Contains(t, jobs[1].Text, "Code: PROMO2024")
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)

	assert.Equal(t, 0, f.queue.Enqueue(msg, dests), "pending jobs are not enqueued twice")
	assert.Equal(t, 2, f.queue.Len())
}

func TestDrainSendsBatchInOrderWithDelay(t *testing.T) {
	f := newFixture(t, defaultRelay())
	for _, id := range []string{"AAAA1", "BBBB2", "CCCC3", "DDDD4"} {
		f.queue.Enqueue(f.message(t, id), []config.DestinationConfig{dest})
	}

	require.True(t, f.queue.Drain(context.Background()))

	assert.Equal(t, []string{"AAAA1", "BBBB2", "CCCC3"}, sentTexts(f.client))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, f.clock.Sleeps())
	assert.Equal(t, int64(3), f.queue.Sent())
	assert.Equal(t, 1, f.queue.Len())

	got, err := f.store.FindByKey(context.Background(), "bonus_chan", "AAAA1")
	require.NoError(t, err)
	assert.True(t, got.Delivered)

	require.True(t, f.queue.Drain(context.Background()))
	assert.Equal(t, []string{"AAAA1", "BBBB2", "CCCC3", "DDDD4"}, sentTexts(f.client))
	assert.Len(t, f.producer.Topic("promo_events"), 4)
}

func TestRateLimitedJobGoesBackToHead(t *testing.T) {
	f := newFixture(t, defaultRelay())
	for _, id := range []string{"AAAA1", "BBBB2", "CCCC3"} {
		f.queue.Enqueue(f.message(t, id), []config.DestinationConfig{dest})
	}
	f.client.FailSend(&source.RateLimitError{Op: "send", Wait: 30 * time.Second})

	f.queue.Drain(context.Background())

	assert.Empty(t, f.client.Sent())
	assert.Equal(t, []time.Duration{30 * time.Second}, f.clock.Sleeps(), "the whole drain waits out the limit")

	var order []string
	for _, j := range f.queue.Snapshot() {
		order = append(order, j.Message.MessageID)
	}
	assert.Equal(t, []string{"AAAA1", "BBBB2", "CCCC3"}, order)
	assert.Equal(t, 1, f.queue.Snapshot()[0].Attempts)

	f.queue.Drain(context.Background())
	assert.Equal(t, []string{"AAAA1", "BBBB2", "CCCC3"}, sentTexts(f.client))
}

func TestRateLimitParsedFromMessageText(t *testing.T) {
	f := newFixture(t, defaultRelay())
	f.queue.Enqueue(f.message(t, "AAAA1"), []config.DestinationConfig{dest})
	f.client.FailSend(errors.New("send failed: FLOOD_WAIT_12"))

	f.queue.Drain(context.Background())

	assert.Equal(t, []time.Duration{12 * time.Second}, f.clock.Sleeps())
	assert.Equal(t, 1, f.queue.Len())
}

func TestOtherFailuresRequeueAtTail(t *testing.T) {
	f := newFixture(t, defaultRelay())
	for _, id := range []string{"AAAA1", "BBBB2", "CCCC3"} {
		f.queue.Enqueue(f.message(t, id), []config.DestinationConfig{dest})
	}
	f.client.FailSend(errors.New("boom"))

	f.queue.Drain(context.Background())

	assert.Equal(t, []string{"BBBB2", "CCCC3"}, sentTexts(f.client))
	require.Equal(t, 1, f.queue.Len())
	assert.Equal(t, "AAAA1", f.queue.Snapshot()[0].Message.MessageID)

	f.queue.Drain(context.Background())
	assert.Equal(t, []string{"BBBB2", "CCCC3", "AAAA1"}, sentTexts(f.client))
}

func TestJobDroppedAfterMaxAttempts(t *testing.T) {
	relay := defaultRelay()
	relay.MaxJobAttempts = 2
	f := newFixture(t, relay)
	msg := f.message(t, "AAAA1")
	f.queue.Enqueue(msg, []config.DestinationConfig{dest})
	f.client.FailSend(errors.New("boom"), &source.RateLimitError{Op: "send", Wait: time.Second})

	f.queue.Drain(context.Background())
	assert.Equal(t, 1, f.queue.Len())

	f.queue.Drain(context.Background())
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, int64(1), f.queue.Dropped())
	assert.Empty(t, f.client.Sent())

	dlq := f.producer.Topic("promo_dlq")
	require.Len(t, dlq, 1)
	assert.Equal(t, models.EventTypeJobDropped, dlq[0].Metadata.EventType)
	assert.Equal(t, "attempts_exhausted", dlq[0].Metadata.Attributes["dlq_reason"])

	got, err := f.store.FindByKey(context.Background(), "bonus_chan", "AAAA1")
	require.NoError(t, err)
	assert.False(t, got.Delivered)

	assert.Equal(t, 1, f.queue.Enqueue(msg, []config.DestinationConfig{dest}), "a dropped job can be enqueued again")
}

func TestDestinationResolvedOnceWhenNoID(t *testing.T) {
	f := newFixture(t, defaultRelay())
	f.client.AddChannel(source.Entity{ID: "555", Handle: "vip"})
	d := config.DestinationConfig{Handle: "vip", Active: true, Template: "{code}"}
	f.queue.Enqueue(f.message(t, "AAAA1"), []config.DestinationConfig{d})
	f.queue.Enqueue(f.message(t, "BBBB2"), []config.DestinationConfig{d})

	f.queue.Drain(context.Background())

	sent := f.client.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "555", sent[0].Destination.ID)
	assert.Equal(t, "555", sent[1].Destination.ID)
}

func TestStopDiscardsJobs(t *testing.T) {
	f := newFixture(t, defaultRelay())
	for i := 0; i < 3; i++ {
		f.queue.Enqueue(f.message(t, fmt.Sprintf("CODE%04d", i)), []config.DestinationConfig{dest})
	}

	f.queue.Stop()

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.queue.Enqueue(f.message(t, "LATE1"), []config.DestinationConfig{dest}))
	f.queue.Drain(context.Background())
	assert.Empty(t, f.client.Sent())
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, defaultRelay())
	for _, id := range []string{"AAAA1", "BBBB2"} {
		f.queue.Enqueue(f.message(t, id), []config.DestinationConfig{dest})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.queue.Drain(ctx)

	assert.Empty(t, f.client.Sent())
	assert.Equal(t, 2, f.queue.Len())
}
