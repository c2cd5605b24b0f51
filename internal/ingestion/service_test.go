package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promorelay/internal/config"
	"promorelay/internal/deduplication"
	"promorelay/internal/delivery"
	"promorelay/internal/live"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	"promorelay/internal/source/sourcetest"
	"promorelay/internal/store"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			CheckInterval:     5 * time.Minute,
			MaxAge:            24 * time.Hour,
			FetchLimit:        50,
			ScanConcurrency:   2,
			BatchSize:         5,
			DrainInterval:     time.Second,
			SendDelay:         time.Second,
			MaxJobAttempts:    5,
			LiveEventsBuffer:  8,
			LiveMinTextLength: 10,
			TextPreviewLength: 200,
			DateLayout:        "02.01.2006 15:04",
			Timezone:          "UTC",
		},
		Channels: []config.ChannelConfig{
			{ID: "100", Handle: "bonus_chan", Name: "Bonus", Active: true, LiveEnabled: true, Keywords: []string{"bonus"}},
			{Handle: "other_chan", Active: true},
			{Handle: "off_chan", Active: false},
		},
		Destinations: []config.DestinationConfig{
			{ID: "900", Handle: "deals", Active: true, Template: "{channel}: {code} {url}"},
			{ID: "901", Handle: "paused", Active: false},
			{ID: "902", Handle: "vip", Active: true, Template: "{codes}"},
		},
	}
}

// recordingQueue captures enqueues without draining.
type recordingQueue struct {
	mu   sync.Mutex
	msgs []*models.PersistedMessage
}

func (q *recordingQueue) Enqueue(msg *models.PersistedMessage, dests []config.DestinationConfig) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return len(dests)
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// faultyStore fails or panics on lookups for selected message ids.
type faultyStore struct {
	*store.MemoryStore
	fail  map[string]error
	panic map[string]bool
}

func (s *faultyStore) FindByKey(ctx context.Context, channel, messageID string) (*models.PersistedMessage, error) {
	if s.panic[messageID] {
		panic("corrupt record")
	}
	if err := s.fail[messageID]; err != nil {
		return nil, err
	}
	return s.MemoryStore.FindByKey(ctx, channel, messageID)
}

type harness struct {
	svc      *Service
	client   *sourcetest.Client
	store    *store.MemoryStore
	clock    *scheduler.FakeClock
	provider *config.Provider
}

func newHarness(t *testing.T, cfg *config.Config, st store.Store, q Enqueuer) *harness {
	t.Helper()

	client := sourcetest.New()
	client.SetConnected(true)
	clock := scheduler.NewFakeClock(start)
	provider := config.NewStaticProvider(cfg)

	mem, _ := st.(*store.MemoryStore)
	if fs, ok := st.(*faultyStore); ok {
		mem = fs.MemoryStore
	}

	filter, err := live.NewExpressionFilter()
	require.NoError(t, err)

	svc := NewService(Deps{
		Client:   client,
		Gate:     deduplication.NewGate(st, clock, logger.NopLogger()),
		Queue:    q,
		Settings: provider,
		Filter:   filter,
		Clock:    clock,
		Logger:   logger.NopLogger(),
	})
	return &harness{svc: svc, client: client, store: mem, clock: clock, provider: provider}
}

func sourceMsg(channel, id, text string, age time.Duration) models.SourceMessage {
	return models.SourceMessage{ID: id, ChannelHandle: channel, Text: text, Timestamp: start.Add(-age)}
}

func resultFor(results []ScanResult, channel string) ScanResult {
	for _, r := range results {
		if r.Channel == channel {
			return r
		}
	}
	return ScanResult{}
}

func TestEndToEndPollToDelivery(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemoryStore()
	client := sourcetest.New()
	client.SetConnected(true)
	clock := scheduler.NewFakeClock(start)
	provider := config.NewStaticProvider(cfg)

	queue := delivery.NewQueue(client, st, provider, nil, clock, logger.NopLogger())
	svc := NewService(Deps{
		Client:   client,
		Gate:     deduplication.NewGate(st, clock, logger.NopLogger()),
		Queue:    queue,
		Settings: provider,
		Clock:    clock,
		Logger:   logger.NopLogger(),
	})

	client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"},
		sourceMsg("bonus_chan", "1", "`PROMO2024`\nhttp://example.com", time.Hour))

	results := svc.PollAll(context.Background())
	res := resultFor(results, "bonus_chan")
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 2, res.Enqueued, "one job per active destination")
	assert.Len(t, results, 2, "inactive channels are not scanned")

	rec, err := st.FindByKey(context.Background(), "bonus_chan", "1")
	require.NoError(t, err)
	assert.Equal(t, "PROMO2024", rec.PrimaryCode)
	assert.Equal(t, "http://example.com", rec.DestinationURL)
	assert.True(t, rec.HasCode)
	assert.True(t, rec.HasURL)
	assert.Equal(t, "Bonus", rec.ChannelName)
	assert.False(t, rec.Delivered)

	require.Equal(t, 2, queue.Len())
	queue.Drain(context.Background())

	sent := client.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Bonus: PROMO2024 http://example.com", sent[0].Text)
	assert.Equal(t, "`PROMO2024`", sent[1].Text)

	rec, err = st.FindByKey(context.Background(), "bonus_chan", "1")
	require.NoError(t, err)
	assert.True(t, rec.Delivered)

	res = resultFor(svc.PollAll(context.Background()), "bonus_chan")
	assert.Equal(t, 0, res.New)
	assert.Equal(t, 1, res.Known)
	assert.Equal(t, 0, res.Enqueued, "delivered messages are skipped")
	assert.Equal(t, 1, st.Len())
	assert.False(t, svc.LastPoll().IsZero())
}

func TestPollSkipsOldAndIneligible(t *testing.T) {
	q := &recordingQueue{}
	st := store.NewMemoryStore()
	h := newHarness(t, testConfig(), st, q)
	h.client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"},
		sourceMsg("bonus_chan", "old", "`OLDCODE1`\nhttp://example.com", 48*time.Hour),
		sourceMsg("bonus_chan", "partial", "`ONLYCODE`\nno link here", time.Hour),
		sourceMsg("bonus_chan", "empty", "hi", time.Hour),
	)

	res := resultFor(h.svc.PollAll(context.Background()), "bonus_chan")
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 1, res.TooOld)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 0, res.Enqueued)
	assert.Equal(t, 2, st.Len())

	rec, err := st.FindByKey(context.Background(), "bonus_chan", "partial")
	require.NoError(t, err)
	assert.False(t, rec.HasCode)
	assert.Equal(t, []string{"ONLYCODE"}, rec.AllCodes)

	res = resultFor(h.svc.PollAll(context.Background()), "bonus_chan")
	assert.Equal(t, 2, res.Known)
	assert.Equal(t, 0, q.count())
}

func TestPollResendsKnownUndelivered(t *testing.T) {
	q := &recordingQueue{}
	h := newHarness(t, testConfig(), store.NewMemoryStore(), q)
	h.client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"},
		sourceMsg("bonus_chan", "1", "Big bonus\n`PROMO2024`\nexample.com", time.Hour))

	h.svc.PollAll(context.Background())
	res := resultFor(h.svc.PollAll(context.Background()), "bonus_chan")

	assert.Equal(t, 1, res.Known)
	assert.Equal(t, 2, res.Enqueued)
	require.Equal(t, 2, q.count())
	assert.Equal(t, q.msgs[0].ID, q.msgs[1].ID, "resend reuses the stored record")
	assert.Equal(t, "https://example.com", q.msgs[1].DestinationURL)
	assert.Equal(t, []string{"bonus"}, q.msgs[1].MatchedKeywords)
}

func TestPerMessageFailuresAreIsolated(t *testing.T) {
	q := &recordingQueue{}
	st := &faultyStore{
		MemoryStore: store.NewMemoryStore(),
		fail:        map[string]error{"bad": errors.New("connection reset")},
		panic:       map[string]bool{"boom": true},
	}
	h := newHarness(t, testConfig(), st, q)
	h.client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"},
		sourceMsg("bonus_chan", "bad", "`AAAA1111`\nhttp://a.com", time.Minute),
		sourceMsg("bonus_chan", "boom", "`BBBB2222`\nhttp://b.com", time.Minute),
		sourceMsg("bonus_chan", "good", "`CCCC3333`\nhttp://c.com", time.Minute),
	)

	res, err := h.svc.ScanChannel(context.Background(), testConfig().Channels[0])
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, q.count())
}

func TestChannelFailureDoesNotStopOthers(t *testing.T) {
	q := &recordingQueue{}
	h := newHarness(t, testConfig(), store.NewMemoryStore(), q)
	h.client.FailFetch("bonus_chan", &source.RateLimitError{Op: "fetch", Wait: time.Minute})
	h.client.AddChannel(source.Entity{ID: "200", Handle: "other_chan"},
		sourceMsg("other_chan", "1", "`PROMO2024`\nhttp://example.com", time.Minute))

	results := h.svc.PollAll(context.Background())

	assert.Equal(t, 0, resultFor(results, "bonus_chan").Fetched)
	assert.Equal(t, 1, resultFor(results, "other_chan").New)
	assert.Equal(t, 1, q.count())
}

func TestScanSkipsChannelAlreadyBeingScanned(t *testing.T) {
	h := newHarness(t, testConfig(), store.NewMemoryStore(), &recordingQueue{})
	ch := testConfig().Channels[0]

	h.svc.scanning.Store(ch.Handle, struct{}{})
	res, err := h.svc.ScanChannel(context.Background(), ch)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	h.svc.scanning.Delete(ch.Handle)
	res, err = h.svc.ScanChannel(context.Background(), ch)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestPollRereadsActiveFlags(t *testing.T) {
	q := &recordingQueue{}
	cfg := testConfig()
	h := newHarness(t, cfg, store.NewMemoryStore(), q)

	assert.Len(t, h.svc.PollAll(context.Background()), 2)

	cfg.Channels[1].Active = false

	assert.Len(t, h.svc.PollAll(context.Background()), 1)
}

func liveEvent(id, text string, ch config.ChannelConfig) live.Event {
	return live.Event{
		Message:  models.SourceMessage{ID: id, ChannelHandle: ch.Handle, Text: text, Timestamp: start},
		Channel:  ch,
		Keywords: live.MatchKeywords(text, ch.Keywords),
	}
}

func TestHandleLiveUsesLivePolicy(t *testing.T) {
	q := &recordingQueue{}
	st := store.NewMemoryStore()
	h := newHarness(t, testConfig(), st, q)
	ch := testConfig().Channels[0]

	require.NoError(t, h.svc.HandleLive(context.Background(), liveEvent("1", "Huge bonus today `LIVE2024`", ch)))
	assert.Equal(t, 1, q.count(), "a code alone is enough on the push path")

	rec, err := st.FindByKey(context.Background(), "bonus_chan", "1")
	require.NoError(t, err)
	assert.False(t, rec.Deliverable())
	assert.Equal(t, []string{"bonus"}, rec.MatchedKeywords)

	require.NoError(t, h.svc.HandleLive(context.Background(), liveEvent("2", "`AB12` ok", ch)))
	assert.Equal(t, 1, q.count(), "text below the minimum length is not sent")
	assert.Equal(t, 2, st.Len())
}

func TestHandleLiveStrictPolicy(t *testing.T) {
	q := &recordingQueue{}
	cfg := testConfig()
	cfg.Relay.LiveRequireURL = true
	h := newHarness(t, cfg, store.NewMemoryStore(), q)

	require.NoError(t, h.svc.HandleLive(context.Background(), liveEvent("1", "Huge bonus today `LIVE2024`", cfg.Channels[0])))
	assert.Equal(t, 0, q.count())
}

func TestHandleLiveFilterExpression(t *testing.T) {
	q := &recordingQueue{}
	st := store.NewMemoryStore()
	h := newHarness(t, testConfig(), st, q)
	ch := testConfig().Channels[0]
	ch.FilterExpression = `!text.lowerAscii().contains("expired")`

	require.NoError(t, h.svc.HandleLive(context.Background(), liveEvent("1", "bonus EXPIRED `OLD12345`\nhttp://x.com", ch)))
	assert.Equal(t, 0, st.Len(), "filtered pushes are not stored")

	require.NoError(t, h.svc.HandleLive(context.Background(), liveEvent("2", "fresh bonus `NEW12345`\nhttp://x.com", ch)))
	assert.Equal(t, 1, st.Len())
	assert.Equal(t, 1, q.count())
}

func TestRunLiveConsumerDrainsEvents(t *testing.T) {
	q := &recordingQueue{}
	st := store.NewMemoryStore()
	cfg := testConfig()
	events := make(chan live.Event, 2)

	svc := NewService(Deps{
		Client:   sourcetest.New(),
		Gate:     deduplication.NewGate(st, scheduler.NewFakeClock(start), logger.NopLogger()),
		Queue:    q,
		Settings: config.NewStaticProvider(cfg),
		Live:     events,
		Clock:    scheduler.NewFakeClock(start),
		Logger:   logger.NopLogger(),
	})

	events <- liveEvent("1", "bonus drop `PROMO2024`\nhttp://example.com", cfg.Channels[0])
	events <- liveEvent("1", "bonus drop `PROMO2024`\nhttp://example.com", cfg.Channels[0])
	close(events)

	require.NoError(t, svc.RunLiveConsumer(context.Background()))
	assert.Equal(t, 1, st.Len(), "a repeated push is deduplicated")
	assert.Equal(t, 2, q.count(), "the undelivered repeat is offered again")
}

func TestPolledIneligibleRecordIsNotSentByLivePush(t *testing.T) {
	q := &recordingQueue{}
	st := store.NewMemoryStore()
	h := newHarness(t, testConfig(), st, q)
	ch := testConfig().Channels[0]
	h.client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"},
		sourceMsg("bonus_chan", "1", "Huge bonus today `LIVE2024`", time.Minute))

	res := resultFor(h.svc.PollAll(context.Background()), "bonus_chan")
	require.Equal(t, 1, res.New)
	require.Equal(t, 0, res.Enqueued)

	require.NoError(t, h.svc.HandleLive(context.Background(), liveEvent("1", "Huge bonus today `LIVE2024`", ch)))
	assert.Equal(t, 0, q.count(), "a stored ineligible record is never resent")
	assert.Equal(t, 1, st.Len())
}

func TestSameMessageOnBothPathsIsSentOncePerDestination(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemoryStore()
	client := sourcetest.New()
	client.SetConnected(true)
	clock := scheduler.NewFakeClock(start)
	provider := config.NewStaticProvider(cfg)

	queue := delivery.NewQueue(client, st, provider, nil, clock, logger.NopLogger())
	svc := NewService(Deps{
		Client:   client,
		Gate:     deduplication.NewGate(st, clock, logger.NopLogger()),
		Queue:    queue,
		Settings: provider,
		Clock:    clock,
		Logger:   logger.NopLogger(),
	})

	text := "bonus drop `PROMO2024`\nhttp://example.com"
	client.AddChannel(source.Entity{ID: "100", Handle: "bonus_chan"}, sourceMsg("bonus_chan", "7", text, time.Minute))
	ev := liveEvent("7", text, cfg.Channels[0])
	ctx := context.Background()

	require.NoError(t, svc.HandleLive(ctx, ev))
	require.Equal(t, 2, queue.Len())

	res := resultFor(svc.PollAll(ctx), "bonus_chan")
	assert.Equal(t, 1, res.Known)
	assert.Equal(t, 0, res.Enqueued, "jobs already pending are not queued twice")

	queue.Drain(ctx)
	svc.PollAll(ctx)
	require.NoError(t, svc.HandleLive(ctx, ev))
	queue.Drain(ctx)

	sent := client.Sent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].Destination, sent[1].Destination)
	assert.Equal(t, 0, queue.Len())
	assert.Equal(t, 1, st.Len())
}

func TestStopForgetsResolvedChannels(t *testing.T) {
	h := newHarness(t, testConfig(), store.NewMemoryStore(), &recordingQueue{})
	ch := testConfig().Channels[1]
	h.client.AddChannel(source.Entity{ID: "200", Handle: "other_chan"})

	_, err := h.svc.ScanChannel(context.Background(), ch)
	require.NoError(t, err)

	h.client.FailResolve("other_chan", errors.New("entity gone"))
	_, err = h.svc.ScanChannel(context.Background(), ch)
	require.NoError(t, err, "resolved entity is reused")

	h.svc.Stop()
	_, err = h.svc.ScanChannel(context.Background(), ch)
	assert.Error(t, err)
}
