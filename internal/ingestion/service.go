// Package ingestion wires the poll and push paths through dedup, extraction
// and the delivery queue.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"promorelay/internal/config"
	"promorelay/internal/constants"
	"promorelay/internal/deduplication"
	"promorelay/internal/extraction"
	"promorelay/internal/live"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/logging"
	"promorelay/pkg/metrics"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
	"promorelay/pkg/tracing"
)

// Settings is the part of the config provider the orchestrator reads. It is
// consulted on every cycle so active flags are never cached.
type Settings interface {
	Relay() config.RelayConfig
	ActiveChannels() []config.ChannelConfig
	ActiveDestinations() []config.DestinationConfig
}

type Enqueuer interface {
	Enqueue(msg *models.PersistedMessage, destinations []config.DestinationConfig) int
}

type Deps struct {
	Client   source.Client
	Gate     *deduplication.Gate
	Queue    Enqueuer
	Settings Settings
	// Live carries admitted pushes; nil disables the push path.
	Live <-chan live.Event
	// Filter applies per-channel filter expressions on the push path.
	Filter *live.ExpressionFilter
	Clock  scheduler.Clock
	Logger logger.Logger
}

// ScanResult summarises one channel scan.
type ScanResult struct {
	Channel  string `json:"channel"`
	Fetched  int    `json:"fetched"`
	TooOld   int    `json:"too_old"`
	New      int    `json:"new"`
	Known    int    `json:"known"`
	Enqueued int    `json:"enqueued"`
	Failed   int    `json:"failed"`
	Skipped  bool   `json:"skipped,omitempty"`
}

type Service struct {
	client   source.Client
	gate     *deduplication.Gate
	queue    Enqueuer
	settings Settings
	live     <-chan live.Event
	filter   *live.ExpressionFilter
	clock    scheduler.Clock
	logger   logger.Logger

	pollTask *scheduler.Task

	scanning sync.Map // channel handle -> struct{}
	mu       sync.Mutex
	entities map[string]source.Entity
	lastPoll atomic.Pointer[time.Time]
	results  []ScanResult
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = scheduler.RealClock()
	}
	s := &Service{
		client:   d.Client,
		gate:     d.Gate,
		queue:    d.Queue,
		settings: d.Settings,
		live:     d.Live,
		filter:   d.Filter,
		clock:    d.Clock,
		logger:   d.Logger,
		entities: make(map[string]source.Entity),
	}
	s.pollTask = scheduler.NewTask("poll", d.Settings.Relay().CheckInterval, d.Clock, func(ctx context.Context) {
		s.PollAll(ctx)
	})
	s.pollTask.Immediate = true
	return s
}

// RunPoller scans every active channel on the check interval until ctx is
// done. A tick that lands while the previous poll is running is skipped.
func (s *Service) RunPoller(ctx context.Context) error {
	return s.pollTask.Run(ctx)
}

// TriggerPoll runs a poll cycle now unless one is in flight.
func (s *Service) TriggerPoll(ctx context.Context) bool {
	return s.pollTask.TryRun(ctx)
}

// ForgetChannels drops the resolved channel entities so the next scan
// resolves handles again. It runs on config reload and on Stop.
func (s *Service) ForgetChannels() {
	s.mu.Lock()
	s.entities = make(map[string]source.Entity)
	s.mu.Unlock()
}

// Stop releases per-channel state. A scan in flight finishes on the entity it
// already holds.
func (s *Service) Stop() {
	s.ForgetChannels()
}

func (s *Service) LastPoll() time.Time {
	if t := s.lastPoll.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// PollAll scans the currently active channels with bounded concurrency. One
// channel failing does not stop the others.
func (s *Service) PollAll(ctx context.Context) []ScanResult {
	channels := s.settings.ActiveChannels()
	relay := s.settings.Relay()

	limit := relay.ScanConcurrency
	if limit <= 0 {
		limit = constants.DefaultScanConcurrency
	}

	results := make([]ScanResult, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, ch := range channels {
		g.Go(func() error {
			res, err := s.ScanChannel(gctx, ch)
			if err != nil {
				s.logger.WarnwCtx(gctx, "Channel scan failed", "channel", ch.Handle, "error", err)
				metrics.IncIngestionError(constants.PathPoll, "fetch")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	now := s.clock.Now()
	s.lastPoll.Store(&now)
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
	return results
}

// LastResults returns the per-channel results of the most recent poll.
func (s *Service) LastResults() []ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScanResult(nil), s.results...)
}

// ScanChannel fetches the newest messages of ch and runs each one through
// the pipeline in the order the platform returned them. A scan of a channel
// that is still being scanned is skipped.
func (s *Service) ScanChannel(ctx context.Context, ch config.ChannelConfig) (ScanResult, error) {
	res := ScanResult{Channel: ch.Handle}

	if _, busy := s.scanning.LoadOrStore(ch.Handle, struct{}{}); busy {
		res.Skipped = true
		return res, nil
	}
	defer s.scanning.Delete(ch.Handle)

	ctx = logging.WithChannel(ctx, ch.Handle)
	ctx, span := tracing.StartSpan(ctx, "ingestion.scan", attribute.String("channel", ch.Handle))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	defer func() { metrics.ObserveScanDuration(ch.Handle, time.Since(start)) }()

	relay := s.settings.Relay()

	entity, err := s.resolve(ctx, ch)
	if err != nil {
		return res, err
	}

	msgs, err := s.client.FetchMessages(ctx, entity, relay.FetchLimit, 0)
	if err != nil {
		if wait, ok := source.RateLimitWait(err); ok {
			s.logger.WarnwCtx(ctx, "Fetch rate limited, channel waits for the next cycle", "wait", wait.String())
		}
		return res, err
	}
	res.Fetched = len(msgs)

	now := s.clock.Now()
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		if msg.ChannelHandle == "" {
			msg.ChannelHandle = ch.Handle
		}
		if relay.MaxAge > 0 && !msg.Timestamp.IsZero() && now.Sub(msg.Timestamp) > relay.MaxAge {
			res.TooOld++
			continue
		}

		keywords := live.MatchKeywords(msg.Text, ch.Keywords)
		var out outcome
		procErr := pkgerrors.Safely(func() error {
			var perr error
			out, perr = s.process(ctx, constants.PathPoll, msg, ch, keywords, BatchSendPolicy, nil)
			return perr
		})
		if procErr != nil {
			res.Failed++
			metrics.IncIngestionError(constants.PathPoll, "process")
			s.logger.ErrorwCtx(logging.WithMessageID(ctx, msg.ID), "Failed to process message", "error", procErr)
			continue
		}
		res.tally(out)
	}

	span.SetAttributes(
		attribute.Int("fetched", res.Fetched),
		attribute.Int("new", res.New),
		attribute.Int("enqueued", res.Enqueued),
	)
	if res.New > 0 || res.Enqueued > 0 {
		s.logger.InfowCtx(ctx, "Channel scanned",
			"fetched", res.Fetched, "new", res.New, "known", res.Known,
			"enqueued", res.Enqueued, "too_old", res.TooOld, "failed", res.Failed)
	}
	return res, nil
}

// HandleLive runs an admitted push through extraction, the channel filter
// expression, dedup and the live send policy.
func (s *Service) HandleLive(ctx context.Context, ev live.Event) error {
	ctx = logging.WithMessageID(logging.WithChannel(ctx, ev.Channel.Handle), ev.Message.ID)

	var check func(ctx context.Context, rec models.ExtractedRecord) (bool, error)
	if s.filter != nil && ev.Channel.FilterExpression != "" {
		check = func(ctx context.Context, rec models.ExtractedRecord) (bool, error) {
			return s.filter.Allow(ctx, ev, rec)
		}
	}

	policy := LiveSendPolicy(s.settings.Relay())
	_, err := s.process(ctx, constants.PathLive, ev.Message, ev.Channel, ev.Keywords, policy, check)
	return err
}

// RunLiveConsumer handles admitted pushes one at a time until ctx is done or
// the event channel closes.
func (s *Service) RunLiveConsumer(ctx context.Context) error {
	if s.live == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.live:
			if !ok {
				return nil
			}
			err := pkgerrors.Safely(func() error { return s.HandleLive(ctx, ev) })
			if err != nil {
				metrics.IncIngestionError(constants.PathLive, "process")
				s.logger.ErrorwCtx(ctx, "Failed to handle live message",
					"channel", ev.Channel.Handle, "message_id", ev.Message.ID, "error", err)
			}
		}
	}
}

type outcome struct {
	verdict  deduplication.Verdict
	enqueued int
	filtered bool
}

func (r *ScanResult) tally(o outcome) {
	switch o.verdict {
	case deduplication.New:
		r.New++
	default:
		r.Known++
	}
	r.Enqueued += o.enqueued
}

func (s *Service) process(
	ctx context.Context,
	path string,
	msg models.SourceMessage,
	ch config.ChannelConfig,
	keywords []string,
	policy SendPolicy,
	check func(context.Context, models.ExtractedRecord) (bool, error),
) (outcome, error) {
	verdict, stored, err := s.gate.Check(ctx, msg)
	if err != nil {
		return outcome{}, err
	}

	if verdict == deduplication.New {
		rec := extraction.Extract(msg.Text)
		metrics.ExtractionResultsTotal.WithLabelValues(extractionResult(rec)).Inc()

		if check != nil {
			ok, err := check(ctx, rec)
			if err != nil {
				return outcome{}, err
			}
			if !ok {
				metrics.IncIngested(path, "filtered")
				return outcome{verdict: verdict, filtered: true}, nil
			}
		}

		verdict, stored, err = s.gate.Record(ctx, msg, ch.DisplayName(), rec, keywords)
		if err != nil {
			return outcome{}, err
		}
	}

	metrics.IncIngested(path, verdict.String())
	out := outcome{verdict: verdict}

	// Only a new message or a deliverable record that was never sent may be
	// queued; a stored ineligible record stays unsent whichever path sees it.
	if verdict != deduplication.New && verdict != deduplication.AlreadyKnownUndelivered {
		return out, nil
	}
	if stored.Delivered || !policy(stored.ExtractedRecord, stored.Text) {
		return out, nil
	}

	out.enqueued = s.queue.Enqueue(stored, s.settings.ActiveDestinations())
	if out.enqueued > 0 {
		s.logger.InfowCtx(ctx, "Promo queued for delivery",
			"path", path, "verdict", verdict.String(), "code", stored.Code(), "jobs", out.enqueued)
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, ch config.ChannelConfig) (source.Entity, error) {
	if ch.ID != "" {
		return source.Entity{ID: ch.ID, Handle: ch.Handle, Title: ch.Name}, nil
	}

	s.mu.Lock()
	e, ok := s.entities[ch.Handle]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := s.client.ResolveChannel(ctx, ch.Handle)
	if err != nil {
		return source.Entity{}, fmt.Errorf("resolve channel %s: %w", ch.Handle, err)
	}

	s.mu.Lock()
	s.entities[ch.Handle] = e
	s.mu.Unlock()
	return e, nil
}

func extractionResult(rec models.ExtractedRecord) string {
	switch {
	case rec.Deliverable():
		return "deliverable"
	case len(rec.AllCodes) > 0 || rec.DestinationURL != "":
		return "partial"
	default:
		return "empty"
	}
}
