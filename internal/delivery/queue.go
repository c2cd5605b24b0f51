// Package delivery fans eligible messages out to destinations and drains the
// resulting jobs against the platform's rate-limited send path.
package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"promorelay/internal/config"
	"promorelay/internal/logger"
	"promorelay/internal/source"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/logging"
	"promorelay/pkg/metrics"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
	"promorelay/pkg/tracing"
)

// Job is one rendered message bound for one destination. Jobs live only in
// memory.
type Job struct {
	ID          string
	Destination config.DestinationConfig
	Text        string
	Message     *models.PersistedMessage
	EnqueuedAt  time.Time
	Attempts    int
}

func (j *Job) pendingKey() string {
	return j.Message.ID + "|" + j.Destination.Handle
}

// Sink is the outbound half of the platform client.
type Sink interface {
	ResolveChannel(ctx context.Context, handle string) (source.Entity, error)
	Send(ctx context.Context, destination source.Entity, text string) error
}

// Marker flips the delivered flag of a stored message.
type Marker interface {
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// Settings supplies the relay settings; they are re-read every cycle.
type Settings interface {
	Relay() config.RelayConfig
}

// Queue holds delivery jobs in FIFO order. Only the drain task pops jobs, and
// a rate-limited job goes back to the head so it keeps its place.
type Queue struct {
	sink     Sink
	marker   Marker
	settings Settings
	events   EventSink
	clock    scheduler.Clock
	logger   logger.Logger
	task     *scheduler.Task

	mu       sync.Mutex
	jobs     []*Job
	pending  map[string]struct{}
	entities map[string]source.Entity
	stopped  bool

	sent    atomic.Int64
	dropped atomic.Int64
}

func NewQueue(sink Sink, marker Marker, settings Settings, events EventSink, clock scheduler.Clock, log logger.Logger) *Queue {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if events == nil {
		events = NopEvents{}
	}
	q := &Queue{
		sink:     sink,
		marker:   marker,
		settings: settings,
		events:   events,
		clock:    clock,
		logger:   log,
		pending:  make(map[string]struct{}),
		entities: make(map[string]source.Entity),
	}
	q.task = scheduler.NewTask("delivery_drain", settings.Relay().DrainInterval, clock, q.drain)
	return q
}

// Enqueue renders msg for every active destination and appends the jobs. A
// destination that already has a pending job for msg is skipped. It returns
// the number of jobs added.
func (q *Queue) Enqueue(msg *models.PersistedMessage, destinations []config.DestinationConfig) int {
	relay := q.settings.Relay()
	data := NewTemplateData(msg, relay)
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return 0
	}

	added := 0
	for _, dest := range destinations {
		if !dest.Active {
			continue
		}
		tmpl := dest.Template
		if tmpl == "" {
			tmpl = DefaultTemplate
		}
		job := &Job{
			ID:          uuid.NewString(),
			Destination: dest,
			Text:        Render(tmpl, data),
			Message:     msg,
			EnqueuedAt:  now,
		}
		if _, dup := q.pending[job.pendingKey()]; dup {
			continue
		}
		q.pending[job.pendingKey()] = struct{}{}
		q.jobs = append(q.jobs, job)
		added++
	}

	metrics.DeliveryJobsTotal.WithLabelValues("enqueued").Add(float64(added))
	metrics.SetDeliveryQueueSize(len(q.jobs))
	return added
}

// Drain runs one drain cycle now unless one is already in flight. It reports
// whether the cycle ran.
func (q *Queue) Drain(ctx context.Context) bool {
	return q.task.TryRun(ctx)
}

// Run drains on the configured interval until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	return q.task.Run(ctx)
}

// Stop discards every queued job and forgets resolved destinations. A send
// already in progress is not interrupted.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.jobs); n > 0 {
		metrics.DeliveryJobsTotal.WithLabelValues("discarded").Add(float64(n))
		q.logger.Infow("Discarding queued delivery jobs", "count", n)
	}
	q.stopped = true
	q.jobs = nil
	q.pending = make(map[string]struct{})
	q.entities = make(map[string]source.Entity)
	metrics.SetDeliveryQueueSize(0)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Sent is the number of successful sends since start.
func (q *Queue) Sent() int64 {
	return q.sent.Load()
}

func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Snapshot returns the queued jobs in drain order.
func (q *Queue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = *j
	}
	return out
}

func (q *Queue) drain(ctx context.Context) {
	relay := q.settings.Relay()
	batch := q.popBatch(relay.BatchSize)
	if len(batch) == 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "delivery.drain", attribute.Int("batch_size", len(batch)))
	defer tracing.EndSpan(span, nil)

	for i, job := range batch {
		if ctx.Err() != nil {
			q.pushFront(batch[i:]...)
			return
		}

		err := q.send(ctx, job)
		if err == nil {
			q.succeeded(ctx, job)
			if i < len(batch)-1 && relay.SendDelay > 0 {
				if q.clock.Sleep(ctx, relay.SendDelay) != nil {
					q.pushFront(batch[i+1:]...)
					return
				}
			}
			continue
		}

		job.Attempts++
		jobCtx := logging.WithDestination(ctx, job.Destination.Handle)

		if wait, limited := source.RateLimitWait(err); limited || source.IsRateLimited(err) {
			metrics.DeliveryJobsTotal.WithLabelValues("rate_limited").Inc()
			metrics.ObserveRateLimitWait(wait)
			rest := batch[i+1:]
			if q.exhausted(job, relay) {
				q.drop(jobCtx, job, err)
				q.pushFront(rest...)
			} else {
				q.pushFront(append([]*Job{job}, rest...)...)
			}
			q.logger.WarnwCtx(jobCtx, "Send rate limited, suspending drain",
				"job_id", job.ID, "wait", wait.String(), "attempts", job.Attempts)
			span.SetAttributes(attribute.Int64("rate_limit_wait_ms", wait.Milliseconds()))
			_ = q.clock.Sleep(ctx, wait)
			return
		}

		metrics.DeliveryJobsTotal.WithLabelValues("failed").Inc()
		if q.exhausted(job, relay) {
			q.drop(jobCtx, job, err)
			continue
		}
		q.logger.WarnwCtx(jobCtx, "Send failed, requeueing at tail",
			"job_id", job.ID, "attempts", job.Attempts, "error", err)
		q.pushBack(job)
	}
}

func (q *Queue) send(ctx context.Context, job *Job) error {
	entity, err := q.resolve(ctx, job.Destination)
	if err != nil {
		return err
	}

	start := time.Now()
	err = q.sink.Send(ctx, entity, job.Text)
	metrics.ObserveSendDuration(time.Since(start))
	return err
}

func (q *Queue) resolve(ctx context.Context, dest config.DestinationConfig) (source.Entity, error) {
	if dest.ID != "" {
		return source.Entity{ID: dest.ID, Handle: dest.Handle, Title: dest.Name}, nil
	}

	q.mu.Lock()
	entity, ok := q.entities[dest.Handle]
	q.mu.Unlock()
	if ok {
		return entity, nil
	}

	entity, err := q.sink.ResolveChannel(ctx, dest.Handle)
	if err != nil {
		return source.Entity{}, err
	}

	q.mu.Lock()
	if !q.stopped {
		q.entities[dest.Handle] = entity
	}
	q.mu.Unlock()
	return entity, nil
}

func (q *Queue) succeeded(ctx context.Context, job *Job) {
	q.sent.Add(1)
	metrics.DeliveryJobsTotal.WithLabelValues("sent").Inc()
	q.release(job)

	now := q.clock.Now()
	if err := q.marker.MarkDelivered(ctx, job.Message.ID, now); err != nil {
		q.logger.ErrorwCtx(ctx, "Failed to mark message delivered",
			"message_id", job.Message.ID, "destination", job.Destination.Handle, "error", err)
	} else {
		job.Message.Delivered = true
		job.Message.DeliveredAt = &now
	}

	q.events.JobDelivered(ctx, job)
	q.logger.InfowCtx(ctx, "Promo delivered",
		"job_id", job.ID, "destination", job.Destination.Handle, "key", job.Message.Key().String())
}

func (q *Queue) exhausted(job *Job, relay config.RelayConfig) bool {
	return relay.MaxJobAttempts > 0 && job.Attempts >= relay.MaxJobAttempts
}

func (q *Queue) drop(ctx context.Context, job *Job, cause error) {
	q.dropped.Add(1)
	metrics.DeliveryJobsTotal.WithLabelValues("dropped").Inc()
	q.release(job)

	err := pkgerrors.ErrExhaustedRetries.WithCause(cause)
	q.logger.ErrorwCtx(ctx, "Dropping delivery job",
		"job_id", job.ID, "attempts", job.Attempts, "error", err)
	q.events.JobDropped(ctx, job, err)
}

func (q *Queue) release(job *Job) {
	q.mu.Lock()
	delete(q.pending, job.pendingKey())
	q.mu.Unlock()
}

func (q *Queue) popBatch(size int) []*Job {
	if size <= 0 {
		size = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.jobs) == 0 {
		return nil
	}
	if size > len(q.jobs) {
		size = len(q.jobs)
	}
	batch := make([]*Job, size)
	copy(batch, q.jobs[:size])
	q.jobs = q.jobs[size:]
	metrics.SetDeliveryQueueSize(len(q.jobs))
	return batch
}

func (q *Queue) pushFront(jobs ...*Job) {
	if len(jobs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.jobs = append(append(make([]*Job, 0, len(jobs)+len(q.jobs)), jobs...), q.jobs...)
	metrics.SetDeliveryQueueSize(len(q.jobs))
}

func (q *Queue) pushBack(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.jobs = append(q.jobs, job)
	metrics.SetDeliveryQueueSize(len(q.jobs))
}
