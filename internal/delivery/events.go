package delivery

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"promorelay/internal/broker"
	"promorelay/internal/config"
	"promorelay/internal/constants"
	"promorelay/internal/logger"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
)

// EventSink is told about every job outcome. Implementations must not block
// the drain for long.
type EventSink interface {
	JobDelivered(ctx context.Context, job *Job)
	JobDropped(ctx context.Context, job *Job, cause error)
}

type NopEvents struct{}

func (NopEvents) JobDelivered(context.Context, *Job)      {}
func (NopEvents) JobDropped(context.Context, *Job, error) {}

// BrokerEvents publishes delivery audit events to the output topic and
// dropped jobs to the dead letter topic.
type BrokerEvents struct {
	producer    broker.Producer
	outputTopic string
	dlqTopic    string
	clock       scheduler.Clock
	logger      logger.Logger
}

func NewBrokerEvents(producer broker.Producer, cfg config.KafkaConfig, clock scheduler.Clock, log logger.Logger) *BrokerEvents {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	return &BrokerEvents{
		producer:    producer,
		outputTopic: cfg.OutputTopic,
		dlqTopic:    cfg.DLQTopic,
		clock:       clock,
		logger:      log,
	}
}

func (e *BrokerEvents) JobDelivered(ctx context.Context, job *Job) {
	if e.outputTopic == "" {
		return
	}
	env := e.envelope(job, models.EventTypeMessageDelivered)
	if err := e.producer.Publish(ctx, e.outputTopic, env); err != nil {
		e.logger.WarnwCtx(ctx, "Failed to publish delivery event", "job_id", job.ID, "error", err)
	}
}

func (e *BrokerEvents) JobDropped(ctx context.Context, job *Job, cause error) {
	if e.dlqTopic == "" {
		return
	}
	env := e.envelope(job, models.EventTypeJobDropped)
	if err := broker.SendToDLQ(ctx, e.producer, e.dlqTopic, env, "attempts_exhausted", cause, e.outputTopic); err != nil {
		e.logger.ErrorwCtx(ctx, "Failed to publish dropped job", "job_id", job.ID, "error", err)
	}
}

func (e *BrokerEvents) envelope(job *Job, eventType string) models.MessageEnvelope {
	msg := job.Message
	return models.MessageEnvelope{
		ID:        uuid.NewString(),
		Source:    constants.ServiceName,
		Timestamp: e.clock.Now().UTC(),
		Payload: map[string]interface{}{
			"job_id":          job.ID,
			"destination":     job.Destination.Handle,
			"message_id":      msg.MessageID,
			"record_id":       msg.ID,
			"channel":         msg.ChannelHandle,
			"primary_code":    msg.Code(),
			"all_codes":       msg.AllCodes,
			"destination_url": msg.DestinationURL,
			"attempts":        job.Attempts,
			"enqueued_at":     job.EnqueuedAt.UTC(),
		},
		Metadata: models.Metadata{
			EventType: eventType,
			Attributes: map[string]string{
				"destination": job.Destination.Handle,
				"attempts":    strconv.Itoa(job.Attempts),
			},
		},
	}
}
