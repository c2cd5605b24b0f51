// Package deduplication decides whether an inbound message is new, already
// handled, or a resend candidate. The store's uniqueness constraint is the only
// dedup mechanism; losing an insert race is an answer, not a failure.
package deduplication

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"promorelay/internal/logger"
	"promorelay/internal/store"
	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/models"
	"promorelay/pkg/scheduler"
	"promorelay/pkg/tracing"
)

type Verdict int

const (
	// New means nothing is stored under the key yet.
	New Verdict = iota
	// AlreadyDelivered means the message was sent before and must be skipped.
	AlreadyDelivered
	// AlreadyKnownUndelivered means a deliverable record exists but was never
	// sent; delivery is retried from the stored record.
	AlreadyKnownUndelivered
	// KnownIneligible means a stored record exists that can never be delivered.
	KnownIneligible
)

func (v Verdict) String() string {
	switch v {
	case New:
		return "new"
	case AlreadyDelivered:
		return "already_delivered"
	case AlreadyKnownUndelivered:
		return "known_undelivered"
	case KnownIneligible:
		return "known_ineligible"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Classify maps a stored record to the verdict for a repeat sighting.
func Classify(rec *models.PersistedMessage) Verdict {
	switch {
	case rec.Delivered:
		return AlreadyDelivered
	case rec.Deliverable():
		return AlreadyKnownUndelivered
	default:
		return KnownIneligible
	}
}

type Gate struct {
	store  store.Store
	clock  scheduler.Clock
	logger logger.Logger
}

func NewGate(s store.Store, clock scheduler.Clock, log logger.Logger) *Gate {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	return &Gate{store: s, clock: clock, logger: log}
}

// Check looks msg up by its uniqueness key. The stored record is returned for
// every verdict except New.
func (g *Gate) Check(ctx context.Context, msg models.SourceMessage) (Verdict, *models.PersistedMessage, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.check",
		attribute.String("channel", msg.ChannelHandle),
		attribute.String("message_id", msg.ID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	rec, err := g.store.FindByKey(ctx, msg.ChannelHandle, msg.ID)
	if pkgerrors.IsNotFound(err) {
		err = nil
		return New, nil, nil
	}
	if err != nil {
		return New, nil, fmt.Errorf("dedup lookup for %s: %w", msg.Key(), err)
	}

	verdict := Classify(rec)
	span.SetAttributes(attribute.String("verdict", verdict.String()))
	return verdict, rec, nil
}

// Record persists a freshly extracted message. When another path inserted the
// same key first, the stored record is re-read and classified instead.
func (g *Gate) Record(ctx context.Context, msg models.SourceMessage, channelName string, rec models.ExtractedRecord, keywords []string) (Verdict, *models.PersistedMessage, error) {
	now := g.clock.Now()

	stored, err := g.store.Insert(ctx, &models.PersistedMessage{
		ChannelID:       msg.ChannelID,
		ChannelHandle:   msg.ChannelHandle,
		ChannelName:     channelName,
		MessageID:       msg.ID,
		Text:            msg.Text,
		MessageDate:     msg.Timestamp,
		Raw:             msg.Raw,
		MatchedKeywords: keywords,
		ExtractedRecord: rec,
		DiscoveredAt:    now,
		ScrapedAt:       now,
	})
	if err == nil {
		return New, stored, nil
	}

	if !pkgerrors.IsDuplicateKey(err) {
		return New, nil, fmt.Errorf("persist %s: %w", msg.Key(), err)
	}

	g.logger.DebugwCtx(ctx, "Lost insert race, reading stored record", "key", msg.Key().String())

	existing, findErr := g.store.FindByKey(ctx, msg.ChannelHandle, msg.ID)
	if findErr != nil {
		return New, nil, fmt.Errorf("re-read %s after duplicate insert: %w", msg.Key(), findErr)
	}
	return Classify(existing), existing, nil
}
