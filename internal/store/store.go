// Package store persists ingested messages. Every backend enforces uniqueness
// on (channel handle, message id); a second insert of the same key fails with
// ErrDuplicateKey, which callers treat as "already known".
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	pkgerrors "promorelay/pkg/errors"
	"promorelay/pkg/models"
)

var (
	ErrDuplicateKey = pkgerrors.ErrDuplicateKey
	ErrNotFound     = pkgerrors.ErrNotFound
)

type Store interface {
	// FindByKey returns ErrNotFound when nothing is stored under the key.
	FindByKey(ctx context.Context, channel, messageID string) (*models.PersistedMessage, error)
	// Insert fails with ErrDuplicateKey when the key already exists.
	Insert(ctx context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error)
	// MarkDelivered flips delivered to true. Repeating it is a no-op and the
	// first delivery time is kept.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// prepare assigns an id and discovery time to a record about to be inserted.
func prepare(msg *models.PersistedMessage, now time.Time) models.PersistedMessage {
	rec := *msg
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DiscoveredAt.IsZero() {
		rec.DiscoveredAt = now
	}
	if rec.ScrapedAt.IsZero() {
		rec.ScrapedAt = now
	}
	rec.Delivered = false
	rec.DeliveredAt = nil
	return rec
}

func duplicateKey(channel, messageID string, cause error) error {
	err := ErrDuplicateKey.
		WithDetail("channel", channel).
		WithDetail("message_id", messageID)
	if cause != nil {
		return err.WithCause(cause)
	}
	return err
}

func notFound(field, value string) error {
	return ErrNotFound.WithDetail(field, value)
}
