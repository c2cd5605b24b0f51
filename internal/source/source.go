// Package source describes the capabilities the relay needs from the messaging
// platform and ships a gateway-backed implementation.
package source

import (
	"context"

	"promorelay/pkg/models"
)

// Entity is a resolved channel or destination.
type Entity struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Title  string `json:"title,omitempty"`
}

// Handler receives live pushes. It must not block.
type Handler func(msg models.SourceMessage)

type Subscription interface {
	Unsubscribe() error
}

// Client is the platform capability surface. Any method may fail with a
// *RateLimitError or ErrNotConnected.
type Client interface {
	Connect(ctx context.Context) error
	ResolveChannel(ctx context.Context, handle string) (Entity, error)
	FetchMessages(ctx context.Context, channel Entity, limit, offset int) ([]models.SourceMessage, error)
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
	IsConnected() bool
	Send(ctx context.Context, destination Entity, text string) error
	Close() error
}
