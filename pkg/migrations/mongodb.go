package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMessagesCollection creates the indexes the message store relies on.
// The unique (channel_handle, message_id) index is what makes a second insert
// of the same message fail.
func EnsureMessagesCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "channel_handle", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetName("uniq_messages_channel_message").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "delivered", Value: 1}, {Key: "discovered_at", Value: -1}},
			Options: options.Index().SetName("idx_messages_delivered_discovered"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
