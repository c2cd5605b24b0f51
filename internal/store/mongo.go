package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"promorelay/pkg/models"
)

// MongoStore relies on the unique (channel_handle, message_id) index created by
// migrations.EnsureMessagesCollection.
type MongoStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection, now: time.Now}
}

func (s *MongoStore) FindByKey(ctx context.Context, channel, messageID string) (*models.PersistedMessage, error) {
	var msg models.PersistedMessage
	err := s.collection.FindOne(ctx, bson.M{
		"channel_handle": channel,
		"message_id":     messageID,
	}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("key", channel+"/"+messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message %s/%s: %w", channel, messageID, err)
	}
	return &msg, nil
}

func (s *MongoStore) Insert(ctx context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error) {
	rec := prepare(msg, s.now())

	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, duplicateKey(rec.ChannelHandle, rec.MessageID, err)
		}
		return nil, fmt.Errorf("failed to insert message %s/%s: %w", rec.ChannelHandle, rec.MessageID, err)
	}
	return &rec, nil
}

func (s *MongoStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "delivered": false},
		bson.M{"$set": bson.M{"delivered": true, "delivered_at": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark message %s delivered: %w", id, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to look up message %s: %w", id, err)
	}
	if n == 0 {
		return notFound("id", id)
	}
	return nil
}
