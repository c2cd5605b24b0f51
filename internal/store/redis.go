package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"promorelay/internal/constants"
	"promorelay/pkg/models"
)

const redisIDPrefix = "msgid:"

// insertScript writes the record and its id index in one step, so a record
// never exists without the index MarkDelivered needs.
var insertScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[2], KEYS[1])
return 1
`)

// RedisStore keeps each record as JSON under msg:<channel>:<message id>. SETNX
// on that key is the uniqueness check; msgid:<id> points back to it and is
// written in the same script.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func messageKey(channel, messageID string) string {
	return constants.CacheKeyPrefixMessage + channel + ":" + messageID
}

func (s *RedisStore) FindByKey(ctx context.Context, channel, messageID string) (*models.PersistedMessage, error) {
	return s.get(ctx, messageKey(channel, messageID))
}

func (s *RedisStore) get(ctx context.Context, key string) (*models.PersistedMessage, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s failed: %w", key, err)
	}

	var msg models.PersistedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", key, err)
	}
	return &msg, nil
}

func (s *RedisStore) Insert(ctx context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error) {
	rec := prepare(msg, s.now())
	key := messageKey(rec.ChannelHandle, rec.MessageID)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	inserted, err := insertScript.Run(ctx, s.client, []string{key, redisIDPrefix + rec.ID}, data).Int()
	if err != nil {
		return nil, fmt.Errorf("redis insert of %s failed: %w", key, err)
	}
	if inserted == 0 {
		return nil, duplicateKey(rec.ChannelHandle, rec.MessageID, nil)
	}

	return &rec, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	key, err := s.client.Get(ctx, redisIDPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return notFound("id", id)
	}
	if err != nil {
		return fmt.Errorf("redis GET id index failed: %w", err)
	}

	// Optimistic update: a concurrent writer makes the transaction fail and
	// the caller's retry policy decides what to do.
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound("id", id)
		}
		if err != nil {
			return err
		}

		var msg models.PersistedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to decode message %s: %w", key, err)
		}
		if msg.Delivered {
			return nil
		}
		msg.Delivered = true
		msg.DeliveredAt = &at

		updated, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}
