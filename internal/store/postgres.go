package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"promorelay/pkg/models"
)

const pgUniqueViolation = "23505"

const messageColumns = `id, channel_id, channel_handle, channel_name, message_id, text, message_date, raw,
	matched_keywords, primary_code, all_codes, destination_url, has_code, has_url,
	delivered, delivered_at, discovered_at, scraped_at`

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) FindByKey(ctx context.Context, channel, messageID string) (*models.PersistedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_handle = $1 AND message_id = $2`,
		channel, messageID,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("key", channel+"/"+messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message %s/%s: %w", channel, messageID, err)
	}
	return msg, nil
}

func (s *PostgresStore) Insert(ctx context.Context, msg *models.PersistedMessage) (*models.PersistedMessage, error) {
	rec := prepare(msg, s.now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.ChannelID, rec.ChannelHandle, rec.ChannelName, rec.MessageID, rec.Text,
		rec.MessageDate, nullableJSON(rec.Raw), pq.Array(nonNil(rec.MatchedKeywords)),
		rec.PrimaryCode, pq.Array(nonNil(rec.AllCodes)), rec.DestinationURL, rec.HasCode, rec.HasURL,
		rec.Delivered, rec.DeliveredAt, rec.DiscoveredAt, rec.ScrapedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return nil, duplicateKey(rec.ChannelHandle, rec.MessageID, err)
		}
		return nil, fmt.Errorf("failed to insert message %s/%s: %w", rec.ChannelHandle, rec.MessageID, err)
	}

	return &rec, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivered = TRUE, delivered_at = COALESCE(delivered_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message %s delivered: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound("id", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.PersistedMessage, error) {
	var (
		msg         models.PersistedMessage
		raw         []byte
		deliveredAt sql.NullTime
		keywords    []string
		codes       []string
	)

	err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.ChannelHandle, &msg.ChannelName, &msg.MessageID, &msg.Text,
		&msg.MessageDate, &raw, pq.Array(&keywords), &msg.PrimaryCode, pq.Array(&codes),
		&msg.DestinationURL, &msg.HasCode, &msg.HasURL, &msg.Delivered, &deliveredAt,
		&msg.DiscoveredAt, &msg.ScrapedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		msg.Raw = json.RawMessage(raw)
	}
	if len(keywords) > 0 {
		msg.MatchedKeywords = keywords
	}
	if len(codes) > 0 {
		msg.AllCodes = codes
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}

	return &msg, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
