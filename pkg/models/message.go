package models

import (
	"encoding/json"
	"time"
)

// SourceMessage is a message as fetched or pushed by the source platform.
type SourceMessage struct {
	ID            string          `json:"id"`
	ChannelID     string          `json:"channel_id"`
	ChannelHandle string          `json:"channel_handle"`
	Text          string          `json:"text"`
	Timestamp     time.Time       `json:"timestamp"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// Key is the uniqueness key of a source message.
func (m SourceMessage) Key() MessageKey {
	return MessageKey{Channel: m.ChannelHandle, MessageID: m.ID}
}

type MessageKey struct {
	Channel   string
	MessageID string
}

func (k MessageKey) String() string {
	return k.Channel + "/" + k.MessageID
}

// ExtractedRecord holds the promotional fields pulled out of message text.
// AllCodes keeps every candidate in discovery order even when HasCode was
// collapsed to false.
type ExtractedRecord struct {
	PrimaryCode    string   `json:"primary_code,omitempty" bson:"primary_code,omitempty"`
	AllCodes       []string `json:"all_codes,omitempty" bson:"all_codes,omitempty"`
	DestinationURL string   `json:"destination_url,omitempty" bson:"destination_url,omitempty"`
	HasCode        bool     `json:"has_code" bson:"has_code"`
	HasURL         bool     `json:"has_url" bson:"has_url"`
}

// Deliverable reports whether both a code and a URL were found.
func (r ExtractedRecord) Deliverable() bool {
	return r.HasCode && r.HasURL
}

// Code returns the primary code, falling back to the first candidate when the
// primary was cleared by the eligibility collapse.
func (r ExtractedRecord) Code() string {
	if r.PrimaryCode != "" {
		return r.PrimaryCode
	}
	if len(r.AllCodes) > 0 {
		return r.AllCodes[0]
	}
	return ""
}

// PersistedMessage is the stored form of an ingested message. Delivered only
// ever moves from false to true.
type PersistedMessage struct {
	ID              string          `json:"id" bson:"_id"`
	ChannelID       string          `json:"channel_id" bson:"channel_id"`
	ChannelHandle   string          `json:"channel_handle" bson:"channel_handle"`
	ChannelName     string          `json:"channel_name" bson:"channel_name"`
	MessageID       string          `json:"message_id" bson:"message_id"`
	Text            string          `json:"text" bson:"text"`
	MessageDate     time.Time       `json:"message_date" bson:"message_date"`
	Raw             json.RawMessage `json:"raw,omitempty" bson:"raw,omitempty"`
	MatchedKeywords []string        `json:"matched_keywords,omitempty" bson:"matched_keywords,omitempty"`
	ExtractedRecord `bson:",inline"`
	Delivered       bool       `json:"delivered" bson:"delivered"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	DiscoveredAt    time.Time  `json:"discovered_at" bson:"discovered_at"`
	ScrapedAt       time.Time  `json:"scraped_at" bson:"scraped_at"`
}

func (m *PersistedMessage) Key() MessageKey {
	return MessageKey{Channel: m.ChannelHandle, MessageID: m.MessageID}
}
