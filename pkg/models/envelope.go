package models

import "time"

// MessageEnvelope is the wire format for everything published to the broker.
type MessageEnvelope struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  Metadata               `json:"metadata"`
}

type Metadata struct {
	TraceID    string            `json:"trace_id,omitempty"`
	EventType  string            `json:"event_type,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

const (
	EventTypeMessageDelivered = "promo.delivered"
	EventTypeJobDropped       = "promo.job_dropped"
	EventTypeConfigUpdated    = "relay.config_updated"
)
