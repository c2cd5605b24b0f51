package models

import "time"

type ConfigUpdateEvent struct {
	EventType string    `json:"event_type"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	ChangedBy string    `json:"changed_by,omitempty"`
}

const (
	ActionReload = "reload"
)
