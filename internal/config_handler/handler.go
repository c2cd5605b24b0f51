package config_handler

import (
	"context"
	"encoding/json"

	"promorelay/internal/logger"
	"promorelay/pkg/models"
)

type ConfigReloader interface {
	Reload() error
}

// Handler reacts to config update events published on the broker by
// re-reading the relay configuration.
type Handler struct {
	expectedEventType string
	reloader          ConfigReloader
	selfSource        string
	logger            logger.Logger
}

func NewHandler(expectedEventType string, reloader ConfigReloader, log logger.Logger) *Handler {
	return &Handler{
		expectedEventType: expectedEventType,
		reloader:          reloader,
		logger:            log,
	}
}

// IgnoreSource skips events this instance published itself; it already
// reloaded before announcing.
func (h *Handler) IgnoreSource(source string) *Handler {
	h.selfSource = source
	return h
}

func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, envelope models.MessageEnvelope) error {
	if h.selfSource != "" && envelope.Source == h.selfSource {
		return nil
	}

	eventType := envelope.Metadata.EventType
	if eventType == "" {
		if v, ok := envelope.Payload["event_type"].(string); ok {
			eventType = v
		} else {
			h.logger.WarnwCtx(ctx, "Config event missing event_type", "id", envelope.ID)
			return nil
		}
	}

	if eventType != h.expectedEventType {
		return nil
	}

	var event models.ConfigUpdateEvent
	eventJSON, err := json.Marshal(envelope.Payload)
	if err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to marshal event payload", "error", err, "id", envelope.ID)
		return err
	}

	if err := json.Unmarshal(eventJSON, &event); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to unmarshal config event", "error", err, "id", envelope.ID)
		return err
	}

	if event.Action != "" && event.Action != models.ActionReload {
		h.logger.DebugwCtx(ctx, "Ignoring config event action", "action", event.Action)
		return nil
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"event_type", eventType,
		"action", event.Action,
		"changed_by", event.ChangedBy,
	)

	if err := h.reloader.Reload(); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload config after update event", "error", err)
		return err
	}

	h.logger.InfowCtx(ctx, "Config reloaded after update event")
	return nil
}
