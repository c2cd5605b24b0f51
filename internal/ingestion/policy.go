package ingestion

import (
	"unicode/utf8"

	"promorelay/internal/config"
	"promorelay/pkg/models"
)

// SendPolicy decides whether a stored record should be handed to the delivery
// queue.
type SendPolicy func(rec models.ExtractedRecord, text string) bool

// BatchSendPolicy is the poll path rule: both a code and a URL are required.
func BatchSendPolicy(rec models.ExtractedRecord, _ string) bool {
	return rec.Deliverable()
}

// LiveSendPolicy is the push path rule. It only asks for a code candidate and
// a minimum text length, unless relay.LiveRequireURL switches it to the batch
// rule. The two rules are kept apart on purpose; see DESIGN.md.
func LiveSendPolicy(relay config.RelayConfig) SendPolicy {
	return func(rec models.ExtractedRecord, text string) bool {
		if utf8.RuneCountInString(text) < relay.LiveMinTextLength {
			return false
		}
		if relay.LiveRequireURL {
			return rec.Deliverable()
		}
		return rec.Code() != ""
	}
}
