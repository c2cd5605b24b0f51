package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"promorelay/internal/config"
	"promorelay/pkg/models"
)

func TestRender(t *testing.T) {
	data := TemplateData{
		Channel:  "Bonus Hunters",
		Code:     "PROMO2024",
		Codes:    []string{"PROMO2024", "EXTRA50"},
		URL:      "https://example.com",
		Text:     "hello",
		Date:     "02.01.2026 03:04",
		Keywords: []string{"bonus", "promo"},
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"channel and code", "{channel}: {code}", "Bonus Hunters: PROMO2024"},
		{"codes block", "{codes}", "`PROMO2024`\n`EXTRA50`"},
		{"url date keywords", "{url} {date} [{keywords}]", "https://example.com 02.01.2026 03:04 [bonus, promo]"},
		{"text", "> {text}", "> hello"},
		{"unknown placeholder left verbatim", "{code} {unknown}", "PROMO2024 {unknown}"},
		{"repeated placeholder", "{code}/{code}", "PROMO2024/PROMO2024"},
		{"no placeholders", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, data))
		})
	}
}

func TestNewTemplateData(t *testing.T) {
	msg := &models.PersistedMessage{
		ChannelHandle:   "bonus_chan",
		Text:            "Привет мир, это длинный текст",
		MessageDate:     time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC),
		MatchedKeywords: []string{"bonus"},
		ExtractedRecord: models.ExtractedRecord{
			AllCodes:       []string{"CODE1234"},
			DestinationURL: "https://example.com",
		},
	}

	data := NewTemplateData(msg, config.RelayConfig{TextPreviewLength: 6, DateLayout: "02.01.2006 15:04", Timezone: "UTC"})

	assert.Equal(t, "bonus_chan", data.Channel, "falls back to the handle")
	assert.Equal(t, "CODE1234", data.Code, "falls back to the first candidate")
	assert.Equal(t, "Привет...", data.Text)
	assert.Equal(t, "04.03.2026 05:06", data.Date)
	assert.Equal(t, []string{"bonus"}, data.Keywords)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "abc...", truncate("abc defgh", 4))
	assert.Equal(t, "anything", truncate("anything", 0))
}

func TestFormatDateUnknownZoneFallsBackToUTC(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "12:00", formatDate(ts, "15:04", "Nowhere/Invalid"))
	assert.Equal(t, "", formatDate(time.Time{}, "15:04", "UTC"))
}
