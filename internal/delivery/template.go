package delivery

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"promorelay/internal/config"
	"promorelay/internal/extraction"
	"promorelay/pkg/models"
)

// DefaultTemplate is used for destinations that do not configure their own.
const DefaultTemplate = `New promo from {channel}

Code: {code}
{url}

{date}`

const ellipsis = "..."

// TemplateData holds the values substituted into a destination template.
type TemplateData struct {
	Channel  string
	Code     string
	Codes    []string
	URL      string
	Text     string
	Date     string
	Keywords []string
}

// NewTemplateData derives the substitution values for msg. Text is cut to
// relay.TextPreviewLength runes and the message date is formatted with
// relay.DateLayout in relay.Timezone.
func NewTemplateData(msg *models.PersistedMessage, relay config.RelayConfig) TemplateData {
	channel := msg.ChannelName
	if channel == "" {
		channel = msg.ChannelHandle
	}

	return TemplateData{
		Channel:  channel,
		Code:     msg.Code(),
		Codes:    msg.AllCodes,
		URL:      msg.DestinationURL,
		Text:     truncate(msg.Text, relay.TextPreviewLength),
		Date:     formatDate(msg.MessageDate, relay.DateLayout, relay.Timezone),
		Keywords: msg.MatchedKeywords,
	}
}

// Render substitutes the known placeholders in tmpl. Placeholders it does not
// know are left as they are.
func Render(tmpl string, data TemplateData) string {
	codes := make([]string, len(data.Codes))
	for i, c := range data.Codes {
		codes[i] = extraction.CodeDelimiter + c + extraction.CodeDelimiter
	}

	r := strings.NewReplacer(
		"{channel}", data.Channel,
		"{code}", data.Code,
		"{codes}", strings.Join(codes, "\n"),
		"{url}", data.URL,
		"{text}", data.Text,
		"{date}", data.Date,
		"{keywords}", strings.Join(data.Keywords, ", "),
	)
	return r.Replace(tmpl)
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:limit]), " \n") + ellipsis
}

var locations sync.Map

func formatDate(t time.Time, layout, tz string) string {
	if t.IsZero() {
		return ""
	}
	if layout == "" {
		layout = time.RFC3339
	}
	return t.In(location(tz)).Format(layout)
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	if loc, ok := locations.Load(tz); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	locations.Store(tz, loc)
	return loc
}
