package cel

// FilterExpressionExamples documents the shapes of per-channel live filters.
var FilterExpressionExamples = map[string]string{
	"has_code":          `size(codes) > 0`,
	"code_and_link":     `has_code && has_url`,
	"text_contains":     `text.lowerAscii().contains("freespins")`,
	"domain_allow_list": `url.endsWith(".com") || url.endsWith(".bet")`,
	"keyword_in_list":   `"bonus" in keywords`,
	"channel_equals":    `channel == "promo_one"`,
	"min_text_size":     `size(text) >= 20`,
	"combined":          `size(codes) > 0 && !text.contains("expired")`,
}
