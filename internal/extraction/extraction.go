// Package extraction pulls a promo code and a destination URL out of free-form
// message text using positional and pattern heuristics.
package extraction

import (
	"regexp"
	"strings"

	"promorelay/pkg/models"
)

const (
	// CodeDelimiter marks a priority code inline, e.g. `PROMO2024`.
	CodeDelimiter = "`"

	minCodeLength = 4
	maxCodeLength = 20
)

// Record is the result of Extract.
type Record = models.ExtractedRecord

// TLDs is the allow-list of top-level domains recognised on lines without a scheme.
var TLDs = []string{
	"com", "net", "org", "io", "co", "gg", "bet", "xyz", "app", "me",
	"info", "vip", "win", "casino", "club", "site", "online", "pro",
}

var (
	priorityCodeRe = regexp.MustCompile("`([A-Za-z0-9]{4,20})`")
	nonAlnumRe     = regexp.MustCompile(`[^A-Za-z0-9]`)
	domainRe       = regexp.MustCompile(`(?i)[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*\.(?:` + strings.Join(TLDs, "|") + `)\b`)
)

// Extract is total and deterministic: it never fails and performs no I/O.
func Extract(text string) Record {
	lines := splitLines(text)

	candidates := priorityCodes(lines)
	priorityFound := len(candidates) > 0

	var url string
	urlFound := false

	for _, line := range lines {
		if isURLLine(line) {
			if u, ok := normalizeURL(line); ok {
				url = u
				urlFound = true
			}
			continue
		}

		// The delimiter check is per line: a line carrying a backtick never
		// becomes a fallback candidate, whatever the rest of the text holds.
		if strings.Contains(line, CodeDelimiter) || priorityFound {
			continue
		}

		stripped := nonAlnumRe.ReplaceAllString(line, "")
		if len(stripped) >= minCodeLength && len(stripped) <= maxCodeLength {
			candidates = append(candidates, stripped)
		}
	}

	rec := Record{
		AllCodes:       candidates,
		DestinationURL: url,
		HasURL:         urlFound,
		HasCode:        len(candidates) > 0,
	}
	if rec.HasCode {
		rec.PrimaryCode = candidates[0]
	}

	// Partial matches are never deliverable. Candidates and the URL stay on
	// the record for the live path and for auditing.
	if !(rec.HasCode && rec.HasURL) {
		rec.PrimaryCode = ""
		rec.HasCode = false
		rec.HasURL = false
	}

	return rec
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func priorityCodes(lines []string) []string {
	var codes []string
	for _, line := range lines {
		for _, m := range priorityCodeRe.FindAllStringSubmatch(line, -1) {
			codes = append(codes, m[1])
		}
	}
	return codes
}

func isURLLine(line string) bool {
	lower := strings.ToLower(line)
	if strings.Contains(lower, "http") {
		return true
	}
	for _, tld := range TLDs {
		if strings.Contains(lower, "."+tld) {
			return true
		}
	}
	return false
}

func hasScheme(line string) bool {
	lower := strings.ToLower(line)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// normalizeURL keeps scheme-prefixed lines verbatim and otherwise rebuilds a
// secure URL from the longest domain-like span on the line.
func normalizeURL(line string) (string, bool) {
	if hasScheme(line) {
		return line, true
	}

	longest := ""
	for _, m := range domainRe.FindAllString(line, -1) {
		if len(m) > len(longest) {
			longest = m
		}
	}
	if longest == "" {
		return "", false
	}
	return "https://" + longest, true
}
