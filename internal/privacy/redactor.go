// Package privacy provides private-span handling for solace.
//
// Users mark sensitive spans with <private>...</private>. Stored message
// content keeps the original text; outbound copies (assistant requests,
// analysis transcripts, log previews) have the spans redacted, and display
// copies have the tag markers stripped with the content kept.
package privacy

import (
	"regexp"
	"strings"
)

// Marker replaces redacted content in outbound text.
const Marker = "[redacted]"

var (
	// privateSpanRegex matches <private>...</private> spans
	privateSpanRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// privateMarkerRegex matches the bare tag markers
	privateMarkerRegex = regexp.MustCompile(`</?private>`)
)

// Redact replaces every private span with the redaction marker.
// Use on any text that leaves the service.
func Redact(text string) string {
	return privateSpanRegex.ReplaceAllString(text, Marker)
}

// RedactWithTerms redacts private spans and then masks every occurrence of
// the configured deny-list terms, case-insensitively.
func RedactWithTerms(text string, terms []string) string {
	text = Redact(text)
	for _, term := range terms {
		if term == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(term))
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, Marker)
	}
	return text
}

// StripTags removes the tag markers but keeps the content. Use for
// display, where the user sees their own words without the markup.
func StripTags(text string) string {
	return privateMarkerRegex.ReplaceAllString(text, "")
}

// IsEntirelyPrivate checks if the text carries nothing outside private spans.
func IsEntirelyPrivate(text string) bool {
	stripped := privateSpanRegex.ReplaceAllString(text, "")
	return strings.TrimSpace(stripped) == ""
}
