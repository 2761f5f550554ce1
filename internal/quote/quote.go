// Package quote locates the verbatim span of source text bracketed by two
// short phrase markers the model returns alongside an extracted
// relationship, so that relationship can carry its originating quote as
// provenance.
package quote

import (
	"regexp"
	"strings"
)

// maxSpanLen is a heuristic bad-match guard: a quote_start/quote_end pair
// that brackets more than this many characters is almost always a marker
// mismatch rather than a genuine long quote.
const maxSpanLen = 500

var whitespaceRun = regexp.MustCompile(`\s+`)

// Extract returns the inclusive span of text from the start of the first
// match of quoteStart through the end of the first match of quoteEnd found
// after it, or ("", false) if either marker is empty, either source or
// markers fail to match, or the resulting span exceeds maxSpanLen runes.
//
// Matching is case-insensitive and whitespace-flexible: any run of
// whitespace in a marker matches any run of whitespace in the text, so
// markers copied from a slightly re-flowed rendering of the source still
// locate the original span.
func Extract(text, quoteStart, quoteEnd string) (string, bool) {
	if text == "" || quoteStart == "" || quoteEnd == "" {
		return "", false
	}

	startRe, err := flexiblePattern(quoteStart)
	if err != nil {
		return "", false
	}
	endRe, err := flexiblePattern(quoteEnd)
	if err != nil {
		return "", false
	}

	startLoc := startRe.FindStringIndex(text)
	if startLoc == nil {
		return "", false
	}

	tail := text[startLoc[0]:]
	endLocInTail := endRe.FindStringIndex(tail)
	if endLocInTail == nil {
		return "", false
	}
	endAbs := startLoc[0] + endLocInTail[1]

	span := text[startLoc[0]:endAbs]
	if len([]rune(span)) > maxSpanLen {
		return "", false
	}

	return normalizeWhitespace(span), true
}

// flexiblePattern escapes every regex metacharacter in marker, then
// replaces each run of whitespace with a pattern that matches one or more
// whitespace characters, so the marker tolerates re-flowed source text.
func flexiblePattern(marker string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(marker)
	flexible := whitespaceRun.ReplaceAllString(escaped, `\s+`)
	return regexp.Compile("(?is)" + flexible)
}

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
