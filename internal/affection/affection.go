// Package affection classifies whether the latest user turn expresses
// affection directed at the assistant. The orchestrator uses a match to
// append a mirroring clause to the system prompt for that one turn.
package affection

import (
	"regexp"
	"strings"
)

// Phrases that already carry a second-person reference; a plain substring
// match is enough for these.
var directedPhrases = []string{
	"miss you",
	"missing you",
	"love you",
	"adore you",
	"like you",
	"crazy about you",
	"fond of you",
}

// Bare keywords need context before they count: somebody can love pizza.
var keywords = []string{"love", "adore", "cherish", "like"}

// contextWindow is how many characters around a bare keyword are scanned for
// a second-person or assistant-name token.
const contextWindow = 50

var (
	directedToken = regexp.MustCompile(`\b(you|javier|ask-javier)\b`)
	whitespace    = regexp.MustCompile(`\s+`)

	kwYouPattern     = map[string]*regexp.Regexp{}
	iKwYouPattern    = map[string]*regexp.Regexp{}
	youThenKwPattern = map[string]*regexp.Regexp{}
)

func init() {
	for _, kw := range keywords {
		kwYouPattern[kw] = regexp.MustCompile(`\b` + kw + `\s+you\b`)
		iKwYouPattern[kw] = regexp.MustCompile(`\bi\s+` + kw + `\s+you\b`)
		youThenKwPattern[kw] = regexp.MustCompile(`\byou\b[^.!?]{0,50}\b` + kw + `\b`)
	}
}

// Detect reports whether text expresses affection directed at the assistant,
// returning the most specific matched phrase. It is pure: no state, no side
// effects.
func Detect(text string) (string, bool) {
	norm := normalize(text)
	if norm == "" {
		return "", false
	}

	for _, phrase := range directedPhrases {
		if strings.Contains(norm, phrase) {
			return phrase, true
		}
	}

	for _, kw := range keywords {
		idx := strings.Index(norm, kw)
		if idx < 0 {
			continue
		}

		// Prefer the fuller "<keyword> you" form when present.
		if m := kwYouPattern[kw].FindString(norm); m != "" {
			return m, true
		}
		if m := iKwYouPattern[kw].FindString(norm); m != "" {
			return m, true
		}
		if youThenKwPattern[kw].MatchString(norm) {
			return kw, true
		}
		if directedContext(norm, idx, len(kw)) {
			return kw, true
		}
	}

	return "", false
}

// directedContext checks a bounded window around the keyword for a token
// aimed at the assistant.
func directedContext(norm string, idx, kwLen int) bool {
	start := idx - contextWindow
	if start < 0 {
		start = 0
	}
	end := idx + kwLen + contextWindow
	if end > len(norm) {
		end = len(norm)
	}
	return directedToken.MatchString(norm[start:end])
}

func normalize(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(text), " "))
}
