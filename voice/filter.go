package voice

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinClassifiableRunes is the length below which a fragment is too
// short to classify and passes unchecked.
const DefaultMinClassifiableRunes = 12

// TranscriptFilter decides whether a transcript fragment is in an accepted
// script.
type TranscriptFilter struct {
	MinClassifiableRunes int
	Allowed              []*unicode.RangeTable
}

func DefaultTranscriptFilter() TranscriptFilter {
	return TranscriptFilter{
		MinClassifiableRunes: DefaultMinClassifiableRunes,
		Allowed:              []*unicode.RangeTable{unicode.Latin},
	}
}

// Accept returns false when text is long enough to classify and contains a
// letter outside the allowed scripts.
func (f TranscriptFilter) Accept(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < f.MinClassifiableRunes {
		return true
	}
	allowed := f.Allowed
	if len(allowed) == 0 {
		allowed = []*unicode.RangeTable{unicode.Latin}
	}
	for _, r := range text {
		if unicode.IsLetter(r) && !unicode.IsOneOf(allowed, r) {
			return false
		}
	}
	return true
}
