package voice

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultPhraseThreshold is the minimum Jaro-Winkler score for a fuzzy
// stop-phrase hit. Stop phrases cut speech short, so the bar sits higher
// than it would for ordinary entity matching.
const defaultPhraseThreshold = 0.80

// PhraseOption configures a [PhraseMatcher].
type PhraseOption func(*PhraseMatcher)

// WithPhraseThreshold sets the minimum Jaro-Winkler score required for a
// fuzzy match. Default: 0.80.
func WithPhraseThreshold(threshold float64) PhraseOption {
	return func(m *PhraseMatcher) {
		m.threshold = threshold
	}
}

// PhraseMatcher detects configured stop phrases inside a transcript.
//
// Detection runs in two stages: an exact substring check on the lowercased
// transcript, then a fuzzy pass that slides a window of the phrase's word
// count across the transcript and accepts windows whose Double Metaphone
// codes overlap the phrase and whose Jaro-Winkler similarity clears the
// threshold. The fuzzy pass absorbs the usual recognizer slips ("lobeta"
// for "lõpeta").
//
// A PhraseMatcher is read-only after construction and safe for concurrent
// use.
type PhraseMatcher struct {
	phrases   []phrase
	threshold float64
}

type phrase struct {
	text   string
	tokens []string
	codes  map[string]struct{}
}

// NewPhraseMatcher builds a matcher for the given phrases. Phrases are
// matched case-insensitively; empty entries are ignored.
func NewPhraseMatcher(phrases []string, opts ...PhraseOption) *PhraseMatcher {
	m := &PhraseMatcher{threshold: defaultPhraseThreshold}
	for _, p := range phrases {
		text := strings.ToLower(strings.TrimSpace(p))
		if text == "" {
			continue
		}
		tokens := strings.Fields(text)
		m.phrases = append(m.phrases, phrase{
			text:   text,
			tokens: tokens,
			codes:  metaphoneCodes(tokens),
		})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Empty reports whether the matcher has no phrases configured.
func (m *PhraseMatcher) Empty() bool { return len(m.phrases) == 0 }

// Match reports the first configured phrase detected in text. When matched
// is false, hit is empty.
func (m *PhraseMatcher) Match(text string) (hit string, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return "", false
	}
	tokens := strings.Fields(lower)

	for _, p := range m.phrases {
		if strings.Contains(lower, p.text) {
			return p.text, true
		}
		if m.fuzzyHit(tokens, p) {
			return p.text, true
		}
	}
	return "", false
}

// fuzzyHit slides a window of len(p.tokens) words over the transcript and
// tests each window phonetically and by string similarity.
func (m *PhraseMatcher) fuzzyHit(tokens []string, p phrase) bool {
	n := len(p.tokens)
	if n == 0 || len(tokens) < n {
		return false
	}
	for i := 0; i+n <= len(tokens); i++ {
		window := tokens[i : i+n]
		if !codesOverlap(metaphoneCodes(window), p.codes) {
			continue
		}
		joined := strings.Join(window, " ")
		if matchr.JaroWinkler(joined, p.text, false) >= m.threshold {
			return true
		}
	}
	return false
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
// Empty codes are excluded.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
