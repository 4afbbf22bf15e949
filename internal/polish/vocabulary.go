package polish

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minTokenLen keeps short function words ("a", "to", "it") out of
	// single-token matching.
	minTokenLen = 3
)

// Correction records one vocabulary substitution.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// term is a vocabulary entry with its precomputed match keys.
type term struct {
	canonical string
	tokens    int
	joined    string // lowercase, spaces removed
	codes     map[string]struct{}
}

// Vocabulary snaps misheard spans of a transcript onto a list of custom terms
// (product names, jargon, people). Candidates are found with Double Metaphone
// and ranked with Jaro-Winkler similarity. A Vocabulary is read-only after
// construction and safe for concurrent use.
type Vocabulary struct {
	terms             []term
	maxTokens         int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// VocabularyOption configures a Vocabulary.
type VocabularyOption func(*Vocabulary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a candidate
// whose phonetic code matches a term. Default: 0.80.
func WithPhoneticThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) { v.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a candidate
// without a phonetic match. Default: 0.90.
func WithFuzzyThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) { v.fuzzyThreshold = threshold }
}

// NewVocabulary builds a Vocabulary from terms. Blank and duplicate terms are
// dropped.
func NewVocabulary(terms []string, opts ...VocabularyOption) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(v)
	}

	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		fields := strings.Fields(strings.ToLower(t))
		if len(fields) == 0 || seen[strings.Join(fields, " ")] {
			continue
		}
		seen[strings.Join(fields, " ")] = true
		joined := strings.Join(fields, "")
		v.terms = append(v.terms, term{
			canonical: strings.Join(strings.Fields(t), " "),
			tokens:    len(fields),
			joined:    joined,
			codes:     metaphone(joined),
		})
		v.maxTokens = max(v.maxTokens, len(fields))
	}
	return v
}

// Terms returns the canonical spelling of every term.
func (v *Vocabulary) Terms() []string {
	out := make([]string, len(v.terms))
	for i, t := range v.terms {
		out[i] = t.canonical
	}
	return out
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Correct replaces spans of text that sound like a vocabulary term with the
// term's canonical spelling. Punctuation around a replaced span is kept.
// Whitespace is normalised to single spaces when anything is replaced.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	if v == nil || len(v.terms) == 0 {
		return text, nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text, nil
	}

	var (
		out         = make([]string, 0, len(words))
		corrections []Correction
	)
	for i := 0; i < len(words); {
		canonical, n, score := v.bestAt(words, i)
		if n == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		span := words[i : i+n]
		lead, _ := splitPunct(span[0])
		_, trail := splitPunct(span[len(span)-1])
		original := strings.Join(span, " ")
		out = append(out, lead+canonical+trail)
		if core := stripPunct(original); core != canonical {
			corrections = append(corrections, Correction{Original: core, Corrected: canonical, Confidence: score})
		}
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// bestAt finds the best term for a span starting at words[i]. It returns the
// span length n, or 0 when nothing matches.
func (v *Vocabulary) bestAt(words []string, i int) (canonical string, n int, score float64) {
	for _, t := range v.terms {
		// A term is compared against a span with the same token count and
		// against one extra token, which catches a compound split in two
		// ("cube ernetes").
		for _, size := range []int{t.tokens, t.tokens + 1} {
			if i+size > len(words) {
				continue
			}
			s, ok := v.score(words[i:i+size], t)
			if !ok {
				continue
			}
			if size > t.tokens {
				// The extra token must contribute; otherwise "the kubernetes"
				// would swallow "the".
				if inner, ok := v.score(words[i+1:i+size], t); ok && inner >= s {
					continue
				}
				if inner, ok := v.score(words[i:i+size-1], t); ok && inner >= s {
					continue
				}
			}
			if s > score || (s == score && size < n) {
				canonical, n, score = t.canonical, size, s
			}
		}
	}
	return canonical, n, score
}

// score rates span against t. ok is false below the applicable threshold.
func (v *Vocabulary) score(span []string, t term) (float64, bool) {
	var sb strings.Builder
	for _, w := range span {
		sb.WriteString(strings.ToLower(stripPunct(w)))
	}
	joined := sb.String()
	if len(joined) < minTokenLen {
		return 0, false
	}
	if joined == t.joined {
		return 1, true
	}

	s := matchr.JaroWinkler(joined, t.joined, false)
	if codesOverlap(metaphone(joined), t.codes) {
		return s, s >= v.phoneticThreshold
	}
	return s, s >= v.fuzzyThreshold
}

// metaphone returns the non-empty Double Metaphone codes of s.
func metaphone(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, sec := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if sec != "" {
		codes[sec] = struct{}{}
	}
	return codes
}

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

// splitPunct returns the leading and trailing punctuation of word.
func splitPunct(word string) (lead, trail string) {
	core := stripPunct(word)
	if core == "" {
		return word, ""
	}
	idx := strings.Index(word, core)
	return word[:idx], word[idx+len(core):]
}

func stripPunct(word string) string {
	return strings.TrimFunc(word, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}
