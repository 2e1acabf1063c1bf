package timing

import (
	"strings"
	"unicode"
)

// Word is one recognized word of a transcript with its timestamps in seconds.
type Word struct {
	Text  string
	Start float64
	End   float64
}

// Interval is the span of audio in which a name is spoken.
type Interval struct {
	Start float64
	End   float64
}

// Index answers "when, if ever, is this name spoken?" for one transcript.
// Words are expected in non-decreasing start order, as recognizers emit them.
type Index struct {
	words []Word
	norm  []string
}

// NewIndex builds an index over a transcript. The slice is not retained.
func NewIndex(words []Word) *Index {
	ix := &Index{
		words: make([]Word, len(words)),
		norm:  make([]string, len(words)),
	}
	copy(ix.words, words)
	for i, w := range words {
		ix.norm[i] = Normalize(w.Text)
	}
	return ix
}

// IntervalOf returns the interval of the first occurrence of name.
// Multi-word names match a consecutive run of transcript words.
func (ix *Index) IntervalOf(name string) (Interval, bool) {
	tokens := tokenize(name)
	if len(tokens) == 0 {
		return Interval{}, false
	}

	last := len(ix.norm) - len(tokens)
	for i := 0; i <= last; i++ {
		if !ix.matchAt(i, tokens) {
			continue
		}
		return Interval{
			Start: ix.words[i].Start,
			End:   ix.words[i+len(tokens)-1].End,
		}, true
	}
	return Interval{}, false
}

func (ix *Index) matchAt(i int, tokens []string) bool {
	for j, tok := range tokens {
		if ix.norm[i+j] != tok {
			return false
		}
	}
	return true
}

// Normalize lower-cases a word and trims surrounding whitespace and punctuation,
// so "Cat," and " cat" compare equal.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func tokenize(name string) []string {
	var out []string
	for _, f := range strings.Fields(name) {
		if n := Normalize(f); n != "" {
			out = append(out, n)
		}
	}
	return out
}
