// Package tokenizer turns raw query and result text into term counts keyed by
// term-dictionary id. Words are runs of ASCII letters and digits (bytes of
// multi-byte characters stick to the word they touch); anything that is not
// printable ASCII afterwards is dropped, the rest is lower-cased and stemmed
// with the Snowball English stemmer.
package tokenizer

import (
	"strings"

	snowballeng "github.com/kljensen/snowball/english"
	"github.com/talkware/ucair/internal/textproc/dict"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
}

// Words splits text into maximal runs of ASCII alphanumerics and bytes >= 0x80.
func Words(text string) []string {
	var words []string
	start := -1
	for i := 0; i < len(text); i++ {
		if isWordByte(text[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			words = append(words, text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

func isWordByte(b byte) bool {
	return b >= 0x80 ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

func isASCIIPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// Option configures a Counter.
type Option func(*Counter)

// WithoutStemming keeps surface forms.
func WithoutStemming() Option {
	return func(c *Counter) { c.stem = false }
}

// WithStopWords drops common English function words before counting.
func WithStopWords() Option {
	return func(c *Counter) { c.stopWords = true }
}

// Counter maps text to term counts through a shared term dictionary.
type Counter struct {
	terms     *dict.Dict
	stem      bool
	stopWords bool
}

func NewCounter(terms *dict.Dict, opts ...Option) *Counter {
	c := &Counter{terms: terms, stem: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Counter) Dict() *dict.Dict {
	return c.terms
}

// Tokenize returns the normalised terms of text in order.
func (c *Counter) Tokenize(text string) []Token {
	words := Words(text)
	tokens := make([]Token, 0, len(words))
	for _, word := range words {
		if !isASCIIPrintable(word) {
			continue
		}
		word = strings.ToLower(word)
		if c.stopWords {
			if _, isStop := stopWords[word]; isStop {
				continue
			}
		}
		if c.stem {
			word = snowballeng.Stem(word, false)
		}
		if word == "" {
			continue
		}
		tokens = append(tokens, Token{Term: word, Position: len(tokens)})
	}
	return tokens
}

// Count returns term id to occurrence count. Unknown terms are added to the
// dictionary when insert is set and skipped otherwise.
func (c *Counter) Count(text string, insert bool) map[int]float64 {
	counts := make(map[int]float64)
	for _, tok := range c.Tokenize(text) {
		if id := c.terms.ID(tok.Term, insert); id > 0 {
			counts[id]++
		}
	}
	return counts
}
