package similarity

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MinTokenLength is the shortest token kept by Tokens.
const MinTokenLength = 3

// nonWord matches anything that is not a letter, mark, digit, underscore or
// space, in any script.
var nonWord = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s]`)

// Normalize composes q to NFC, lowercases it, strips punctuation, collapses
// whitespace and drops a single trailing "s" from every token. It is
// idempotent: normalizing a normalized key returns it unchanged.
func Normalize(q string) string {
	q = strings.ToLower(norm.NFC.String(q))
	q = nonWord.ReplaceAllString(q, "")
	words := strings.Fields(q)
	for i, w := range words {
		words[i] = trimPlural(w)
	}
	return strings.Join(words, " ")
}

// trimPlural drops one trailing "s" unless the word ends in "ss" or is a
// lone "s".
func trimPlural(w string) string {
	n := len(w)
	if n < 2 || w[n-1] != 's' || w[n-2] == 's' {
		return w
	}
	return w[:n-1]
}

// TokenSet is a set of normalized tokens.
type TokenSet map[string]struct{}

// Tokens splits an already-normalized key into its significant tokens.
func Tokens(normalized string) TokenSet {
	set := make(TokenSet)
	for _, w := range strings.Fields(normalized) {
		if utf8.RuneCountInString(w) >= MinTokenLength {
			set[w] = struct{}{}
		}
	}
	return set
}

// QueryTokens normalizes q and returns its tokens.
func QueryTokens(q string) TokenSet {
	return Tokens(Normalize(q))
}

// Overlap returns |a ∩ b| / max(|a|, |b|).
func Overlap(a, b TokenSet) float64 {
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	if larger == 0 {
		return 0
	}

	small, big := a, b
	if len(small) > len(big) {
		small, big = big, small
	}
	shared := 0
	for w := range small {
		if _, ok := big[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(larger)
}

// Words returns the raw whitespace-separated words of q of at least
// MinTokenLength characters, preserving case. Used for keyword matching against stores.
func Words(q string) []string {
	var out []string
	for _, w := range strings.Fields(q) {
		if utf8.RuneCountInString(w) >= MinTokenLength {
			out = append(out, w)
		}
	}
	return out
}
