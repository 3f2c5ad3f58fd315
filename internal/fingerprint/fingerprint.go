// Package fingerprint canonicalizes question text into cache keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrEmpty is returned for empty or whitespace-only questions.
var ErrEmpty = errors.New("fingerprint: empty question")

const idLength = 32

// Key identifies a question in the cache.
type Key struct {
	// Fingerprint is the canonical question text.
	Fingerprint string
	// ID is a fixed-length digest of Fingerprint, used as the storage key.
	ID string
}

// Normalizer is safe for concurrent use; it holds no mutable state after construction.
type Normalizer struct {
	acronyms map[string][]string
}

// New creates a Normalizer expanding the given acronyms (e.g. "gc" -> "georgia counts").
// Keys and expansions are normalized the same way questions are.
func New(acronyms map[string]string) *Normalizer {
	n := &Normalizer{acronyms: make(map[string][]string, len(acronyms))}
	for k, v := range acronyms {
		key := canonicalWords(k)
		exp := canonicalWords(v)
		if len(key) != 1 || len(exp) == 0 {
			continue
		}
		n.acronyms[key[0]] = exp
	}
	return n
}

// Normalize lower-cases, strips punctuation, collapses whitespace and expands
// known acronyms.
func (n *Normalizer) Normalize(question string) (string, error) {
	words := canonicalWords(question)
	if len(words) == 0 {
		return "", ErrEmpty
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		if exp, ok := n.acronyms[w]; ok {
			out = append(out, exp...)
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " "), nil
}

// Key returns the fingerprint and storage ID for question.
func (n *Normalizer) Key(question string) (Key, error) {
	fp, err := n.Normalize(question)
	if err != nil {
		return Key{}, err
	}
	return Key{Fingerprint: fp, ID: ID(fp)}, nil
}

// ID hashes a fingerprint into its storage identifier.
func ID(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])[:idLength]
}

func canonicalWords(s string) []string {
	// cases.Caser is stateful, so one is built per call.
	s = cases.Fold().String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '’':
			// "what's" and "whats" share a key.
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsSpace(r), unicode.IsControl(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Fields(b.String())
}
