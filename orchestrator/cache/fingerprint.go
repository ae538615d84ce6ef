// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"math"
	"strings"
)

// Fingerprint is a term-frequency vector over the normalized tokens of a
// prompt. Two prompts that ask the same thing in different words produce
// nearly identical fingerprints, which is what makes semantic lookup work
// without an external embedding service.
type Fingerprint map[string]float64

// stopwords are tokens that carry no semantic weight for matching.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "me": {}, "my": {}, "we": {},
	"you": {}, "your": {}, "it": {}, "its": {}, "is": {}, "am": {},
	"are": {}, "was": {}, "be": {}, "been": {}, "do": {}, "does": {},
	"did": {}, "can": {}, "could": {}, "will": {}, "would": {},
	"should": {}, "shall": {}, "may": {}, "might": {}, "how": {},
	"what": {}, "when": {}, "where": {}, "why": {}, "who": {}, "which": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {},
	"with": {}, "and": {}, "or": {}, "but": {}, "not": {}, "no": {},
	"so": {}, "if": {}, "as": {}, "by": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "there": {}, "here": {}, "have": {},
	"has": {}, "had": {}, "get": {}, "more": {}, "most": {}, "some": {},
	"any": {}, "about": {}, "from": {}, "than": {}, "then": {},
	"please": {}, "help": {},
}

// suffixes stripped during light stemming, longest first so "listening"
// loses "ing" before a shorter rule fires.
var stemSuffixes = []string{"ing", "est", "ed", "er", "ly", "s"}

// NewFingerprint normalizes text into a term-frequency vector: lowercase,
// punctuation stripped, stopwords removed, light suffix stemming so
// "listener" and "listening" both reduce to "listen".
func NewFingerprint(text string) Fingerprint {
	fp := make(Fingerprint)
	for _, token := range tokenize(text) {
		if _, skip := stopwords[token]; skip {
			continue
		}
		stemmed := stem(token)
		if len(stemmed) < 2 {
			continue
		}
		fp[stemmed]++
	}
	return fp
}

// Similarity returns the cosine similarity between two fingerprints,
// in [0, 1]. Empty fingerprints never match anything.
func Similarity(a, b Fingerprint) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, wa := range a {
		normA += wa * wa
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}

// stem strips one common suffix when enough of the word remains to stay
// recognizable. This is deliberately lighter than a Porter stemmer; the
// goal is matching close paraphrases, not linguistic correctness.
func stem(token string) string {
	for _, suffix := range stemSuffixes {
		if strings.HasSuffix(token, suffix) && len(token)-len(suffix) >= 4 {
			return token[:len(token)-len(suffix)]
		}
	}
	return token
}
