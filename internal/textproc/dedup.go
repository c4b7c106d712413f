// Package textproc provides pure-function post-processing for raw ASR
// transcripts: repetition removal and hallucination filtering. Keeping the
// functions pure makes them directly property-testable.
package textproc

import (
	"strings"
	"unicode"
)

const (
	// maxPhraseLen bounds the phrase-repetition scan (in runes).
	maxPhraseLen = 20

	// maxEchoLen bounds the head/tail echo check (in runes).
	maxEchoLen = 15
)

// Dedup removes obvious repetition artifacts from a transcript. Three
// detectors run in sequence and the whole pass repeats until no detector
// changes the string, so Dedup is idempotent: Dedup(Dedup(s)) == Dedup(s).
func Dedup(s string) string {
	for {
		next := dedupOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func dedupOnce(s string) string {
	if out, changed := collapseFullRepetition(s); changed {
		return out
	}
	if out, changed := collapsePhraseRepetition(s); changed {
		return out
	}
	if out, changed := collapseHeadTailEcho(s); changed {
		return out
	}
	return s
}

// collapseFullRepetition reduces a string that is exactly an identical
// prefix concatenated two or more times to that prefix.
func collapseFullRepetition(s string) (string, bool) {
	r := []rune(s)
	n := len(r)
	if n < 2 {
		return s, false
	}
	for l := 1; l <= n/2; l++ {
		if n%l != 0 {
			continue
		}
		prefix := string(r[:l])
		if strings.Repeat(prefix, n/l) == s {
			return prefix, true
		}
	}
	return s, false
}

// collapsePhraseRepetition finds a phrase of length k (longest first)
// immediately followed by the same phrase, optionally across whitespace,
// and removes the second occurrence.
func collapsePhraseRepetition(s string) (string, bool) {
	r := []rune(s)
	n := len(r)
	for k := maxPhraseLen; k >= 2; k-- {
		if 2*k > n {
			continue
		}
		for i := 0; i+k <= n; i++ {
			j := i + k
			// Allow whitespace between the two occurrences.
			for j < n && unicode.IsSpace(r[j]) {
				j++
			}
			if j+k > n {
				continue
			}
			if string(r[i:i+k]) == string(r[j:j+k]) {
				out := append([]rune{}, r[:i+k]...)
				out = append(out, r[j+k:]...)
				return string(out), true
			}
		}
	}
	return s, false
}

// collapseHeadTailEcho removes a trailing copy of the string's own head:
// when the leading k runes equal the trailing k runes and the string is
// longer than 2k, the trailing copy is dropped.
func collapseHeadTailEcho(s string) (string, bool) {
	r := []rune(s)
	n := len(r)
	for k := maxEchoLen; k >= 1; k-- {
		if n <= 2*k {
			continue
		}
		if string(r[:k]) == string(r[n-k:]) {
			return string(r[:n-k]), true
		}
	}
	return s, false
}
