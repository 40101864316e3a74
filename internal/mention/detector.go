// Package mention decides whether a message directly addresses the agent
// by fuzzy-matching its tokens against the configured name aliases.
package mention

import (
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Detector fuzzy-matches message tokens against agent name aliases.
type Detector struct {
	aliases   []string
	threshold float64
	logger    *slog.Logger
}

// NewDetector creates a detector. Aliases are compared lower-cased;
// threshold is the 0..1 similarity cutoff (a match must strictly exceed it).
func NewDetector(aliases []string, threshold float64, logger *slog.Logger) *Detector {
	lowered := make([]string, 0, len(aliases))
	for _, a := range aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			lowered = append(lowered, a)
		}
	}
	return &Detector{aliases: lowered, threshold: threshold, logger: logger}
}

// IsMentioned reports whether any token of text is similar enough to one
// of the aliases. Empty text never matches.
func (d *Detector) IsMentioned(text string) bool {
	if text == "" {
		return false
	}
	for _, token := range Tokenize(text) {
		for _, alias := range d.aliases {
			r := Ratio(alias, token)
			if r > d.threshold {
				d.logger.Debug("agent name matched",
					"alias", alias, "token", token, "ratio", r)
				return true
			}
		}
	}
	return false
}

// Tokenize lower-cases text, strips punctuation, and splits on whitespace.
// Letters, digits, and underscores survive.
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.Fields(b.String())
}

// Ratio returns a normalized similarity between two strings in [0, 1]:
// 1 means identical, 0 means nothing in common.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
