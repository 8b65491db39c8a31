// Package moderation classifies outgoing text against two word lists, a
// hard one and a soft one, before a message is admitted to a room.
package moderation

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Verdict is the classification of one text.
type Verdict struct {
	Hard bool `json:"hard"`
	Soft bool `json:"soft"`
	Any  bool `json:"any"`
}

// Config holds the two word lists and the locale used for case folding.
type Config struct {
	HardWords []string
	SoftWords []string
	// Locale drives lowercasing rules. The zero value falls back to
	// German, the locale of the original room widget.
	Locale language.Tag
}

// Filter is an immutable text classifier. The word lists are compiled once
// at construction; there is no hot reload.
type Filter struct {
	hard   *regexp.Regexp
	soft   *regexp.Regexp
	locale language.Tag
}

// New compiles the configured word lists. Empty or absent lists are valid
// and never match.
func New(cfg Config) *Filter {
	locale := cfg.Locale
	if locale == (language.Tag{}) {
		locale = language.German
	}
	return &Filter{
		hard:   compileList(cfg.HardWords),
		soft:   compileList(cfg.SoftWords),
		locale: locale,
	}
}

// Classify normalizes text and checks it against both lists. The hard list
// wins: when it matches, the soft list is not evaluated. Pure; never fails.
func (f *Filter) Classify(text string) Verdict {
	n := f.normalize(text)

	hard := f.hard != nil && f.hard.MatchString(n)
	soft := false
	if !hard && f.soft != nil {
		soft = f.soft.MatchString(n)
	}
	return Verdict{Hard: hard, Soft: soft, Any: hard || soft}
}

// normalize case-folds with locale rules, applies NFKC, collapses internal
// whitespace and trims.
func (f *Filter) normalize(text string) string {
	s := cases.Lower(f.locale).String(text)
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// compileList builds a single case-insensitive alternation over the words,
// anchored on word boundaries. Returns nil for an effectively empty list.
func compileList(words []string) *regexp.Regexp {
	escaped := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(word))
	}
	if len(escaped) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`)
}
