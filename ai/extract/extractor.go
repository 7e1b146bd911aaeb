// Package extract normalizes free text into stemmed, translation-expanded
// keyword sets and structured attribute filters.
package extract

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball"
)

// DefaultLocale is used for unknown locales.
const DefaultLocale = "en"

// minTokenRunes is the shortest kept token; three keeps acronyms such as "ufo".
const minTokenRunes = 3

var stemmerLanguages = map[string]string{
	"en": "english",
	"es": "spanish",
	"fr": "french",
}

// Result is the deduplicated, sorted output of Extract.
type Result struct {
	// Keywords are stems, including the stems of cross-locale synonyms.
	Keywords []string `json:"keywords"`
	// Tags are surface forms, including synonyms.
	Tags []string `json:"tags"`
}

// IsEmpty reports whether nothing was extracted.
func (r *Result) IsEmpty() bool {
	return r == nil || len(r.Keywords) == 0
}

// NormalizeLocale maps "es-MX" to "es" and unknown locales to DefaultLocale.
func NormalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	if _, ok := stopWords[locale]; !ok {
		return DefaultLocale
	}
	return locale
}

// Extract derives keywords and tags from a question. Empty input yields an empty result.
func Extract(question, locale string) *Result {
	locale = NormalizeLocale(locale)
	keywords := map[string]struct{}{}
	tags := map[string]struct{}{}

	for _, token := range Tokenize(question) {
		if _, stop := stopWords[locale][token]; stop {
			continue
		}
		if utf8.RuneCountInString(token) < minTokenRunes {
			continue
		}
		stemmed := stem(token, locale)
		keywords[stemmed] = struct{}{}
		tags[token] = struct{}{}
		for _, e := range expand(token, stemmed) {
			for _, s := range e.stems {
				keywords[s] = struct{}{}
			}
			for _, w := range e.words {
				tags[w] = struct{}{}
			}
		}
	}

	return &Result{Keywords: sortedSet(keywords), Tags: sortedSet(tags)}
}

// Tokenize lowercases text, replaces punctuation with spaces and splits on whitespace.
func Tokenize(text string) []string {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Fields(normalized)
}

func stem(word, locale string) string {
	language, ok := stemmerLanguages[locale]
	if !ok {
		language = stemmerLanguages[DefaultLocale]
	}
	stemmed, err := snowball.Stem(word, language, true)
	if err != nil || utf8.RuneCountInString(stemmed) < minTokenRunes {
		return word
	}
	return stemmed
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
