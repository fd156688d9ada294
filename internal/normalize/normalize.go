// SPDX-License-Identifier: MIT

// Package normalize holds release-name normalization used for search matching
// and season-pack episode mapping.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Token normalizes a string token for matching:
// - trims Unicode whitespace + invisible edge characters
// - lowercases for case-insensitive comparisons
func Token(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) ||
			r == '\u200B' || // Zero Width Space
			r == '\u200C' || // Zero Width Non-Joiner
			r == '\u200D' || // Zero Width Joiner
			r == '\uFEFF' // Zero Width Non-Breaking Space (BOM)
	}))
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var separators = regexp.MustCompile(`[._\-\s]+`)

// Title reduces a release or media title to a canonical comparison form:
// diacritics stripped, separators collapsed to single spaces, lowercased.
// "Amélie.2001.1080p" and "amelie 2001 1080p" normalize identically.
func Title(s string) string {
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	s = separators.ReplaceAllString(s, " ")
	return Token(s)
}

// TitlesMatch reports whether a release title contains the wanted media title
// after normalization. This is deliberately loose; scoring happens upstream.
func TitlesMatch(release, wanted string) bool {
	return strings.Contains(Title(release), Title(wanted))
}

// episodePattern matches the conventional SxxEyy episode marker.
// TODO: handle multi-episode markers like S01E01E02 (currently maps to the first episode only).
var episodePattern = regexp.MustCompile(`(?i)S(\d{1,2})E(\d{1,2})`)

// Episode extracts (season, episode) from a file or release name.
// Returns ok=false when the name carries no recognizable marker.
func Episode(name string) (season, episode int, ok bool) {
	m := episodePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	season, _ = strconv.Atoi(m[1])
	episode, _ = strconv.Atoi(m[2])
	return season, episode, true
}

// seasonPackPattern matches a bare season marker with no episode component.
var seasonPackPattern = regexp.MustCompile(`(?i)\bS(\d{1,2})\b|\bSeason[ ._]?(\d{1,2})\b`)

// SeasonPack reports whether a release name looks like a whole-season pack:
// it carries a season marker but no episode marker.
func SeasonPack(name string) (season int, ok bool) {
	if episodePattern.MatchString(name) {
		return 0, false
	}
	m := seasonPackPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	for _, g := range m[1:] {
		if g != "" {
			season, _ = strconv.Atoi(g)
			return season, true
		}
	}
	return 0, false
}
