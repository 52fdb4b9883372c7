package animeworld

import (
	"regexp"
	"sort"
	"strings"
)

var (
	parentheticalRe = regexp.MustCompile(`\([^)]*\)`)
	nonAlnumRe      = regexp.MustCompile(`[^a-z0-9 ]+`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

// NormalizeTitle lowercases a title, drops parentheticals and punctuation,
// and collapses whitespace, so "Oshi no Ko (TV)" and "oshi no ko" compare
// equal.
func NormalizeTitle(title string) string {
	s := strings.ToLower(title)
	s = parentheticalRe.ReplaceAllString(s, " ")
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// BestMatchWithParts picks the search hits belonging to base title and its
// numbered parts. Accepted are exact normalized matches and titles of the
// form "<base> part N" / "<base> parte N" (the part keyword is required,
// a bare trailing number is not enough). Hits come back ordered by site id
// ascending, which tracks publication order of the parts.
func BestMatchWithParts(results []SearchResult, title string) []SearchResult {
	base := NormalizeTitle(title)
	if base == "" {
		return nil
	}
	partRe := regexp.MustCompile(`^` + regexp.QuoteMeta(base) + ` parte? \d+$`)

	matches := func(candidate string) bool {
		n := NormalizeTitle(candidate)
		return n == base || partRe.MatchString(n)
	}

	var out []SearchResult
	for _, r := range results {
		if matches(r.Name) || matches(r.JTitle) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
