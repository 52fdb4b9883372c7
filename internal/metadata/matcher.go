package metadata

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anibridge/anibridge/internal/animedb"
	"github.com/anibridge/anibridge/internal/animeworld"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/sonarr"
)

// A metadata match must start within the season's air-date window broadened
// by this slack on both sides (one month plus ten days).
const windowSlack = 40 * 24 * time.Hour

// Year and medium tags appended by upstream metadata, e.g. "(2023)" or "(TV)".
var titleTagRe = regexp.MustCompile(`\s*\((?:\d{4}|TV)\)`)

type match struct {
	identifier string
	title      string
	dub        int
	start      time.Time
}

// matchSeason resolves a season to its ordered source-site identifiers. The
// filtered search validated against the external anime databases runs first;
// the title-only fallback is last resort.
func (s *Service) matchSeason(ctx context.Context, local *library.Series, sonarrID int64, season *library.Season) ([]string, error) {
	lang, err := s.languageFor(ctx, local)
	if err != nil {
		return nil, err
	}

	window, err := s.manager.GetSeasonAirDateInfo(ctx, sonarrID, season.SeasonNumber)
	if err != nil {
		return nil, err
	}
	if window.HasValidAirDate {
		ids, err := s.matchFiltered(ctx, local, season.SeasonNumber, window, lang)
		if err != nil {
			s.logger.Warn().Err(err).Str("title", local.Title).
				Int("season", season.SeasonNumber).Msg("filtered match failed")
		} else if len(ids) > 0 {
			return ids, nil
		}
	}

	return s.matchFallback(ctx, local, season.SeasonNumber, lang)
}

func (s *Service) languageFor(ctx context.Context, local *library.Series) (library.Language, error) {
	if local.PreferredLanguage != nil {
		return *local.PreferredLanguage, nil
	}
	return s.settings.PreferredLanguage(ctx)
}

// matchFiltered runs the filter search per required language, validates
// every hit against the external anime databases, applies the language
// policy and orders survivors by metadata start date.
func (s *Service) matchFiltered(ctx context.Context, local *library.Series, seasonNumber int, window sonarr.SeasonAirDateInfo, lang library.Language) ([]string, error) {
	candidates := s.candidateTitles(ctx, local, seasonNumber)
	if len(candidates) == 0 {
		return nil, nil
	}

	var years []int
	for y := window.StartDate.Year(); y <= window.EndDate.Year(); y++ {
		years = append(years, y)
	}

	var matches []match
	seen := make(map[string]bool)
	for _, dub := range searchLanguages(lang) {
		results, err := s.filterSearch(ctx, candidates, dub, years)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if seen[r.Identifier] {
				continue
			}
			media, ok := s.validate(ctx, r, window)
			if !ok {
				continue
			}
			seen[r.Identifier] = true
			matches = append(matches, match{
				identifier: r.Identifier,
				title:      animeworld.NormalizeTitle(r.Title),
				dub:        r.Dub,
				start:      media.StartDate.Time(),
			})
		}
	}

	matches = applyLanguagePolicy(matches, lang)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start.Before(matches[j].start) })

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.identifier)
	}
	return ids, nil
}

// candidateTitles assembles the ordered, deduplicated title list: the series
// title, alternates applying to this season, and the titles the GraphQL
// database knows the series under.
func (s *Service) candidateTitles(ctx context.Context, local *library.Series, seasonNumber int) []string {
	raw := []string{local.Title}
	for _, alt := range local.AlternateTitles {
		if alt.SceneSeasonNumber < 0 || alt.SceneSeasonNumber == seasonNumber {
			raw = append(raw, alt.Title)
		}
	}

	media, err := s.animeDB.SearchByTitle(ctx, local.Title)
	if err != nil {
		s.logger.Debug().Err(err).Str("title", local.Title).Msg("anime db title lookup failed")
	}
	for _, m := range media {
		raw = append(raw, m.Titles.All()...)
	}

	var (
		out  []string
		seen = make(map[string]bool)
	)
	for _, t := range raw {
		t = strings.TrimSpace(titleTagRe.ReplaceAllString(t, ""))
		if t == "" {
			continue
		}
		key := animeworld.NormalizeTitle(t)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// filterSearch walks candidates in order, returning the first non-empty
// result list for the requested audio language.
func (s *Service) filterSearch(ctx context.Context, candidates []string, dub bool, years []int) ([]animeworld.FilterResult, error) {
	for _, title := range candidates {
		results, err := s.site.SearchWithFilter(ctx, animeworld.FilterQuery{
			Keyword: title,
			Types:   []string{animeworld.TypeAnime, animeworld.TypeONA},
			Dub:     dub,
			Years:   years,
		})
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			return results, nil
		}
	}
	return nil, nil
}

// validate checks one filter hit against the external anime databases and
// the season's air-date window.
func (s *Service) validate(ctx context.Context, r animeworld.FilterResult, window sonarr.SeasonAirDateInfo) (*animedb.Media, bool) {
	var media *animedb.Media
	if r.AnilistID != 0 {
		m, err := s.animeDB.LookupByID(ctx, r.AnilistID)
		if err != nil {
			s.logger.Debug().Err(err).Int64("anilistId", r.AnilistID).Msg("anilist lookup failed")
		} else {
			media = m
		}
	}
	if media == nil && r.MALID != 0 {
		m, err := s.malDB.LookupByID(ctx, r.MALID)
		if err != nil {
			s.logger.Debug().Err(err).Int64("malId", r.MALID).Msg("mal lookup failed")
		} else {
			media = m
		}
	}
	if media == nil {
		return nil, false
	}

	if media.StartDate.IsZero() {
		return nil, false
	}
	if media.EndDate.IsZero() && !media.Airing {
		return nil, false
	}

	earliest := window.StartDate.Add(-windowSlack)
	latest := window.EndDate.Add(windowSlack)
	start := media.StartDate.Time()
	if start.Before(earliest) || start.After(latest) {
		return nil, false
	}
	if !media.EndDate.IsZero() && media.EndDate.Time().After(latest) {
		return nil, false
	}
	return media, true
}

// searchLanguages maps the preference onto the dub flags to search, dubbed
// first when both are wanted.
func searchLanguages(lang library.Language) []bool {
	switch lang {
	case library.LanguageDub:
		return []bool{true}
	case library.LanguageDubFallbackSub:
		return []bool{true, false}
	default:
		return []bool{false}
	}
}

// applyLanguagePolicy drops subbed variants shadowed by a dubbed one of the
// same title under dub_fallback_sub. Single-language preferences already
// searched only their own variant.
func applyLanguagePolicy(matches []match, lang library.Language) []match {
	if lang != library.LanguageDubFallbackSub {
		return matches
	}
	dubbed := make(map[string]bool)
	for _, m := range matches {
		if m.dub == 1 {
			dubbed[m.title] = true
		}
	}
	out := matches[:0]
	for _, m := range matches {
		if m.dub == 0 && dubbed[m.title] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// matchFallback is the last-resort title search: no air-date validation,
// just the part-guarded best match against the plain search API.
func (s *Service) matchFallback(ctx context.Context, local *library.Series, seasonNumber int, lang library.Language) ([]string, error) {
	var keywords []string
	// Season-specific alternates already name the right season.
	for _, alt := range local.AlternateTitles {
		if alt.SceneSeasonNumber == seasonNumber {
			keywords = append(keywords, alt.Title)
		}
	}
	if seasonNumber == 1 {
		keywords = append(keywords, local.Title)
	} else {
		keywords = append(keywords, local.Title+" "+strconv.Itoa(seasonNumber))
	}

	for _, keyword := range keywords {
		results, err := s.site.SearchAnime(ctx, keyword)
		if err != nil {
			return nil, err
		}
		matches := animeworld.BestMatchWithParts(results, keyword)
		matches = filterByDub(matches, lang)
		if len(matches) == 0 {
			continue
		}
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.Identifier)
		}
		return ids, nil
	}
	return nil, nil
}

// filterByDub applies the audio preference to plain search hits, which carry
// a dub flag but no external ids.
func filterByDub(results []animeworld.SearchResult, lang library.Language) []animeworld.SearchResult {
	switch lang {
	case library.LanguageDub:
		return keepDub(results, 1)
	case library.LanguageSub:
		return keepDub(results, 0)
	default:
		if dubbed := keepDub(results, 1); len(dubbed) > 0 {
			return dubbed
		}
		return keepDub(results, 0)
	}
}

func keepDub(results []animeworld.SearchResult, dub int) []animeworld.SearchResult {
	var out []animeworld.SearchResult
	for _, r := range results {
		if r.Dub == dub {
			out = append(out, r)
		}
	}
	return out
}
