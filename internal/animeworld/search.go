package animeworld

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Filter type codes used by the site's /filter endpoint.
const (
	TypeAnime   = "0"
	TypeOVA     = "1"
	TypeONA     = "2"
	TypeSpecial = "3"
	TypeMovie   = "4"
)

// SearchResult is one hit of the JSON search API.
type SearchResult struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	JTitle     string `json:"jtitle"`
	Link       string `json:"link"`
	Identifier string `json:"identifier"`
	AnilistID  int64  `json:"animeId"`
	Dub        int    `json:"dub"`
}

// FilterResult is one hit of the HTML /filter listing, enriched with any
// external database ids found on the anime page.
type FilterResult struct {
	Title      string `json:"title"`
	JTitle     string `json:"jtitle"`
	Identifier string `json:"identifier"`
	Dub        int    `json:"dub"`
	MALID      int64  `json:"malId,omitempty"`
	AnilistID  int64  `json:"anilistId,omitempty"`
}

// FilterQuery parameterises a /filter search.
type FilterQuery struct {
	Keyword string
	Types   []string
	Dub     bool
	Years   []int
	Season  string
}

var (
	malLinkRe     = regexp.MustCompile(`myanimelist\.net/anime/(\d+)`)
	anilistLinkRe = regexp.MustCompile(`anilist\.co/anime/(\d+)`)
	identifierRe  = regexp.MustCompile(`/play/([^/?#]+)`)
)

// SearchAnime queries the site's JSON search API.
func (c *Client) SearchAnime(ctx context.Context, keyword string) ([]SearchResult, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, err
	}

	searchURL := base + "/api/search/v2?" + url.Values{"keyword": {keyword}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("csrf-token", c.token())
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// The API wraps results in {"animes": [...]}; older deployments return
	// a bare array.
	var wrapped struct {
		Animes []SearchResult `json:"animes"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Animes != nil {
		return wrapped.Animes, nil
	}
	var results []SearchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return results, nil
}

// SearchWithFilter runs the HTML filter search and resolves external
// database ids for every hit.
func (c *Client) SearchWithFilter(ctx context.Context, q FilterQuery) ([]FilterResult, error) {
	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("keyword", q.Keyword)
	params.Set("sort", "0")
	if q.Dub {
		params.Set("dub", "1")
	} else {
		params.Set("dub", "0")
	}
	for _, t := range q.Types {
		params.Add("type", t)
	}
	for _, y := range q.Years {
		params.Add("year", strconv.Itoa(y))
	}
	if q.Season != "" {
		params.Set("season", q.Season)
	}

	doc, err := c.getDocument(ctx, base+"/filter?"+params.Encode())
	if err != nil {
		return nil, err
	}

	dub := 0
	if q.Dub {
		dub = 1
	}

	var results []FilterResult
	doc.Find(".film-list .item").Each(func(_ int, item *goquery.Selection) {
		name := item.Find(".name").First()
		title := strings.TrimSpace(name.Text())
		if title == "" {
			return
		}

		href, _ := name.Attr("href")
		if href == "" {
			href, _ = item.Find("a").First().Attr("href")
		}
		m := identifierRe.FindStringSubmatch(href)
		if m == nil {
			return
		}

		jtitle, _ := name.Attr("data-jtitle")
		results = append(results, FilterResult{
			Title:      title,
			JTitle:     strings.TrimSpace(jtitle),
			Identifier: m[1],
			Dub:        dub,
		})
	})

	for i := range results {
		malID, anilistID, err := c.externalIDs(ctx, base, results[i].Identifier)
		if err != nil {
			c.logger.Debug().Err(err).Str("identifier", results[i].Identifier).
				Msg("could not resolve external ids")
			continue
		}
		results[i].MALID = malID
		results[i].AnilistID = anilistID
	}

	return results, nil
}

// externalIDs fetches an anime page and extracts MyAnimeList / AniList ids
// from outbound links or data attributes.
func (c *Client) externalIDs(ctx context.Context, base, identifier string) (malID, anilistID int64, err error) {
	doc, err := c.getDocument(ctx, base+"/play/"+identifier)
	if err != nil {
		return 0, 0, err
	}

	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if malID == 0 {
			if m := malLinkRe.FindStringSubmatch(href); m != nil {
				malID, _ = strconv.ParseInt(m[1], 10, 64)
			}
		}
		if anilistID == 0 {
			if m := anilistLinkRe.FindStringSubmatch(href); m != nil {
				anilistID, _ = strconv.ParseInt(m[1], 10, 64)
			}
		}
		return malID == 0 || anilistID == 0
	})

	if malID == 0 {
		if v, ok := doc.Find("[data-mal-id]").Attr("data-mal-id"); ok {
			malID, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if anilistID == 0 {
		if v, ok := doc.Find("[data-anilist-id]").Attr("data-anilist-id"); ok {
			anilistID, _ = strconv.ParseInt(v, 10, 64)
		}
	}

	return malID, anilistID, nil
}
