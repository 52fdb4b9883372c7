// Package anilist is the GraphQL client for the AniList anime database.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/anibridge/anibridge/internal/animedb"
)

const (
	// DefaultBaseURL is the public AniList GraphQL endpoint.
	DefaultBaseURL = "https://graphql.anilist.co"

	// AniList allows 90 requests per minute.
	requestsPerMinute = 90

	perPage = 20
)

var (
	ErrNotFound    = errors.New("anilist media not found")
	ErrRateLimited = errors.New("anilist rate limited")
)

const mediaFields = `
	id
	idMal
	title { romaji english native }
	startDate { year month day }
	endDate { year month day }
	episodes
	seasonYear
	season
	format
	status`

const searchQuery = `
query ($search: String, $page: Int, $perPage: Int) {
	Page(page: $page, perPage: $perPage) {
		pageInfo { hasNextPage }
		media(type: ANIME, search: $search) {` + mediaFields + `
		}
	}
}`

const byIDQuery = `
query ($id: Int) {
	Media(type: ANIME, id: $id) {` + mediaFields + `
	}
}`

// Client talks to the AniList GraphQL API behind a token bucket.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates an AniList client.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 5),
		logger:     logger.With().Str("component", "anilist").Logger(),
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlMedia struct {
	ID         int64              `json:"id"`
	IDMal      *int64             `json:"idMal"`
	Title      animedb.Titles     `json:"title"`
	StartDate  *animedb.FuzzyDate `json:"startDate"`
	EndDate    *animedb.FuzzyDate `json:"endDate"`
	Episodes   *int               `json:"episodes"`
	SeasonYear *int               `json:"seasonYear"`
	Season     *string            `json:"season"`
	Format     *string            `json:"format"`
	Status     *string            `json:"status"`
}

type gqlResponse struct {
	Data struct {
		Media *gqlMedia `json:"Media"`
		Page  *struct {
			PageInfo struct {
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
			Media []gqlMedia `json:"media"`
		} `json:"Page"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"errors"`
}

func (m *gqlMedia) toMedia() animedb.Media {
	out := animedb.Media{
		ID:        m.ID,
		Titles:    m.Title,
		StartDate: m.StartDate,
		EndDate:   m.EndDate,
	}
	if m.IDMal != nil {
		out.MALID = *m.IDMal
	}
	if m.Episodes != nil {
		out.Episodes = *m.Episodes
	}
	if m.SeasonYear != nil {
		out.SeasonYear = *m.SeasonYear
	}
	if m.Season != nil {
		out.Season = *m.Season
	}
	if m.Format != nil {
		out.Format = *m.Format
	}
	if m.Status != nil {
		out.Airing = *m.Status == "RELEASING"
	}
	return out
}

// query executes one GraphQL request. A single 429 is retried after the
// advertised Retry-After; a second one is surfaced.
func (c *Client) query(ctx context.Context, q string, variables map[string]any, retry bool) (*gqlResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(gqlRequest{Query: q, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anilist request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if !retry {
			return nil, ErrRateLimited
		}
		wait := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		c.logger.Warn().Dur("wait", wait).Msg("rate limited, honoring Retry-After")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return c.query(ctx, q, variables, false)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("anilist returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode anilist response: %w", err)
	}
	for _, e := range out.Errors {
		if e.Status == http.StatusNotFound {
			return nil, ErrNotFound
		}
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("anilist error: %s", out.Errors[0].Message)
	}
	return &out, nil
}

// LookupByID fetches one media entry by AniList id.
func (c *Client) LookupByID(ctx context.Context, id int64) (*animedb.Media, error) {
	resp, err := c.query(ctx, byIDQuery, map[string]any{"id": id}, true)
	if err != nil {
		return nil, err
	}
	if resp.Data.Media == nil {
		return nil, ErrNotFound
	}
	media := resp.Data.Media.toMedia()
	return &media, nil
}

// SearchByTitle pages through the media search for a title and returns every
// matching entry.
func (c *Client) SearchByTitle(ctx context.Context, title string) ([]animedb.Media, error) {
	var out []animedb.Media
	for page := 1; ; page++ {
		resp, err := c.query(ctx, searchQuery, map[string]any{
			"search":  title,
			"page":    page,
			"perPage": perPage,
		}, true)
		if err != nil {
			return nil, err
		}
		if resp.Data.Page == nil {
			break
		}
		for i := range resp.Data.Page.Media {
			out = append(out, resp.Data.Page.Media[i].toMedia())
		}
		if !resp.Data.Page.PageInfo.HasNextPage {
			break
		}
	}
	return out, nil
}
