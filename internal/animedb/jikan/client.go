// Package jikan is the REST client for the Jikan (MyAnimeList) API.
package jikan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/anibridge/anibridge/internal/animedb"
)

// DefaultBaseURL is the public Jikan v4 endpoint.
const DefaultBaseURL = "https://api.jikan.moe/v4"

var (
	ErrNotFound    = errors.New("jikan media not found")
	ErrRateLimited = errors.New("jikan rate limited")
)

// Client talks to Jikan behind its two stacked limits (3/sec and 60/min).
// Both buckets must admit before a request goes out.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	secondLimiter *rate.Limiter
	minuteLimiter *rate.Limiter
	logger        zerolog.Logger
}

// NewClient creates a Jikan client.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		secondLimiter: rate.NewLimiter(rate.Limit(3), 3),
		minuteLimiter: rate.NewLimiter(rate.Limit(1), 60),
		logger:        logger.With().Str("component", "jikan").Logger(),
	}
}

type animeResponse struct {
	Data struct {
		MALID         int64   `json:"mal_id"`
		Title         string  `json:"title"`
		TitleEnglish  string  `json:"title_english"`
		TitleJapanese string  `json:"title_japanese"`
		Type          string  `json:"type"`
		Episodes      *int    `json:"episodes"`
		Airing        bool    `json:"airing"`
		Season        string  `json:"season"`
		Year          int     `json:"year"`
		Aired         struct {
			From *string `json:"from"`
			To   *string `json:"to"`
		} `json:"aired"`
	} `json:"data"`
}

// LookupByID fetches one anime by MyAnimeList id.
func (c *Client) LookupByID(ctx context.Context, malID int64) (*animedb.Media, error) {
	return c.lookup(ctx, malID, true)
}

func (c *Client) lookup(ctx context.Context, malID int64, retry bool) (*animedb.Media, error) {
	if err := c.secondLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.minuteLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/anime/%d", c.baseURL, malID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jikan request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
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
		return c.lookup(ctx, malID, false)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("jikan returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	var out animeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode jikan response: %w", err)
	}

	media := animedb.Media{
		MALID: out.Data.MALID,
		Titles: animedb.Titles{
			Romaji:  out.Data.Title,
			English: out.Data.TitleEnglish,
			Native:  out.Data.TitleJapanese,
		},
		StartDate:  parseFuzzy(out.Data.Aired.From),
		EndDate:    parseFuzzy(out.Data.Aired.To),
		SeasonYear: out.Data.Year,
		Season:     strings.ToUpper(out.Data.Season),
		Format:     strings.ToUpper(out.Data.Type),
		Airing:     out.Data.Airing,
	}
	if out.Data.Episodes != nil {
		media.Episodes = *out.Data.Episodes
	}
	return &media, nil
}

func parseFuzzy(v *string) *animedb.FuzzyDate {
	if v == nil || *v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *v)
	if err != nil {
		return nil
	}
	return &animedb.FuzzyDate{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}
