// Package sonarr is the typed client for the library manager's v3 REST API.
package sonarr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrConfigMissing      = errors.New("library manager is not configured")
	ErrBackendUnavailable = errors.New("library manager is unavailable")
	ErrNotFound           = errors.New("resource not found")
	ErrRateLimited        = errors.New("library manager rate limited")
)

const (
	requestTimeout = 10 * time.Second
	cacheTTL       = 5 * time.Minute

	// Episodes airing further out than this do not count toward a season's
	// air-date window.
	airDateHorizon = 14 * 24 * time.Hour
)

// Credentials supplies the configured base URL and API key.
// *settings.Service satisfies it.
type Credentials interface {
	SonarrURL(ctx context.Context) (string, error)
	SonarrToken(ctx context.Context) (string, error)
}

type airDateKey struct {
	seriesID     int64
	seasonNumber int
}

// Client wraps the library manager's REST API. Health state is written by
// the probe and consulted by every other call.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	logger     zerolog.Logger

	healthMu  sync.RWMutex
	healthy   bool
	lastCheck time.Time

	episodeCache *ttlCache[int64, []Episode]
	airDateCache *ttlCache[airDateKey, SeasonAirDateInfo]

	now func() time.Time
}

// NewClient creates a library-manager client.
func NewClient(creds Credentials, logger zerolog.Logger) *Client {
	return &Client{
		creds:        creds,
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logger.With().Str("component", "sonarr").Logger(),
		episodeCache: newTTLCache[int64, []Episode](cacheTTL),
		airDateCache: newTTLCache[airDateKey, SeasonAirDateInfo](cacheTTL),
		now:          time.Now,
	}
}

// Health returns the last probed health state.
func (c *Client) Health() (bool, time.Time) {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy, c.lastCheck
}

// InvalidateHealth clears cached health and per-series caches, used when the
// configured URL or token changes.
func (c *Client) InvalidateHealth() {
	c.healthMu.Lock()
	c.healthy = false
	c.lastCheck = time.Time{}
	c.healthMu.Unlock()
	c.episodeCache.invalidate()
	c.airDateCache.invalidate()
}

// Probe checks /system/status and records the result.
func (c *Client) Probe(ctx context.Context) error {
	var status SystemStatus
	err := c.doJSON(ctx, http.MethodGet, "system/status", nil, nil, &status)

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastCheck = c.now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("health probe failed")
		return err
	}
	c.logger.Debug().Str("version", status.Version).Msg("health probe ok")
	return nil
}

// requireHealthy fails fast when the last probe reported the backend down.
func (c *Client) requireHealthy() error {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	if !c.healthy {
		return ErrBackendUnavailable
	}
	return nil
}

// doJSON performs one API call with auth, a single retry on transient
// network errors, and Retry-After handling on 429.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.doJSONRetry(ctx, method, path, query, body, out, true)
}

func (c *Client) doJSONRetry(ctx context.Context, method, path string, query url.Values, body, out any, retry bool) error {
	base, err := c.creds.SonarrURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}
	token, err := c.creds.SonarrToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}

	u := base + "/api/v3/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if retry && ctx.Err() == nil {
			c.logger.Debug().Err(err).Str("path", path).Msg("request failed, retrying once")
			return c.doJSONRetry(ctx, method, path, query, body, out, false)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		if retry {
			if wait := retryAfter(resp); wait > 0 {
				c.logger.Warn().Dur("wait", wait).Str("path", path).Msg("rate limited, honoring Retry-After")
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return c.doJSONRetry(ctx, method, path, query, body, out, false)
		}
		return ErrRateLimited
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("library manager returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// GetAllSeries returns every series known to the library manager.
func (c *Client) GetAllSeries(ctx context.Context) ([]Series, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	var out []Series
	if err := c.doJSON(ctx, http.MethodGet, "series", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSeriesByID returns one series by id.
func (c *Client) GetSeriesByID(ctx context.Context, id int64) (*Series, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	var out Series
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("series/%d", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSeriesEpisodes returns all episodes of a series, cached for 5 minutes.
func (c *Client) GetSeriesEpisodes(ctx context.Context, seriesID int64) ([]Episode, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	return c.episodeCache.getOrFetch(seriesID, func() ([]Episode, error) {
		query := url.Values{"seriesId": {strconv.FormatInt(seriesID, 10)}}
		var out []Episode
		if err := c.doJSON(ctx, http.MethodGet, "episode", query, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// GetEpisodeByID returns one episode by id.
func (c *Client) GetEpisodeByID(ctx context.Context, id int64) (*Episode, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	var out Episode
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("episode/%d", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSeasonAirDateInfo computes the air-date window of a season from its
// episodes. An episode counts only when it airs within the next two weeks.
// Cached for 5 minutes per (series, season).
func (c *Client) GetSeasonAirDateInfo(ctx context.Context, seriesID int64, seasonNumber int) (SeasonAirDateInfo, error) {
	if err := c.requireHealthy(); err != nil {
		return SeasonAirDateInfo{}, err
	}
	key := airDateKey{seriesID: seriesID, seasonNumber: seasonNumber}
	return c.airDateCache.getOrFetch(key, func() (SeasonAirDateInfo, error) {
		episodes, err := c.GetSeriesEpisodes(ctx, seriesID)
		if err != nil {
			return SeasonAirDateInfo{}, err
		}

		horizon := c.now().Add(airDateHorizon)
		var info SeasonAirDateInfo
		for i := range episodes {
			ep := &episodes[i]
			if ep.SeasonNumber != seasonNumber || ep.AirDateUTC == nil {
				continue
			}
			if ep.AirDateUTC.After(horizon) {
				continue
			}
			info.HasValidAirDate = true
			if info.StartDate == nil || ep.AirDateUTC.Before(*info.StartDate) {
				t := *ep.AirDateUTC
				info.StartDate = &t
			}
			if info.EndDate == nil || ep.AirDateUTC.After(*info.EndDate) {
				t := *ep.AirDateUTC
				info.EndDate = &t
			}
		}
		return info, nil
	})
}

// GetWantedMissing returns one page of monitored episodes missing from disk.
func (c *Client) GetWantedMissing(ctx context.Context, pageSize int, sortKey, sortDir string, page int) (*WantedMissingPage, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	query := url.Values{
		"pageSize":      {strconv.Itoa(pageSize)},
		"sortKey":       {sortKey},
		"sortDirection": {sortDir},
		"page":          {strconv.Itoa(page)},
		"includeSeries": {"true"},
		"monitored":     {"true"},
	}
	var out WantedMissingPage
	if err := c.doJSON(ctx, http.MethodGet, "wanted/missing", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRootFolders returns the library manager's root folders.
func (c *Client) GetRootFolders(ctx context.Context) ([]RootFolder, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	var out []RootFolder
	if err := c.doJSON(ctx, http.MethodGet, "rootfolder", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTags returns all configured tags.
func (c *Client) GetTags(ctx context.Context) ([]Tag, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	var out []Tag
	if err := c.doJSON(ctx, http.MethodGet, "tag", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetNotifications returns the library manager's notification configurations.
func (c *Client) GetNotifications(ctx context.Context) ([]Notification, error) {
	if err := c.requireHealthy(); err != nil {
		return nil, err
	}
	var out []Notification
	if err := c.doJSON(ctx, http.MethodGet, "notification", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RescanSeries asks the library manager to rescan a series' folder.
func (c *Client) RescanSeries(ctx context.Context, seriesID int64) error {
	if err := c.requireHealthy(); err != nil {
		return err
	}
	body := map[string]any{"name": "RescanSeries", "seriesId": seriesID}
	return c.doJSON(ctx, http.MethodPost, "command", nil, body, nil)
}

// RenameEpisodeFile asks the library manager to rename one episode file.
func (c *Client) RenameEpisodeFile(ctx context.Context, seriesID, fileID int64) error {
	if err := c.requireHealthy(); err != nil {
		return err
	}
	body := map[string]any{"name": "RenameFiles", "seriesId": seriesID, "files": []int64{fileID}}
	return c.doJSON(ctx, http.MethodPost, "command", nil, body, nil)
}
