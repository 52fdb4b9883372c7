// Package settings is the typed key/value store for runtime configuration,
// persisted as JSON-encoded values in the configs table.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anibridge/anibridge/internal/library"
)

// Recognized keys.
const (
	KeySonarrURL              = "sonarr_url"
	KeySonarrToken            = "sonarr_token"
	KeySonarrFilterAnimeOnly  = "sonarr_filter_anime_only"
	KeySonarrAutoRename       = "sonarr_auto_rename"
	KeySonarrTagsMode         = "sonarr_tags_mode"
	KeySonarrTags             = "sonarr_tags"
	KeyAnimeworldBaseURL      = "animeworld_base_url"
	KeyPreferredLanguage      = "preferred_language"
	KeyDownloadMaxWorkers     = "download_max_workers"
	KeyConcurrentDownloads    = "concurrent_downloads"
	KeyFetchWantedInterval    = "fetchwanted_interval"
	KeyUpdateMetadataInterval = "updatemetadata_interval"
)

// DefaultAnimeworldBaseURL is used when the key is unset.
const DefaultAnimeworldBaseURL = "https://www.animeworld.so"

// TagsMode is the inclusion policy for the configured tag list.
type TagsMode string

const (
	TagsBlacklist TagsMode = "blacklist"
	TagsWhitelist TagsMode = "whitelist"
)

// Tag is one entry of the sonarr_tags setting.
type Tag struct {
	Value int64  `json:"value"`
	Label string `json:"label"`
}

// ErrNotSet is returned by typed getters for absent required keys.
var ErrNotSet = errors.New("setting not set")

// Service reads and writes runtime settings with a small in-process cache.
// Writes invalidate the cache and notify change subscribers.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger

	mu          sync.RWMutex
	cache       map[string]string
	subscribers map[string][]func()
}

// NewService creates a settings service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:          db,
		logger:      logger.With().Str("component", "settings").Logger(),
		cache:       make(map[string]string),
		subscribers: make(map[string][]func()),
	}
}

// OnChange registers a callback fired after the given key is written.
func (s *Service) OnChange(key string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[key] = append(s.subscribers[key], fn)
}

// raw returns the JSON-encoded value for key, consulting the cache first.
func (s *Service) raw(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v, true, nil
	}
	s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM configs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return value, true, nil
}

// Get decodes the value for key into out. The boolean reports presence.
func (s *Service) Get(ctx context.Context, key string, out any) (bool, error) {
	value, ok, err := s.raw(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return true, fmt.Errorf("failed to decode setting %q: %w", key, err)
	}
	return true, nil
}

// Set JSON-encodes value and upserts it, then invalidates the cache and
// fires subscribers for the key.
func (s *Service) Set(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configs (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(encoded))
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = string(encoded)
	subs := append([]func(){}, s.subscribers[key]...)
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Msg("setting updated")
	for _, fn := range subs {
		fn()
	}
	return nil
}

// List returns every stored setting as raw JSON values.
func (s *Service) List(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM configs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// GetString returns a string setting.
func (s *Service) GetString(ctx context.Context, key string) (string, bool, error) {
	var v string
	ok, err := s.Get(ctx, key, &v)
	return v, ok, err
}

// GetBool returns a bool setting, or def when unset.
func (s *Service) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	var v bool
	ok, err := s.Get(ctx, key, &v)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

// GetInt returns an int setting clamped into [min, max], or def when unset.
func (s *Service) GetInt(ctx context.Context, key string, def, min, max int) (int, error) {
	var v int
	ok, err := s.Get(ctx, key, &v)
	if err != nil || !ok {
		return def, err
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v, nil
}

// SonarrURL returns the library-manager base URL with trailing slashes
// stripped, or ErrNotSet.
func (s *Service) SonarrURL(ctx context.Context) (string, error) {
	v, ok, err := s.GetString(ctx, KeySonarrURL)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotSet, KeySonarrURL)
	}
	return strings.TrimRight(v, "/"), nil
}

// SonarrToken returns the library-manager API key, or ErrNotSet.
func (s *Service) SonarrToken(ctx context.Context) (string, error) {
	v, ok, err := s.GetString(ctx, KeySonarrToken)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotSet, KeySonarrToken)
	}
	return v, nil
}

// AnimeworldBaseURL returns the source-site base URL.
func (s *Service) AnimeworldBaseURL(ctx context.Context) (string, error) {
	v, ok, err := s.GetString(ctx, KeyAnimeworldBaseURL)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return DefaultAnimeworldBaseURL, nil
	}
	return strings.TrimRight(v, "/"), nil
}

// PreferredLanguage returns the global language preference, defaulting to sub.
func (s *Service) PreferredLanguage(ctx context.Context) (library.Language, error) {
	v, ok, err := s.GetString(ctx, KeyPreferredLanguage)
	if err != nil {
		return library.LanguageSub, err
	}
	lang := library.Language(v)
	if !ok || !lang.Valid() {
		return library.LanguageSub, nil
	}
	return lang, nil
}

// DownloadMaxWorkers returns the parallel byte-ranges per download, 1..10.
func (s *Service) DownloadMaxWorkers(ctx context.Context) (int, error) {
	return s.GetInt(ctx, KeyDownloadMaxWorkers, 3, 1, 10)
}

// ConcurrentDownloads returns the parallel downloads in flight, 1..10.
func (s *Service) ConcurrentDownloads(ctx context.Context) (int, error) {
	return s.GetInt(ctx, KeyConcurrentDownloads, 2, 1, 10)
}

// FetchWantedInterval returns the fetch_wanted task interval in minutes.
func (s *Service) FetchWantedInterval(ctx context.Context) (int, error) {
	return s.GetInt(ctx, KeyFetchWantedInterval, 30, 1, 60*24*31)
}

// UpdateMetadataInterval returns the update_metadata task interval in minutes.
func (s *Service) UpdateMetadataInterval(ctx context.Context) (int, error) {
	return s.GetInt(ctx, KeyUpdateMetadataInterval, 120, 1, 60*24*31)
}

// TagsPolicy returns the tag list and its inclusion mode.
func (s *Service) TagsPolicy(ctx context.Context) (TagsMode, []Tag, error) {
	mode := TagsBlacklist
	if v, ok, err := s.GetString(ctx, KeySonarrTagsMode); err != nil {
		return mode, nil, err
	} else if ok && TagsMode(v) == TagsWhitelist {
		mode = TagsWhitelist
	}

	var tags []Tag
	if _, err := s.Get(ctx, KeySonarrTags, &tags); err != nil {
		return mode, nil, err
	}
	return mode, tags, nil
}

// FilterAnimeOnly reports whether discovery is restricted to anime series.
func (s *Service) FilterAnimeOnly(ctx context.Context) (bool, error) {
	return s.GetBool(ctx, KeySonarrFilterAnimeOnly, true)
}

// AutoRename reports whether the library manager should rename ingested files.
func (s *Service) AutoRename(ctx context.Context) (bool, error) {
	return s.GetBool(ctx, KeySonarrAutoRename, true)
}
