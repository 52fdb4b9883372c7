// Package notification dispatches download events to the notification
// providers configured in the library manager.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/sonarr"
)

// Source supplies the notification configurations. *sonarr.Client
// satisfies it.
type Source interface {
	GetNotifications(ctx context.Context) ([]sonarr.Notification, error)
}

// Service fans download events out to every provider with onDownload set.
// Provider failures are isolated: one failing webhook never blocks the
// rest.
type Service struct {
	source     Source
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewService creates a notification dispatcher.
func NewService(source Source, logger zerolog.Logger) *Service {
	return &Service{
		source:     source,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "notification").Logger(),
	}
}

// DownloadSuccess announces a completed, imported download.
func (s *Service) DownloadSuccess(ctx context.Context, item downloader.Item, message string) {
	title := fmt.Sprintf("Download complete: %s", item.SeriesTitle)
	body := fmt.Sprintf("S%02dE%02d %s downloaded", item.SeasonNumber, item.EpisodeNumber, item.EpisodeTitle)
	s.dispatch(ctx, title, strings.TrimSpace(body))
}

// DownloadError announces a failed or cancelled download.
func (s *Service) DownloadError(ctx context.Context, item downloader.Item, message string) {
	title := fmt.Sprintf("Download failed: %s", item.SeriesTitle)
	body := fmt.Sprintf("S%02dE%02d: %s", item.SeasonNumber, item.EpisodeNumber, message)
	s.dispatch(ctx, title, body)
}

func (s *Service) dispatch(ctx context.Context, title, body string) {
	configs, err := s.source.GetNotifications(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to fetch notification configs")
		return
	}

	for i := range configs {
		cfg := &configs[i]
		if !cfg.OnDownload {
			continue
		}

		var err error
		switch strings.ToLower(cfg.Implementation) {
		case "discord":
			err = s.sendDiscord(ctx, cfg, title, body)
		case "webhook":
			err = s.sendWebhook(ctx, cfg, title, body)
		case "apprise":
			err = s.sendApprise(ctx, cfg, title, body)
		default:
			s.logger.Warn().Str("implementation", cfg.Implementation).Str("name", cfg.Name).
				Msg("unsupported notification implementation")
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("name", cfg.Name).
				Str("implementation", cfg.Implementation).Msg("notification delivery failed")
		}
	}
}

func (s *Service) sendDiscord(ctx context.Context, cfg *sonarr.Notification, title, body string) error {
	webhookURL, ok := cfg.Field("webHookUrl")
	if !ok {
		return fmt.Errorf("discord config %q has no webHookUrl", cfg.Name)
	}
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, body),
	}
	return s.post(ctx, http.MethodPost, webhookURL, payload)
}

func (s *Service) sendWebhook(ctx context.Context, cfg *sonarr.Notification, title, body string) error {
	url, ok := cfg.Field("url")
	if !ok {
		return fmt.Errorf("webhook config %q has no url", cfg.Name)
	}
	payload := map[string]string{
		"title":     title,
		"message":   body,
		"eventType": "Download",
	}
	return s.post(ctx, webhookMethod(cfg), url, payload)
}

// webhookMethod reads the configured HTTP method, which the library manager
// stores either as a string or as an enum (1=POST, 2=PUT).
func webhookMethod(cfg *sonarr.Notification) string {
	for _, f := range cfg.Fields {
		if f.Name != "method" {
			continue
		}
		switch v := f.Value.(type) {
		case string:
			if v != "" {
				return strings.ToUpper(v)
			}
		case float64:
			if int(v) == 2 {
				return http.MethodPut
			}
		}
	}
	return http.MethodPost
}

func (s *Service) sendApprise(ctx context.Context, cfg *sonarr.Notification, title, body string) error {
	serverURL, ok := cfg.Field("serverUrl")
	if !ok {
		return fmt.Errorf("apprise config %q has no serverUrl", cfg.Name)
	}

	endpoint := strings.TrimRight(serverURL, "/") + "/notify/"
	if key, ok := cfg.Field("configurationKey"); ok {
		endpoint += key
	}

	payload := map[string]any{
		"title": title,
		"body":  body,
	}
	if urls := cfg.StringSliceField("statelessUrls"); len(urls) > 0 {
		payload["urls"] = strings.Join(urls, ",")
	}
	return s.post(ctx, http.MethodPost, endpoint, payload)
}

func (s *Service) post(ctx context.Context, method, url string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return nil
}
