package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/settings"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

var knownSettingKeys = map[string]bool{
	settings.KeySonarrURL:              true,
	settings.KeySonarrToken:            true,
	settings.KeySonarrFilterAnimeOnly:  true,
	settings.KeySonarrAutoRename:       true,
	settings.KeySonarrTagsMode:         true,
	settings.KeySonarrTags:             true,
	settings.KeyAnimeworldBaseURL:      true,
	settings.KeyPreferredLanguage:      true,
	settings.KeyDownloadMaxWorkers:     true,
	settings.KeyConcurrentDownloads:    true,
	settings.KeyFetchWantedInterval:    true,
	settings.KeyUpdateMetadataInterval: true,
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	healthy, lastChecked := s.sonarr.Health()
	snapshot := s.queue.Snapshot(c.Request().Context())

	return c.JSON(http.StatusOK, map[string]any{
		"version":       Version,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"sonarr": map[string]any{
			"healthy":     healthy,
			"lastChecked": lastChecked,
		},
		"queueLength":      snapshot.QueueLength,
		"activeDownloads":  snapshot.ActiveDownloads,
		"websocketClients": s.hub.ClientCount(),
	})
}

func (s *Server) getQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.Snapshot(c.Request().Context()))
}

func (s *Server) removeQueueItem(c echo.Context) error {
	err := s.queue.Remove(c.Param("id"))
	switch {
	case errors.Is(err, downloader.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "queue item not found")
	case errors.Is(err, downloader.ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, "only pending items can be removed")
	case err != nil:
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) cancelQueueItem(c echo.Context) error {
	err := s.queue.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, downloader.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "queue item not found")
	case errors.Is(err, downloader.ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, "only active downloads can be cancelled")
	case err != nil:
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.scheduler.ListTasks())
}

func (s *Server) runTask(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.scheduler.GetTask(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err := s.scheduler.RunNow(id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getSettings(c echo.Context) error {
	values, err := s.settings.List(c.Request().Context())
	if err != nil {
		return err
	}
	if _, ok := values[settings.KeySonarrToken]; ok {
		values[settings.KeySonarrToken] = json.RawMessage(`"********"`)
	}
	return c.JSON(http.StatusOK, values)
}

type updateSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) updateSetting(c echo.Context) error {
	key := c.Param("key")
	if !knownSettingKeys[key] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown setting key")
	}

	var req updateSettingRequest
	if err := c.Bind(&req); err != nil || len(req.Value) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "body must carry a value")
	}
	if err := s.settings.Set(c.Request().Context(), key, req.Value); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getLogs(c echo.Context) error {
	entries := s.ring.Recent(c.QueryParam("level"), c.QueryParam("category"))
	return c.JSON(http.StatusOK, entries)
}

type seriesResponse struct {
	*library.Series
	Seasons []*library.Season `json:"seasons"`
}

func (s *Server) listSeries(c echo.Context) error {
	ctx := c.Request().Context()
	all, err := s.store.ListSeries(ctx, false)
	if err != nil {
		return err
	}

	out := make([]seriesResponse, 0, len(all))
	for _, sr := range all {
		seasons, err := s.store.ListSeasons(ctx, sr.ID)
		if err != nil {
			return err
		}
		out = append(out, seriesResponse{Series: sr, Seasons: seasons})
	}
	return c.JSON(http.StatusOK, out)
}
