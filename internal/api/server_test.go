package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/logger"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/settings"
	"github.com/anibridge/anibridge/internal/sonarr"
	"github.com/anibridge/anibridge/internal/testutil"
	"github.com/anibridge/anibridge/internal/websocket"
)

func newTestServer(t *testing.T) (*Server, *library.Store, *settings.Service) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(func() { tdb.Close() })

	store := library.NewStore(tdb.Conn, tdb.Logger)
	set := settings.NewService(tdb.Conn, tdb.Logger)
	queue := downloader.NewQueue(set, nil, nil, t.TempDir(), tdb.Logger)

	sched, err := scheduler.New(tdb.Logger)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(func() { sched.Stop() })
	if err := sched.RegisterTask(scheduler.TaskConfig{
		ID: "update_metadata", Name: "Update metadata", IntervalMinutes: 60,
		Func: func(ctx context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	client := sonarr.NewClient(set, tdb.Logger)
	ring := logger.NewRing(10)
	hub := websocket.NewHub(tdb.Logger)
	go hub.Run()

	return NewServer(store, set, queue, sched, client, ring, hub, tdb.Logger), store, set
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusReportsQueueAndVersion(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] != "dev" {
		t.Errorf("version = %v", body["version"])
	}
	if _, ok := body["queueLength"]; !ok {
		t.Error("status lacks queueLength")
	}
}

func TestQueueItemNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := doRequest(s, http.MethodDelete, "/api/queue/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE status = %d, want 404", rec.Code)
	}
	if rec := doRequest(s, http.MethodPost, "/api/queue/nope/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel status = %d, want 404", rec.Code)
	}
}

func TestRunUnknownTask(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := doRequest(s, http.MethodPost, "/api/tasks/bogus/run", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := doRequest(s, http.MethodPost, "/api/tasks/update_metadata/run", ""); rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestUpdateSettingRejectsUnknownKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPut, "/api/settings/not_a_key", `{"value":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSettingsRoundTripRedactsToken(t *testing.T) {
	s, _, set := newTestServer(t)

	rec := doRequest(s, http.MethodPut, "/api/settings/sonarr_url", `{"value":"http://sonarr:8989"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT url status = %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPut, "/api/settings/sonarr_token", `{"value":"secret-key"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT token status = %d", rec.Code)
	}

	url, err := set.SonarrURL(context.Background())
	if err != nil || url != "http://sonarr:8989" {
		t.Errorf("stored url = %q, %v", url, err)
	}

	rec = doRequest(s, http.MethodGet, "/api/settings", "")
	var values map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &values); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(values["sonarr_token"]) != `"********"` {
		t.Errorf("token not redacted: %s", values["sonarr_token"])
	}
	if string(values["sonarr_url"]) != `"http://sonarr:8989"` {
		t.Errorf("url = %s", values["sonarr_url"])
	}
}

func TestListSeriesIncludesSeasons(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	sr, err := store.UpsertSeries(ctx, &library.Series{SonarrID: 9, Title: "Dandadan", Status: library.SeriesOngoing})
	if err != nil {
		t.Fatalf("UpsertSeries: %v", err)
	}
	if _, err := store.UpsertSeason(ctx, &library.Season{
		SeriesID: sr.ID, SeasonNumber: 1, Title: "Season 1", Status: library.SeasonNotStarted,
	}); err != nil {
		t.Fatalf("UpsertSeason: %v", err)
	}

	rec := doRequest(s, http.MethodGet, "/api/series", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []seriesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Title != "Dandadan" || len(out[0].Seasons) != 1 {
		t.Errorf("unexpected response %+v", out)
	}
}
