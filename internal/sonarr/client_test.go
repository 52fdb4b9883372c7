package sonarr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anibridge/anibridge/internal/testutil"
)

type staticCreds struct {
	url   string
	token string
}

func (c staticCreds) SonarrURL(ctx context.Context) (string, error)   { return c.url, nil }
func (c staticCreds) SonarrToken(ctx context.Context) (string, error) { return c.token, nil }

func newHealthyClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(staticCreds{url: srv.URL, token: "test-key"}, testutil.NewTestLogger(t))
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	return c
}

func statusHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/system/status" {
			json.NewEncoder(w).Encode(SystemStatus{Version: "4.0.0"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestProbeSendsAPIKeyAndRecordsHealth(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-Api-Key"))
		json.NewEncoder(w).Encode(SystemStatus{Version: "4.0.0"})
	}))
	defer srv.Close()

	c := NewClient(staticCreds{url: srv.URL, token: "test-key"}, testutil.NewTestLogger(t))

	if healthy, _ := c.Health(); healthy {
		t.Fatal("client healthy before first probe")
	}
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if gotKey.Load() != "test-key" {
		t.Errorf("X-Api-Key = %v", gotKey.Load())
	}
	healthy, lastCheck := c.Health()
	if !healthy || lastCheck.IsZero() {
		t.Errorf("Health = %v, %v", healthy, lastCheck)
	}
}

func TestCallsFailFastWhenUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request while backend marked down")
	}))
	defer srv.Close()

	c := NewClient(staticCreds{url: srv.URL, token: "k"}, testutil.NewTestLogger(t))
	if _, err := c.GetAllSeries(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestRateLimitedRequestIsRetriedAfterWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(statusHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode([]Series{{ID: 1, Title: "Frieren"}})
	})))
	defer srv.Close()

	c := newHealthyClient(t, srv)
	series, err := c.GetAllSeries(context.Background())
	if err != nil {
		t.Fatalf("GetAllSeries: %v", err)
	}
	if len(series) != 1 || series[0].Title != "Frieren" {
		t.Errorf("series = %+v", series)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGetSeriesByIDNotFound(t *testing.T) {
	srv := httptest.NewServer(statusHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))
	defer srv.Close()

	c := newHealthyClient(t, srv)
	if _, err := c.GetSeriesByID(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetSeriesEpisodesUsesCache(t *testing.T) {
	var episodeCalls atomic.Int32
	srv := httptest.NewServer(statusHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/episode" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("seriesId") != "7" {
			t.Errorf("seriesId = %s", r.URL.Query().Get("seriesId"))
		}
		episodeCalls.Add(1)
		json.NewEncoder(w).Encode([]Episode{{ID: 1, SeriesID: 7, SeasonNumber: 1, EpisodeNumber: 1}})
	})))
	defer srv.Close()

	c := newHealthyClient(t, srv)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		episodes, err := c.GetSeriesEpisodes(ctx, 7)
		if err != nil || len(episodes) != 1 {
			t.Fatalf("GetSeriesEpisodes: %v, %d episodes", err, len(episodes))
		}
	}
	if episodeCalls.Load() != 1 {
		t.Errorf("episode endpoint hit %d times, want 1", episodeCalls.Load())
	}

	c.InvalidateHealth()
	if _, err := c.GetSeriesEpisodes(ctx, 7); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("err after invalidate = %v", err)
	}
}

func TestGetSeasonAirDateInfoIgnoresFarFutureEpisodes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	early := time.Date(2025, 4, 6, 15, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	farFuture := time.Date(2025, 9, 1, 15, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(statusHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Episode{
			{ID: 1, SeasonNumber: 1, EpisodeNumber: 1, AirDateUTC: &early},
			{ID: 2, SeasonNumber: 1, EpisodeNumber: 2, AirDateUTC: &late},
			{ID: 3, SeasonNumber: 1, EpisodeNumber: 3, AirDateUTC: &farFuture},
			{ID: 4, SeasonNumber: 2, EpisodeNumber: 1, AirDateUTC: &early},
			{ID: 5, SeasonNumber: 1, EpisodeNumber: 4},
		})
	})))
	defer srv.Close()

	c := newHealthyClient(t, srv)
	c.now = func() time.Time { return now }

	info, err := c.GetSeasonAirDateInfo(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("GetSeasonAirDateInfo: %v", err)
	}
	if !info.HasValidAirDate {
		t.Fatal("expected a valid air-date window")
	}
	if info.StartDate == nil || !info.StartDate.Equal(early) {
		t.Errorf("start = %v, want %v", info.StartDate, early)
	}
	if info.EndDate == nil || !info.EndDate.Equal(late) {
		t.Errorf("end = %v, want %v (far-future episode must not count)", info.EndDate, late)
	}
}

func TestGetWantedMissingQuery(t *testing.T) {
	srv := httptest.NewServer(statusHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("pageSize") != "100" || q.Get("sortKey") != "airDateUtc" ||
			q.Get("sortDirection") != "asc" || q.Get("page") != "2" ||
			q.Get("includeSeries") != "true" || q.Get("monitored") != "true" {
			t.Errorf("query = %v", q)
		}
		json.NewEncoder(w).Encode(WantedMissingPage{Page: 2, TotalRecords: 150})
	})))
	defer srv.Close()

	c := newHealthyClient(t, srv)
	page, err := c.GetWantedMissing(context.Background(), 100, "airDateUtc", "asc", 2)
	if err != nil {
		t.Fatalf("GetWantedMissing: %v", err)
	}
	if page.TotalRecords != 150 {
		t.Errorf("page = %+v", page)
	}
}

func TestRescanSeriesPostsCommand(t *testing.T) {
	srv := httptest.NewServer(statusHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/command" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "RescanSeries" || body["seriesId"] != float64(5) {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
	})))
	defer srv.Close()

	c := newHealthyClient(t, srv)
	if err := c.RescanSeries(context.Background(), 5); err != nil {
		t.Fatalf("RescanSeries: %v", err)
	}
}
