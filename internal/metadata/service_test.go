package metadata

import (
	"context"
	"testing"

	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/sonarr"
	"github.com/anibridge/anibridge/internal/testutil"
)

func TestSyncAllSoftDeletesStaleSeries(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	first := sakamotoSeries()
	second := sakamotoSeries()
	second.ID = 43
	second.Title = "Other Show"

	fm := &fakeManager{
		series: map[int64]*sonarr.Series{42: first, 43: second},
		airInfo: map[seasonKey]sonarr.SeasonAirDateInfo{
			{42, 1}: sakamotoWindow(),
			{43, 1}: sakamotoWindow(),
		},
	}
	svc := newTestService(t, tdb, fm, &fakeSite{}, &fakeAnimeDB{}, &fakeMAL{},
		&fakeSettings{lang: library.LanguageSub, animeOnly: true})

	if err := svc.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	store := library.NewStore(tdb.Conn, tdb.Logger)
	all, err := store.ListSeries(context.Background(), false)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d series, want 2", len(all))
	}

	// The second series disappears from the library manager.
	delete(fm.series, 43)
	if err := svc.SyncAll(context.Background()); err != nil {
		t.Fatalf("second SyncAll: %v", err)
	}

	all, err = store.ListSeries(context.Background(), false)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(all) != 1 || all[0].SonarrID != 42 {
		t.Fatalf("expected only series 42 to remain, got %+v", all)
	}

	deleted, err := store.GetSeriesBySonarrID(context.Background(), 43)
	if err != nil {
		t.Fatalf("GetSeriesBySonarrID: %v", err)
	}
	if !deleted.Deleted {
		t.Error("stale series should be soft-deleted, not removed")
	}
}

func TestSyncAllFiltersNonAnime(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	drama := sakamotoSeries()
	drama.ID = 50
	drama.SeriesType = "standard"

	fm := &fakeManager{
		series:  map[int64]*sonarr.Series{50: drama},
		airInfo: map[seasonKey]sonarr.SeasonAirDateInfo{{50, 1}: sakamotoWindow()},
	}
	svc := newTestService(t, tdb, fm, &fakeSite{}, &fakeAnimeDB{}, &fakeMAL{},
		&fakeSettings{lang: library.LanguageSub, animeOnly: true})

	if err := svc.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	store := library.NewStore(tdb.Conn, tdb.Logger)
	all, err := store.ListSeries(context.Background(), false)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("non-anime series should be skipped, got %+v", all)
	}
}

func TestSyncSeriesPreservesOperatorFlags(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	fm := &fakeManager{
		series:  map[int64]*sonarr.Series{42: sakamotoSeries()},
		airInfo: map[seasonKey]sonarr.SeasonAirDateInfo{{42, 1}: sakamotoWindow()},
	}
	svc := newTestService(t, tdb, fm, &fakeSite{}, &fakeAnimeDB{}, &fakeMAL{},
		&fakeSettings{lang: library.LanguageSub, animeOnly: true})

	ctx := context.Background()
	if err := svc.SyncSeriesByID(ctx, 42, false); err != nil {
		t.Fatalf("SyncSeriesByID: %v", err)
	}

	store := library.NewStore(tdb.Conn, tdb.Logger)
	sr, _ := store.GetSeriesBySonarrID(ctx, 42)
	lang := library.LanguageDub
	if err := store.SetSeriesPreferredLanguage(ctx, sr.ID, &lang); err != nil {
		t.Fatalf("SetSeriesPreferredLanguage: %v", err)
	}

	if err := svc.SyncSeriesByID(ctx, 42, false); err != nil {
		t.Fatalf("second SyncSeriesByID: %v", err)
	}
	sr, _ = store.GetSeriesBySonarrID(ctx, 42)
	if sr.PreferredLanguage == nil || *sr.PreferredLanguage != library.LanguageDub {
		t.Errorf("per-series language override lost: %+v", sr.PreferredLanguage)
	}
}

func TestSyncAbsoluteSeriesSingleSeason(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()

	series := sakamotoSeries()
	series.Statistics.EpisodeCount = 150
	series.Statistics.EpisodeFileCount = 120
	series.Seasons = append(series.Seasons, sonarr.Season{SeasonNumber: 2, Monitored: true})

	fm := &fakeManager{
		series: map[int64]*sonarr.Series{42: series},
		airInfo: map[seasonKey]sonarr.SeasonAirDateInfo{
			{42, 1}: sakamotoWindow(),
			{42, 2}: sakamotoWindow(),
		},
	}
	svc := newTestService(t, tdb, fm, &fakeSite{}, &fakeAnimeDB{}, &fakeMAL{},
		&fakeSettings{lang: library.LanguageSub, animeOnly: true})

	ctx := context.Background()
	if err := svc.SyncSeriesByID(ctx, 42, false); err != nil {
		t.Fatalf("SyncSeriesByID: %v", err)
	}

	store := library.NewStore(tdb.Conn, tdb.Logger)
	sr, _ := store.GetSeriesBySonarrID(ctx, 42)

	// Flip the series to absolute numbering, as an operator would.
	if _, err := tdb.Conn.ExecContext(ctx, `UPDATE series SET absolute = 1 WHERE id = ?`, sr.ID); err != nil {
		t.Fatalf("set absolute: %v", err)
	}
	if err := svc.SyncSeriesByID(ctx, 42, false); err != nil {
		t.Fatalf("absolute SyncSeriesByID: %v", err)
	}

	seasons, err := store.ListSeasons(ctx, sr.ID)
	if err != nil {
		t.Fatalf("ListSeasons: %v", err)
	}
	if len(seasons) != 1 || seasons[0].SeasonNumber != 1 {
		t.Fatalf("absolute series should keep only season 1, got %+v", seasons)
	}
	if seasons[0].TotalEpisodes != 150 || seasons[0].MissingEpisodes != 30 {
		t.Errorf("season stats = %d/%d, want 150 total, 30 missing",
			seasons[0].TotalEpisodes, seasons[0].MissingEpisodes)
	}
}

func TestMapSeriesStatus(t *testing.T) {
	tests := []struct {
		in   string
		want library.SeriesStatus
	}{
		{"continuing", library.SeriesOngoing},
		{"upcoming", library.SeriesOngoing},
		{"ended", library.SeriesCompleted},
		{"deleted", library.SeriesCancelled},
	}
	for _, tt := range tests {
		if got := mapSeriesStatus(tt.in); got != tt.want {
			t.Errorf("mapSeriesStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
