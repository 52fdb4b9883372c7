package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/testutil"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(func() { tdb.Close() })
	return NewService(tdb.Conn, tdb.Logger)
}

func TestDefaultsWhenUnset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SonarrURL(ctx); !errors.Is(err, ErrNotSet) {
		t.Errorf("SonarrURL err = %v, want ErrNotSet", err)
	}
	if _, err := svc.SonarrToken(ctx); !errors.Is(err, ErrNotSet) {
		t.Errorf("SonarrToken err = %v, want ErrNotSet", err)
	}

	if url, err := svc.AnimeworldBaseURL(ctx); err != nil || url != DefaultAnimeworldBaseURL {
		t.Errorf("AnimeworldBaseURL = %q, %v", url, err)
	}
	if lang, err := svc.PreferredLanguage(ctx); err != nil || lang != library.LanguageSub {
		t.Errorf("PreferredLanguage = %q, %v", lang, err)
	}
	if n, err := svc.DownloadMaxWorkers(ctx); err != nil || n != 3 {
		t.Errorf("DownloadMaxWorkers = %d, %v", n, err)
	}
	if n, err := svc.ConcurrentDownloads(ctx); err != nil || n != 2 {
		t.Errorf("ConcurrentDownloads = %d, %v", n, err)
	}
	if n, err := svc.FetchWantedInterval(ctx); err != nil || n != 30 {
		t.Errorf("FetchWantedInterval = %d, %v", n, err)
	}
	if n, err := svc.UpdateMetadataInterval(ctx); err != nil || n != 120 {
		t.Errorf("UpdateMetadataInterval = %d, %v", n, err)
	}
	if anime, err := svc.FilterAnimeOnly(ctx); err != nil || !anime {
		t.Errorf("FilterAnimeOnly = %v, %v", anime, err)
	}
	mode, tags, err := svc.TagsPolicy(ctx)
	if err != nil || mode != TagsBlacklist || len(tags) != 0 {
		t.Errorf("TagsPolicy = %v %v %v", mode, tags, err)
	}
}

func TestSetRoundTripAndClamping(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, KeySonarrURL, "http://sonarr:8989///"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if url, err := svc.SonarrURL(ctx); err != nil || url != "http://sonarr:8989" {
		t.Errorf("SonarrURL = %q, %v", url, err)
	}

	if err := svc.Set(ctx, KeyDownloadMaxWorkers, 99); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if n, _ := svc.DownloadMaxWorkers(ctx); n != 10 {
		t.Errorf("DownloadMaxWorkers = %d, want clamped 10", n)
	}

	if err := svc.Set(ctx, KeySonarrTagsMode, string(TagsWhitelist)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := svc.Set(ctx, KeySonarrTags, []Tag{{Value: 4, Label: "anime"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mode, tags, err := svc.TagsPolicy(ctx)
	if err != nil || mode != TagsWhitelist {
		t.Fatalf("TagsPolicy = %v, %v", mode, err)
	}
	if len(tags) != 1 || tags[0].Value != 4 || tags[0].Label != "anime" {
		t.Errorf("tags = %+v", tags)
	}
}

func TestSetFiresSubscribersForKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var urlChanges, tokenChanges int
	svc.OnChange(KeySonarrURL, func() { urlChanges++ })
	svc.OnChange(KeySonarrToken, func() { tokenChanges++ })

	if err := svc.Set(ctx, KeySonarrURL, "http://sonarr:8989"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := svc.Set(ctx, KeySonarrURL, "http://other:8989"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if urlChanges != 2 {
		t.Errorf("url subscriber fired %d times, want 2", urlChanges)
	}
	if tokenChanges != 0 {
		t.Errorf("token subscriber fired %d times, want 0", tokenChanges)
	}
}

func TestInvalidPreferredLanguageFallsBack(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Set(ctx, KeyPreferredLanguage, "klingon"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if lang, err := svc.PreferredLanguage(ctx); err != nil || lang != library.LanguageSub {
		t.Errorf("PreferredLanguage = %q, %v", lang, err)
	}

	if err := svc.Set(ctx, KeyPreferredLanguage, string(library.LanguageDubFallbackSub)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if lang, _ := svc.PreferredLanguage(ctx); lang != library.LanguageDubFallbackSub {
		t.Errorf("PreferredLanguage = %q", lang)
	}
}
