// Package metadata reconciles the library manager's series and season view
// into the local store and matches each season to its source-site
// identifiers.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/anibridge/anibridge/internal/animedb"
	"github.com/anibridge/anibridge/internal/animeworld"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/settings"
	"github.com/anibridge/anibridge/internal/sonarr"
)

// Posters younger than this are not re-downloaded.
const posterMaxAge = 48 * time.Hour

// LibraryManager is the slice of the library-manager client the
// synchroniser needs. *sonarr.Client satisfies it.
type LibraryManager interface {
	GetAllSeries(ctx context.Context) ([]sonarr.Series, error)
	GetSeriesByID(ctx context.Context, id int64) (*sonarr.Series, error)
	GetSeasonAirDateInfo(ctx context.Context, seriesID int64, seasonNumber int) (sonarr.SeasonAirDateInfo, error)
	GetRootFolders(ctx context.Context) ([]sonarr.RootFolder, error)
}

// SourceSite is the slice of the scraper the matcher needs.
// *animeworld.Client satisfies it.
type SourceSite interface {
	SearchAnime(ctx context.Context, keyword string) ([]animeworld.SearchResult, error)
	SearchWithFilter(ctx context.Context, q animeworld.FilterQuery) ([]animeworld.FilterResult, error)
}

// AnimeDB is the GraphQL anime database. *anilist.Client satisfies it.
type AnimeDB interface {
	SearchByTitle(ctx context.Context, title string) ([]animedb.Media, error)
	LookupByID(ctx context.Context, id int64) (*animedb.Media, error)
}

// MALDB is the REST anime database keyed by MyAnimeList id.
// *jikan.Client satisfies it.
type MALDB interface {
	LookupByID(ctx context.Context, malID int64) (*animedb.Media, error)
}

// Settings is the slice of runtime settings the synchroniser reads.
// *settings.Service satisfies it.
type Settings interface {
	PreferredLanguage(ctx context.Context) (library.Language, error)
	FilterAnimeOnly(ctx context.Context) (bool, error)
	TagsPolicy(ctx context.Context) (settings.TagsMode, []settings.Tag, error)
}

// Service is the metadata synchroniser.
type Service struct {
	store     *library.Store
	manager   LibraryManager
	site      SourceSite
	animeDB   AnimeDB
	malDB     MALDB
	settings  Settings
	posterDir string

	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService creates a metadata synchroniser.
func NewService(store *library.Store, manager LibraryManager, site SourceSite,
	animeDB AnimeDB, malDB MALDB, set Settings, posterDir string, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		manager:    manager,
		site:       site,
		animeDB:    animeDB,
		malDB:      malDB,
		settings:   set,
		posterDir:  posterDir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "metadata").Logger(),
		now:        time.Now,
	}
}

// SyncAll reconciles every eligible series from the library manager,
// soft-deleting local series no longer reported, and refreshes root folders.
func (s *Service) SyncAll(ctx context.Context) error {
	series, err := s.manager.GetAllSeries(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch series: %w", err)
	}

	animeOnly, err := s.settings.FilterAnimeOnly(ctx)
	if err != nil {
		return err
	}
	mode, tags, err := s.settings.TagsPolicy(ctx)
	if err != nil {
		return err
	}

	var keep []int64
	for i := range series {
		sr := &series[i]
		if !sr.Monitored {
			continue
		}
		if animeOnly && sr.SeriesType != "anime" {
			continue
		}
		if !TagAllowed(mode, tags, sr.Tags) {
			continue
		}
		keep = append(keep, sr.ID)
		if err := s.syncSeries(ctx, sr, false); err != nil {
			s.logger.Error().Err(err).Int64("seriesId", sr.ID).Str("title", sr.Title).
				Msg("series sync failed")
		}
	}

	if err := s.store.SoftDeleteSeriesNotIn(ctx, keep); err != nil {
		return fmt.Errorf("failed to soft-delete stale series: %w", err)
	}

	if err := s.syncRootFolders(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("root folder sync failed")
	}

	s.logger.Info().Int("series", len(keep)).Msg("metadata sync complete")
	return nil
}

// SyncSeriesByID runs a one-shot sync for a single library-manager series.
func (s *Service) SyncSeriesByID(ctx context.Context, sonarrID int64, forceRefresh bool) error {
	sr, err := s.manager.GetSeriesByID(ctx, sonarrID)
	if err != nil {
		return err
	}
	return s.syncSeries(ctx, sr, forceRefresh)
}

// TagAllowed applies the configured tag policy to a series' tag ids. An
// empty tag list makes the policy a no-op in either mode.
func TagAllowed(mode settings.TagsMode, policy []settings.Tag, seriesTags []int64) bool {
	if len(policy) == 0 {
		return true
	}
	tagged := false
	for _, t := range policy {
		for _, id := range seriesTags {
			if id == t.Value {
				tagged = true
			}
		}
	}
	if mode == settings.TagsWhitelist {
		return tagged
	}
	return !tagged
}

func (s *Service) syncSeries(ctx context.Context, sr *sonarr.Series, forceRefresh bool) error {
	existing, err := s.store.GetSeriesBySonarrID(ctx, sr.ID)
	if err != nil && !errors.Is(err, library.ErrSeriesNotFound) {
		return err
	}

	record := &library.Series{
		SonarrID:     sr.ID,
		Title:        sr.Title,
		Description:  sr.Overview,
		Status:       mapSeriesStatus(sr.Status),
		TotalSeasons: sr.Statistics.SeasonCount,
		PosterURL:    sr.PosterURL(),
		Genres:       sr.Genres,
		Year:         sr.Year,
		Network:      sr.Network,
	}
	for _, alt := range sr.AlternateTitles {
		scene := -1
		if alt.SceneSeasonNumber != nil {
			scene = *alt.SceneSeasonNumber
		}
		record.AlternateTitles = append(record.AlternateTitles, library.AlternateTitle{
			Title:             alt.Title,
			SceneSeasonNumber: scene,
		})
	}
	// Absolute numbering and the per-series language override are operator
	// choices; carry them through the refresh.
	if existing != nil {
		record.Absolute = existing.Absolute
		record.PreferredLanguage = existing.PreferredLanguage
	}

	local, err := s.store.UpsertSeries(ctx, record)
	if err != nil {
		return err
	}

	if err := s.downloadPoster(ctx, local); err != nil {
		s.logger.Warn().Err(err).Int64("seriesId", local.ID).Msg("poster download failed")
	}

	seasons, err := s.syncSeasons(ctx, sr, local)
	if err != nil {
		return err
	}

	for _, season := range seasons {
		if len(season.DownloadURLs) > 0 && !forceRefresh {
			continue
		}
		ids, err := s.matchSeason(ctx, local, sr.ID, season)
		if err != nil {
			s.logger.Warn().Err(err).Str("title", local.Title).
				Int("season", season.SeasonNumber).Msg("season match failed")
			continue
		}
		if len(ids) == 0 {
			s.logger.Debug().Str("title", local.Title).Int("season", season.SeasonNumber).
				Msg("no source-site match")
			continue
		}
		if err := s.store.SetSeasonDownloadURLs(ctx, season.ID, ids); err != nil {
			return err
		}
		s.logger.Info().Str("title", local.Title).Int("season", season.SeasonNumber).
			Strs("identifiers", ids).Msg("season matched")
	}
	return nil
}

// syncSeasons upserts the seasons the library manager reports, returning the
// stored records. Seasons already past their last air date keep their
// download state; stale seasons are soft-deleted.
func (s *Service) syncSeasons(ctx context.Context, sr *sonarr.Series, local *library.Series) ([]*library.Season, error) {
	if local.Absolute {
		season, err := s.upsertAbsoluteSeason(ctx, sr, local)
		if err != nil {
			return nil, err
		}
		if err := s.store.SoftDeleteSeasonsNotIn(ctx, local.ID, []int{1}); err != nil {
			return nil, err
		}
		return []*library.Season{season}, nil
	}

	var (
		out  []*library.Season
		keep []int
	)
	for _, season := range sr.Seasons {
		if season.SeasonNumber == 0 || !season.Monitored {
			continue
		}
		info, err := s.manager.GetSeasonAirDateInfo(ctx, sr.ID, season.SeasonNumber)
		if err != nil {
			return nil, err
		}
		if !info.HasValidAirDate {
			continue
		}

		aired := season.Statistics.EpisodeCount
		missing := aired - season.Statistics.EpisodeFileCount
		if missing < 0 {
			missing = 0
		}
		stored, err := s.upsertSeason(ctx, local.ID, season.SeasonNumber, aired, missing, info.StartDate)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
		keep = append(keep, season.SeasonNumber)
	}

	if err := s.store.SoftDeleteSeasonsNotIn(ctx, local.ID, keep); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) upsertAbsoluteSeason(ctx context.Context, sr *sonarr.Series, local *library.Series) (*library.Season, error) {
	aired := sr.Statistics.EpisodeCount
	missing := aired - sr.Statistics.EpisodeFileCount
	if missing < 0 {
		missing = 0
	}
	info, err := s.manager.GetSeasonAirDateInfo(ctx, sr.ID, 1)
	if err != nil {
		return nil, err
	}
	return s.upsertSeason(ctx, local.ID, 1, aired, missing, info.StartDate)
}

func (s *Service) upsertSeason(ctx context.Context, seriesID int64, number, aired, missing int, releaseDate *time.Time) (*library.Season, error) {
	status := library.SeasonNotStarted
	prior, err := s.store.GetSeason(ctx, seriesID, number)
	if err != nil && !errors.Is(err, library.ErrSeasonNotFound) {
		return nil, err
	}
	switch {
	case prior != nil && prior.Status == library.SeasonDownloading:
		status = library.SeasonDownloading
	case aired > 0 && missing == 0:
		status = library.SeasonCompleted
	}

	return s.store.UpsertSeason(ctx, &library.Season{
		SeriesID:        seriesID,
		SeasonNumber:    number,
		Title:           fmt.Sprintf("Season %d", number),
		TotalEpisodes:   aired,
		MissingEpisodes: missing,
		Status:          status,
		ReleaseDate:     releaseDate,
	})
}

func (s *Service) syncRootFolders(ctx context.Context) error {
	folders, err := s.manager.GetRootFolders(ctx)
	if err != nil {
		return err
	}
	for _, rf := range folders {
		err := s.store.UpsertRootFolder(ctx, &library.RootFolder{
			SonarrID:   rf.ID,
			Path:       rf.Path,
			Accessible: rf.Accessible,
			FreeSpace:  rf.FreeSpace,
			TotalSpace: rf.TotalSpace,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// downloadPoster fetches the series poster unless a copy newer than 48 hours
// exists.
func (s *Service) downloadPoster(ctx context.Context, local *library.Series) error {
	if local.PosterURL == "" {
		return nil
	}
	if local.PosterPath != "" && local.PosterDownloadedAt != nil &&
		s.now().Sub(*local.PosterDownloadedAt) < posterMaxAge {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, local.PosterURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("poster fetch returned %d", resp.StatusCode)
	}

	ext := path.Ext(local.PosterURL)
	if ext == "" || len(ext) > 5 {
		ext = ".jpg"
	}
	if err := os.MkdirAll(s.posterDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(s.posterDir, fmt.Sprintf("%d%s", local.ID, ext))

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return s.store.UpdateSeriesPoster(ctx, local.ID, dest, s.now())
}

func mapSeriesStatus(status string) library.SeriesStatus {
	switch status {
	case "ended":
		return library.SeriesCompleted
	case "deleted":
		return library.SeriesCancelled
	default:
		return library.SeriesOngoing
	}
}
