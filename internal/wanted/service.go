// Package wanted ingests the library manager's wanted-missing episodes into
// the download queue.
package wanted

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/metadata"
	"github.com/anibridge/anibridge/internal/settings"
	"github.com/anibridge/anibridge/internal/sonarr"
)

const pageSize = 100

// WantedLister pages through the wanted-missing list. *sonarr.Client
// satisfies it.
type WantedLister interface {
	GetWantedMissing(ctx context.Context, pageSize int, sortKey, sortDir string, page int) (*sonarr.WantedMissingPage, error)
}

// Syncer runs a one-shot metadata sync for a series not yet known locally.
// *metadata.Service satisfies it.
type Syncer interface {
	SyncSeriesByID(ctx context.Context, sonarrID int64, forceRefresh bool) error
}

// LinkResolver resolves an episode number across a season's matched
// identifiers. *animeworld.Client satisfies it.
type LinkResolver interface {
	FindEpisodeDownloadLink(ctx context.Context, identifiers []string, episodeNumber int) (string, error)
}

// Enqueuer is the download queue surface the ingester drives.
// *downloader.Queue satisfies it.
type Enqueuer interface {
	Enqueue(params downloader.EnqueueParams) (string, error)
	HasActiveEpisode(episodeID int64) bool
}

// Settings is the slice of runtime settings the ingester reads.
type Settings interface {
	FilterAnimeOnly(ctx context.Context) (bool, error)
	TagsPolicy(ctx context.Context) (settings.TagsMode, []settings.Tag, error)
}

// Service is the fetch_wanted task body.
type Service struct {
	store    *library.Store
	manager  WantedLister
	syncer   Syncer
	resolver LinkResolver
	queue    Enqueuer
	settings Settings
	logger   zerolog.Logger
}

// NewService creates a wanted-episode ingester.
func NewService(store *library.Store, manager WantedLister, syncer Syncer,
	resolver LinkResolver, queue Enqueuer, set Settings, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		manager:  manager,
		syncer:   syncer,
		resolver: resolver,
		queue:    queue,
		settings: set,
		logger:   logger.With().Str("component", "wanted").Logger(),
	}
}

// Run walks the wanted-missing list in air-date order and enqueues every
// resolvable episode. Item-level failures are logged and skipped; only
// missing config or an unreachable backend abort the run.
func (s *Service) Run(ctx context.Context) error {
	animeOnly, err := s.settings.FilterAnimeOnly(ctx)
	if err != nil {
		return err
	}
	mode, tags, err := s.settings.TagsPolicy(ctx)
	if err != nil {
		return err
	}

	var (
		queued  int
		fetched int
		synced  = make(map[int64]bool)
	)
	for page := 1; ; page++ {
		result, err := s.manager.GetWantedMissing(ctx, pageSize, "airDateUtc", "asc", page)
		if err != nil {
			return fmt.Errorf("failed to fetch wanted page %d: %w", page, err)
		}
		if len(result.Records) == 0 {
			break
		}

		for i := range result.Records {
			record := &result.Records[i]
			if s.ingest(ctx, record, animeOnly, mode, tags, synced) {
				queued++
			}
		}

		fetched += len(result.Records)
		if fetched >= result.TotalRecords {
			break
		}
	}

	s.logger.Info().Int("examined", fetched).Int("queued", queued).Msg("wanted sweep complete")
	return nil
}

// ingest handles one wanted record, reporting whether it was enqueued.
func (s *Service) ingest(ctx context.Context, record *sonarr.Episode, animeOnly bool,
	mode settings.TagsMode, tags []settings.Tag, synced map[int64]bool) bool {

	log := s.logger.With().Int64("episodeId", record.ID).Int64("seriesId", record.SeriesID).Logger()

	if record.Series == nil {
		log.Debug().Msg("wanted record without embedded series, skipped")
		return false
	}
	if animeOnly && record.Series.SeriesType != "anime" {
		return false
	}
	if !metadata.TagAllowed(mode, tags, record.Series.Tags) {
		return false
	}

	// A soft-deleted local series is treated like an unknown one: the
	// one-shot sync resets the flag when the library manager still wants it.
	local, err := s.store.GetSeriesBySonarrID(ctx, record.SeriesID)
	if errors.Is(err, library.ErrSeriesNotFound) || (err == nil && local.Deleted) {
		if synced[record.SeriesID] {
			return false
		}
		synced[record.SeriesID] = true
		if err := s.syncer.SyncSeriesByID(ctx, record.SeriesID, false); err != nil {
			log.Warn().Err(err).Msg("one-shot series sync failed")
			return false
		}
		local, err = s.store.GetSeriesBySonarrID(ctx, record.SeriesID)
	}
	if err != nil {
		log.Warn().Err(err).Msg("series not available locally")
		return false
	}
	if local.Deleted {
		log.Debug().Msg("series still soft-deleted after sync, skipped")
		return false
	}

	seasonNumber := record.SeasonNumber
	if local.Absolute {
		seasonNumber = 1
	}
	season, err := s.store.GetSeason(ctx, local.ID, seasonNumber)
	if err != nil {
		log.Debug().Int("season", seasonNumber).Msg("season not known locally, skipped")
		return false
	}
	if season.Deleted {
		log.Debug().Int("season", seasonNumber).Msg("season soft-deleted, skipped")
		return false
	}
	if len(season.DownloadURLs) == 0 {
		log.Debug().Int("season", seasonNumber).Msg("season has no matched identifiers")
		return false
	}

	if s.queue.HasActiveEpisode(record.ID) {
		return false
	}

	episodeNumber := record.EpisodeNumber
	if local.Absolute {
		if record.AbsoluteEpisodeNumber == nil {
			log.Debug().Msg("absolute series without absolute episode number, skipped")
			return false
		}
		episodeNumber = *record.AbsoluteEpisodeNumber
	}

	link, err := s.resolver.FindEpisodeDownloadLink(ctx, season.DownloadURLs, episodeNumber)
	if err != nil {
		log.Warn().Err(err).Int("episode", episodeNumber).Msg("no download link for wanted episode")
		return false
	}

	_, err = s.queue.Enqueue(downloader.EnqueueParams{
		SeriesID:      local.ID,
		SeasonID:      season.ID,
		EpisodeID:     record.ID,
		SeriesTitle:   local.Title,
		SeasonNumber:  record.SeasonNumber,
		EpisodeNumber: record.EpisodeNumber,
		EpisodeTitle:  record.Title,
		DownloadURL:   link,
	})
	if errors.Is(err, downloader.ErrDuplicate) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to enqueue wanted episode")
		return false
	}
	return true
}
