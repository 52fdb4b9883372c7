// Package importer hands finished downloads to the library manager: path
// remapping, copy into the series folder, rescan and optional rename.
package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/anibridge/anibridge/internal/downloader"
	"github.com/anibridge/anibridge/internal/library"
	"github.com/anibridge/anibridge/internal/sonarr"
)

const (
	// The library manager needs a moment to index the copied file before
	// its episode record carries a file id. Poll with doubling backoff.
	renamePollInitial  = 250 * time.Millisecond
	renamePollAttempts = 5
)

// LibraryManager is the slice of the library-manager client the importer
// drives. *sonarr.Client satisfies it.
type LibraryManager interface {
	GetSeriesByID(ctx context.Context, id int64) (*sonarr.Series, error)
	GetEpisodeByID(ctx context.Context, id int64) (*sonarr.Episode, error)
	RescanSeries(ctx context.Context, seriesID int64) error
	RenameEpisodeFile(ctx context.Context, seriesID, fileID int64) error
}

// Notifier receives the success event once a download has been ingested.
type Notifier interface {
	DownloadSuccess(ctx context.Context, item downloader.Item, message string)
}

// Settings is the slice of runtime settings the importer reads.
type Settings interface {
	AutoRename(ctx context.Context) (bool, error)
}

// Service implements downloader.Finalizer.
type Service struct {
	store    *library.Store
	manager  LibraryManager
	settings Settings
	notifier Notifier
	logger   zerolog.Logger

	sleep func(time.Duration)
}

// NewService creates an importer.
func NewService(store *library.Store, manager LibraryManager, set Settings, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		manager:  manager,
		settings: set,
		notifier: notifier,
		logger:   logger.With().Str("component", "importer").Logger(),
		sleep:    time.Sleep,
	}
}

// Finalize copies a completed download into the series folder and asks the
// library manager to pick it up. Failures are logged; the download stays
// completed either way.
func (s *Service) Finalize(ctx context.Context, item downloader.Item, filePath string) {
	log := s.logger.With().Str("downloadId", item.ID).Str("series", item.SeriesTitle).
		Int("season", item.SeasonNumber).Int("episode", item.EpisodeNumber).Logger()

	local, err := s.store.GetSeriesByID(ctx, item.SeriesID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load local series")
		return
	}
	remote, err := s.manager.GetSeriesByID(ctx, local.SonarrID)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch series from library manager")
		return
	}

	folder, mapped, err := s.store.MapPath(ctx, remote.Path)
	if err != nil {
		log.Error().Err(err).Msg("path remapping failed")
		return
	}
	if !mapped {
		log.Warn().Str("path", remote.Path).Msg("no root-folder mapping, using remote path as-is")
	}

	dest := filepath.Join(folder, fmt.Sprintf("%s - S%02dE%02d%s",
		sanitizeFilename(local.Title), item.SeasonNumber, item.EpisodeNumber,
		filepath.Ext(filePath)))
	if err := copyFile(filePath, dest); err != nil {
		log.Error().Err(err).Str("dest", dest).Msg("failed to copy download into library")
		return
	}
	os.Remove(filePath)
	log.Info().Str("dest", dest).Msg("download imported")

	if err := s.manager.RescanSeries(ctx, local.SonarrID); err != nil {
		log.Warn().Err(err).Msg("rescan failed")
	} else if err := s.maybeRename(ctx, local.SonarrID, item.EpisodeID, log); err != nil {
		log.Warn().Err(err).Msg("rename failed")
	}

	if s.notifier != nil {
		s.notifier.DownloadSuccess(ctx, item, dest)
	}
}

// maybeRename lets the library manager rename the freshly-ingested file,
// polling until the episode record carries a file id.
func (s *Service) maybeRename(ctx context.Context, sonarrID, episodeID int64, log zerolog.Logger) error {
	rename, err := s.settings.AutoRename(ctx)
	if err != nil || !rename {
		return err
	}

	delay := renamePollInitial
	for attempt := 1; attempt <= renamePollAttempts; attempt++ {
		s.sleep(delay)
		delay *= 2

		episode, err := s.manager.GetEpisodeByID(ctx, episodeID)
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("episode not fetchable yet")
			continue
		}
		if episode.EpisodeFileID == 0 {
			continue
		}
		return s.manager.RenameEpisodeFile(ctx, sonarrID, episode.EpisodeFileID)
	}
	return fmt.Errorf("episode %d has no file after %d attempts", episodeID, renamePollAttempts)
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

// sanitizeFilename strips characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	out := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(out)
}
