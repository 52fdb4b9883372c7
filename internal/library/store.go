package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSeriesNotFound = errors.New("series not found")
	ErrSeasonNotFound = errors.New("season not found")
)

// Store provides access to locally persisted series, seasons and root folders.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new library store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "library").Logger(),
	}
}

const seriesColumns = `id, sonarr_id, title, description, status, total_seasons,
	poster_url, poster_path, poster_downloaded_at, alternate_titles, genres,
	year, network, preferred_language, absolute, deleted, created_at, updated_at`

func (s *Store) scanSeries(row interface{ Scan(...any) error }) (*Series, error) {
	var (
		sr           Series
		posterAt     sql.NullTime
		altTitles    string
		genres       string
		prefLanguage sql.NullString
	)
	err := row.Scan(&sr.ID, &sr.SonarrID, &sr.Title, &sr.Description, &sr.Status,
		&sr.TotalSeasons, &sr.PosterURL, &sr.PosterPath, &posterAt, &altTitles,
		&genres, &sr.Year, &sr.Network, &prefLanguage, &sr.Absolute, &sr.Deleted,
		&sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if posterAt.Valid {
		t := posterAt.Time
		sr.PosterDownloadedAt = &t
	}
	if prefLanguage.Valid && prefLanguage.String != "" {
		lang := Language(prefLanguage.String)
		sr.PreferredLanguage = &lang
	}
	if err := json.Unmarshal([]byte(altTitles), &sr.AlternateTitles); err != nil {
		sr.AlternateTitles = nil
	}
	if err := json.Unmarshal([]byte(genres), &sr.Genres); err != nil {
		sr.Genres = nil
	}
	return &sr, nil
}

// UpsertSeries inserts or updates a series keyed by its Sonarr id and
// returns the stored record. Upserting resets the deleted flag.
func (s *Store) UpsertSeries(ctx context.Context, sr *Series) (*Series, error) {
	altTitles, err := json.Marshal(orEmptyAlt(sr.AlternateTitles))
	if err != nil {
		return nil, fmt.Errorf("failed to encode alternate titles: %w", err)
	}
	genres, err := json.Marshal(orEmpty(sr.Genres))
	if err != nil {
		return nil, fmt.Errorf("failed to encode genres: %w", err)
	}

	var prefLanguage sql.NullString
	if sr.PreferredLanguage != nil {
		prefLanguage = sql.NullString{String: string(*sr.PreferredLanguage), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO series (sonarr_id, title, description, status, total_seasons,
			poster_url, alternate_titles, genres, year, network, preferred_language, absolute, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(sonarr_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			total_seasons = excluded.total_seasons,
			poster_url = excluded.poster_url,
			alternate_titles = excluded.alternate_titles,
			genres = excluded.genres,
			year = excluded.year,
			network = excluded.network,
			preferred_language = excluded.preferred_language,
			absolute = excluded.absolute,
			deleted = 0,
			updated_at = CURRENT_TIMESTAMP`,
		sr.SonarrID, sr.Title, sr.Description, string(sr.Status), sr.TotalSeasons,
		sr.PosterURL, string(altTitles), string(genres), sr.Year, sr.Network,
		prefLanguage, sr.Absolute)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert series: %w", err)
	}

	return s.GetSeriesBySonarrID(ctx, sr.SonarrID)
}

// GetSeriesByID returns a series by local id.
func (s *Store) GetSeriesByID(ctx context.Context, id int64) (*Series, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	sr, err := s.scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSeriesNotFound
	}
	return sr, err
}

// GetSeriesBySonarrID returns a series by its library-manager id.
func (s *Store) GetSeriesBySonarrID(ctx context.Context, sonarrID int64) (*Series, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE sonarr_id = ?`, sonarrID)
	sr, err := s.scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSeriesNotFound
	}
	return sr, err
}

// ListSeries returns all series, excluding soft-deleted ones unless asked.
func (s *Store) ListSeries(ctx context.Context, includeDeleted bool) ([]*Series, error) {
	query := `SELECT ` + seriesColumns + ` FROM series`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY title`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer rows.Close()

	var out []*Series
	for rows.Next() {
		sr, err := s.scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// SoftDeleteSeriesNotIn marks every series whose Sonarr id is not in keep as
// deleted, cascading the flag to their seasons. Records are kept for audit.
func (s *Store) SoftDeleteSeriesNotIn(ctx context.Context, keep []int64) error {
	if len(keep) == 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE series SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE deleted = 0`); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE seasons SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE deleted = 0`)
		return err
	}

	placeholders := strings.Repeat("?,", len(keep)-1) + "?"
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE series SET deleted = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE deleted = 0 AND sonarr_id NOT IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to soft-delete series: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE seasons SET deleted = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE deleted = 0 AND series_id IN (
			SELECT id FROM series WHERE sonarr_id NOT IN (`+placeholders+`))`, args...)
	return err
}

// UpdateSeriesPoster records a downloaded poster path and timestamp.
func (s *Store) UpdateSeriesPoster(ctx context.Context, id int64, path string, downloadedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE series SET poster_path = ?, poster_downloaded_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		path, downloadedAt, id)
	return err
}

// SetSeriesPreferredLanguage stores a per-series language override, or clears
// it when lang is nil.
func (s *Store) SetSeriesPreferredLanguage(ctx context.Context, id int64, lang *Language) error {
	var v sql.NullString
	if lang != nil {
		v = sql.NullString{String: string(*lang), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE series SET preferred_language = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, v, id)
	return err
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptyAlt(in []AlternateTitle) []AlternateTitle {
	if in == nil {
		return []AlternateTitle{}
	}
	return in
}
