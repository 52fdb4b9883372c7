package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const seasonColumns = `id, series_id, season_number, title, total_episodes,
	missing_episodes, status, download_urls, deleted, release_date, created_at, updated_at`

func (s *Store) scanSeason(row interface{ Scan(...any) error }) (*Season, error) {
	var (
		se           Season
		downloadURLs sql.NullString
		releaseDate  sql.NullTime
	)
	err := row.Scan(&se.ID, &se.SeriesID, &se.SeasonNumber, &se.Title,
		&se.TotalEpisodes, &se.MissingEpisodes, &se.Status, &downloadURLs,
		&se.Deleted, &releaseDate, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if downloadURLs.Valid && downloadURLs.String != "" {
		if err := json.Unmarshal([]byte(downloadURLs.String), &se.DownloadURLs); err != nil {
			se.DownloadURLs = nil
		}
	}
	if releaseDate.Valid {
		t := releaseDate.Time
		se.ReleaseDate = &t
	}
	return &se, nil
}

// UpsertSeason inserts or updates a season keyed by (series, season number).
// DownloadURLs is not touched here; it is owned by SetSeasonDownloadURLs so
// a stats refresh never clobbers matched identifiers.
func (s *Store) UpsertSeason(ctx context.Context, se *Season) (*Season, error) {
	var releaseDate sql.NullTime
	if se.ReleaseDate != nil {
		releaseDate = sql.NullTime{Time: *se.ReleaseDate, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seasons (series_id, season_number, title, total_episodes,
			missing_episodes, status, release_date, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(series_id, season_number) DO UPDATE SET
			title = excluded.title,
			total_episodes = excluded.total_episodes,
			missing_episodes = excluded.missing_episodes,
			status = excluded.status,
			release_date = excluded.release_date,
			deleted = 0,
			updated_at = CURRENT_TIMESTAMP`,
		se.SeriesID, se.SeasonNumber, se.Title, se.TotalEpisodes,
		se.MissingEpisodes, string(se.Status), releaseDate)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert season: %w", err)
	}

	return s.GetSeason(ctx, se.SeriesID, se.SeasonNumber)
}

// GetSeason returns a season by series id and season number.
func (s *Store) GetSeason(ctx context.Context, seriesID int64, seasonNumber int) (*Season, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+seasonColumns+` FROM seasons WHERE series_id = ? AND season_number = ?`,
		seriesID, seasonNumber)
	se, err := s.scanSeason(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSeasonNotFound
	}
	return se, err
}

// ListSeasons returns all non-deleted seasons for a series, ascending.
func (s *Store) ListSeasons(ctx context.Context, seriesID int64) ([]*Season, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+seasonColumns+` FROM seasons WHERE series_id = ? AND deleted = 0 ORDER BY season_number`,
		seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seasons: %w", err)
	}
	defer rows.Close()

	var out []*Season
	for rows.Next() {
		se, err := s.scanSeason(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// SetSeasonDownloadURLs stores the matched source-site identifiers, in
// air-date order. nil stores NULL, an empty slice stores [].
func (s *Store) SetSeasonDownloadURLs(ctx context.Context, seasonID int64, urls []string) error {
	var value sql.NullString
	if urls != nil {
		encoded, err := json.Marshal(urls)
		if err != nil {
			return fmt.Errorf("failed to encode download urls: %w", err)
		}
		value = sql.NullString{String: string(encoded), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE seasons SET download_urls = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		value, seasonID)
	return err
}

// SetSeasonStatus updates a season's download status.
func (s *Store) SetSeasonStatus(ctx context.Context, seasonID int64, status SeasonStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE seasons SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), seasonID)
	return err
}

// SoftDeleteSeasonsNotIn marks seasons of a series not listed in keep as
// deleted.
func (s *Store) SoftDeleteSeasonsNotIn(ctx context.Context, seriesID int64, keep []int) error {
	if len(keep) == 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE seasons SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE series_id = ? AND deleted = 0`,
			seriesID)
		return err
	}

	placeholders := strings.Repeat("?,", len(keep)-1) + "?"
	args := []any{seriesID}
	for _, n := range keep {
		args = append(args, n)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE seasons SET deleted = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE series_id = ? AND deleted = 0 AND season_number NOT IN (`+placeholders+`)`,
		args...)
	return err
}
