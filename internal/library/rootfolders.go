package library

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func (s *Store) scanRootFolder(row interface{ Scan(...any) error }) (*RootFolder, error) {
	var (
		rf         RootFolder
		mappedPath sql.NullString
	)
	err := row.Scan(&rf.ID, &rf.SonarrID, &rf.Path, &mappedPath, &rf.Accessible,
		&rf.FreeSpace, &rf.TotalSpace, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rf.MappedPath = mappedPath.String
	return &rf, nil
}

// UpsertRootFolder syncs a root folder from the library manager. An
// operator-set mapped path is preserved across syncs.
func (s *Store) UpsertRootFolder(ctx context.Context, rf *RootFolder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO root_folders (sonarr_id, path, accessible, free_space, total_space)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sonarr_id) DO UPDATE SET
			path = excluded.path,
			accessible = excluded.accessible,
			free_space = excluded.free_space,
			total_space = excluded.total_space,
			updated_at = CURRENT_TIMESTAMP`,
		rf.SonarrID, rf.Path, rf.Accessible, rf.FreeSpace, rf.TotalSpace)
	if err != nil {
		return fmt.Errorf("failed to upsert root folder: %w", err)
	}
	return nil
}

// ListRootFolders returns all known root folders.
func (s *Store) ListRootFolders(ctx context.Context) ([]*RootFolder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sonarr_id, path, mapped_path, accessible, free_space, total_space,
			created_at, updated_at
		FROM root_folders ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list root folders: %w", err)
	}
	defer rows.Close()

	var out []*RootFolder
	for rows.Next() {
		rf, err := s.scanRootFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

// SetRootFolderMappedPath stores the process-local path for a root folder.
func (s *Store) SetRootFolderMappedPath(ctx context.Context, id int64, mappedPath string) error {
	var v sql.NullString
	if mappedPath != "" {
		v = sql.NullString{String: mappedPath, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE root_folders SET mapped_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, v, id)
	return err
}

// MapPath translates a library-manager path into the process-local
// equivalent using the longest matching root-folder prefix. The boolean
// reports whether any mapping applied.
func (s *Store) MapPath(ctx context.Context, path string) (string, bool, error) {
	folders, err := s.ListRootFolders(ctx)
	if err != nil {
		return path, false, err
	}

	var (
		best    *RootFolder
		bestLen int
	)
	for _, rf := range folders {
		if rf.MappedPath == "" {
			continue
		}
		if strings.HasPrefix(path, rf.Path) && len(rf.Path) > bestLen {
			best = rf
			bestLen = len(rf.Path)
		}
	}
	if best == nil {
		return path, false, nil
	}
	return best.MappedPath + strings.TrimPrefix(path, best.Path), true, nil
}
