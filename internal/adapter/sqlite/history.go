// Package sqlite persists the completed-download history ledger.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LittleDevMars/sva/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    url           TEXT NOT NULL,
    video_id      TEXT NOT NULL,
    title         TEXT NOT NULL,
    channel       TEXT,
    thumbnail_url TEXT,
    file_path     TEXT,
    format        TEXT,
    quality       TEXT,
    filesize      INTEGER DEFAULT 0,
    duration      INTEGER DEFAULT 0,
    download_type TEXT DEFAULT 'video',
    created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
`

// History implements domain.HistoryStore using SQLite.
type History struct {
	db *sql.DB
}

// New opens the history database, initializing the schema if needed.
func New(dbPath string) (*History, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &History{db: db}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Append records one completed download.
func (h *History) Append(ctx context.Context, rec domain.HistoryRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO downloads (url, video_id, title, channel, thumbnail_url, file_path,
		                        format, quality, filesize, duration, download_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URL, rec.VideoID, rec.Title, rec.Channel, rec.ThumbnailURL, rec.FilePath,
		rec.Format, rec.Quality, rec.Filesize, rec.DurationSec, rec.DownloadType, createdAt,
	)
	return err
}

// List returns the most recent records first. A limit of 0 or less returns
// everything.
func (h *History) List(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	query := `SELECT id, url, video_id, title, COALESCE(channel, ''), COALESCE(thumbnail_url, ''),
	                 COALESCE(file_path, ''), COALESCE(format, ''), COALESCE(quality, ''),
	                 filesize, duration, download_type, created_at
	          FROM downloads ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.URL, &rec.VideoID, &rec.Title, &rec.Channel,
			&rec.ThumbnailURL, &rec.FilePath, &rec.Format, &rec.Quality,
			&rec.Filesize, &rec.DurationSec, &rec.DownloadType, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Clear drops every record from the ledger.
func (h *History) Clear(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM downloads`)
	return err
}
