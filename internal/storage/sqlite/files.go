package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// ErrFileNotFound is returned when a file has not been collected.
var ErrFileNotFound = errors.New("file not found")

// Download statuses of a file row.
const (
	FilePending    = "pending"
	FileDownloaded = "downloaded"
	FileFailed     = "failed"
	FileSkipped    = "skipped"
)

// FileRecord is the stored shape of a downloadable file.
type FileRecord struct {
	FileID         int64  `db:"file_id" json:"file_id"`
	Name           string `db:"name" json:"name"`
	Hash           string `db:"hash" json:"hash"`
	Size           int64  `db:"size" json:"size"`
	Duration       int    `db:"duration" json:"duration"`
	DownloadCount  int    `db:"download_count" json:"download_count"`
	CreateTime     string `db:"create_time" json:"create_time"`
	ImportedAt     string `db:"imported_at" json:"imported_at"`
	DownloadStatus string `db:"download_status" json:"download_status"`
	LocalPath      string `db:"local_path" json:"local_path,omitempty"`
	DownloadTime   string `db:"download_time" json:"download_time,omitempty"`
}

// FileStats summarizes a community's file store.
type FileStats struct {
	TotalFiles     int64            `json:"total_files"`
	TotalSize      int64            `json:"total_size"`
	ByStatus       map[string]int64 `json:"by_status"`
	Collections    int64            `json:"collections"`
	LastCollection *CollectionRun   `json:"last_collection,omitempty"`
}

// CollectionRun is one row of the collection log.
type CollectionRun struct {
	ID         int64  `db:"id" json:"id"`
	StartTime  string `db:"start_time" json:"start_time"`
	EndTime    string `db:"end_time" json:"end_time,omitempty"`
	TotalFiles int64  `db:"total_files" json:"total_files"`
	NewFiles   int64  `db:"new_files" json:"new_files"`
	Status     string `db:"status" json:"status"`
}

// FileStore is a community's file database. It also holds the topics the
// files were published in, written through the same normalizer.
type FileStore struct {
	*TopicStore
	groupID int64
}

// OpenFileStore opens the file database at path, creating the schema.
func OpenFileStore(ctx context.Context, path string, groupID int64, now func() time.Time) (*FileStore, error) {
	db, err := Open(ctx, path, topicSchema, fileSchema)
	if err != nil {
		return nil, err
	}
	return &FileStore{TopicStore: NewTopicStore(db, now), groupID: groupID}, nil
}

const upsertFileSQL = `INSERT INTO files (file_id, name, hash, size, duration, download_count, create_time, imported_at)
	VALUES (:file_id, :name, :hash, :size, :duration, :download_count, :create_time, :imported_at)
	ON CONFLICT (file_id) DO UPDATE SET
		name = excluded.name,
		hash = excluded.hash,
		size = excluded.size,
		duration = excluded.duration,
		download_count = excluded.download_count,
		create_time = excluded.create_time,
		imported_at = excluded.imported_at`

// ImportFileItem upserts a listed file, its owning topic and the link
// between them. Download state of known files is preserved. It reports
// whether the file was new.
func (s *FileStore) ImportFileItem(ctx context.Context, item zsxq.FileItem) (bool, error) {
	if item.File == nil || item.File.FileID == 0 {
		return false, errors.New("file item has no file_id")
	}
	f := item.File
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	var created bool
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM files WHERE file_id = ?`, f.FileID); err != nil {
			return fmt.Errorf("check file: %w", err)
		}
		created = n == 0
		row := FileRecord{
			FileID:        f.FileID,
			Name:          f.Name,
			Hash:          f.Hash,
			Size:          f.Size,
			Duration:      f.Duration,
			DownloadCount: f.DownloadCount,
			CreateTime:    f.CreateTime,
			ImportedAt:    now,
		}
		if _, err := tx.NamedExecContext(ctx, upsertFileSQL, row); err != nil {
			return fmt.Errorf("upsert file: %w", err)
		}
		if item.Topic == nil || item.Topic.TopicID == 0 {
			return nil
		}
		topic := *item.Topic
		if topic.Group == nil {
			topic.Group = &zsxq.Group{GroupID: s.groupID}
		}
		if err := importTopic(ctx, tx, topic, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_topic_relations (file_id, topic_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (file_id, topic_id) DO NOTHING`,
			f.FileID, topic.TopicID, now,
		); err != nil {
			return fmt.Errorf("link file to topic: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("import file %d: %w", f.FileID, err)
	}
	return created, nil
}

// StartCollection opens a collection log entry and returns its id.
func (s *FileStore) StartCollection(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO collection_log (start_time, status) VALUES (?, 'running')`, s.stamp())
	if err != nil {
		return 0, fmt.Errorf("start collection: %w", err)
	}
	return res.LastInsertId()
}

// FinishCollection closes a collection log entry.
func (s *FileStore) FinishCollection(ctx context.Context, id, total, created int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE collection_log SET end_time = ?, total_files = ?, new_files = ?, status = ? WHERE id = ?`,
		s.stamp(), total, created, status, id,
	); err != nil {
		return fmt.Errorf("finish collection %d: %w", id, err)
	}
	return nil
}

const fileColumns = `file_id, name, COALESCE(hash, '') AS hash, COALESCE(size, 0) AS size,
	COALESCE(duration, 0) AS duration, COALESCE(download_count, 0) AS download_count,
	COALESCE(create_time, '') AS create_time, COALESCE(imported_at, '') AS imported_at,
	download_status, COALESCE(local_path, '') AS local_path, COALESCE(download_time, '') AS download_time`

// PendingFiles returns files not yet downloaded, newest first. A limit
// of zero or less returns all of them.
func (s *FileStore) PendingFiles(ctx context.Context, limit int) ([]FileRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	files := []FileRecord{}
	if err := s.db.SelectContext(ctx, &files,
		`SELECT `+fileColumns+` FROM files WHERE download_status = ? ORDER BY create_time DESC LIMIT ?`,
		FilePending, limit,
	); err != nil {
		return nil, fmt.Errorf("select pending files: %w", err)
	}
	return files, nil
}

// File loads one file row.
func (s *FileStore) File(ctx context.Context, fileID int64) (FileRecord, error) {
	var f FileRecord
	err := s.db.GetContext(ctx, &f, `SELECT `+fileColumns+` FROM files WHERE file_id = ?`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("file %d: %w", fileID, ErrFileNotFound)
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("load file %d: %w", fileID, err)
	}
	return f, nil
}

// FilePage is a page of a community's files.
type FilePage struct {
	Files      []FileRecord `json:"files"`
	Pagination Pagination   `json:"pagination"`
}

// ListFiles pages through the files newest first. A non-empty status
// keeps only files in that download state. page is 1-based.
func (s *FileStore) ListFiles(ctx context.Context, page, perPage int, status string) (FilePage, error) {
	page, perPage = clampPage(page, perPage)
	where := ""
	var args []any
	if status != "" {
		where = ` WHERE download_status = ?`
		args = append(args, status)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM files`+where, args...); err != nil {
		return FilePage{}, fmt.Errorf("count files: %w", err)
	}
	files := []FileRecord{}
	if err := s.db.SelectContext(ctx, &files,
		`SELECT `+fileColumns+` FROM files`+where+` ORDER BY create_time DESC LIMIT ? OFFSET ?`,
		append(args, perPage, (page-1)*perPage)...,
	); err != nil {
		return FilePage{}, fmt.Errorf("select files: %w", err)
	}
	return FilePage{Files: files, Pagination: newPagination(page, perPage, total)}, nil
}

// MarkDownload records the outcome of a download attempt.
func (s *FileStore) MarkDownload(ctx context.Context, fileID int64, status, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var downloadTime any
	if status == FileDownloaded {
		downloadTime = s.stamp()
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE files SET download_status = ?, local_path = ?, download_time = ? WHERE file_id = ?`,
		status, localPath, downloadTime, fileID,
	); err != nil {
		return fmt.Errorf("mark file %d %s: %w", fileID, status, err)
	}
	return nil
}

// FileStats returns totals by download status and the latest collection run.
func (s *FileStore) FileStats(ctx context.Context) (FileStats, error) {
	stats := FileStats{ByStatus: map[string]int64{}}
	if err := s.db.GetContext(ctx, &stats.TotalFiles, `SELECT COUNT(*) FROM files`); err != nil {
		return FileStats{}, fmt.Errorf("count files: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.TotalSize, `SELECT COALESCE(SUM(size), 0) FROM files`); err != nil {
		return FileStats{}, fmt.Errorf("sum file sizes: %w", err)
	}

	var groups []struct {
		Status string `db:"download_status"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &groups,
		`SELECT download_status, COUNT(*) AS n FROM files GROUP BY download_status`,
	); err != nil {
		return FileStats{}, fmt.Errorf("count files by status: %w", err)
	}
	for _, g := range groups {
		stats.ByStatus[g.Status] = g.N
	}

	if err := s.db.GetContext(ctx, &stats.Collections, `SELECT COUNT(*) FROM collection_log`); err != nil {
		return FileStats{}, fmt.Errorf("count collections: %w", err)
	}
	var last CollectionRun
	err := s.db.GetContext(ctx, &last, `SELECT id, start_time, COALESCE(end_time, '') AS end_time,
			COALESCE(total_files, 0) AS total_files, COALESCE(new_files, 0) AS new_files,
			COALESCE(status, '') AS status
		FROM collection_log ORDER BY id DESC LIMIT 1`)
	switch {
	case err == nil:
		stats.LastCollection = &last
	case !errors.Is(err, sql.ErrNoRows):
		return FileStats{}, fmt.Errorf("load last collection: %w", err)
	}
	return stats, nil
}
