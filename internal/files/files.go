// Package files collects a community's file listing and downloads the
// pending files into the community's downloads directory.
package files

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/config"
	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Remote is the slice of the platform client used for files.
type Remote interface {
	FetchFiles(ctx context.Context, cred zsxq.Credential, groupID int64, q zsxq.FilesQuery) (*zsxq.FilesPage, error)
	FileDownloadURL(ctx context.Context, cred zsxq.Credential, fileID int64) (string, error)
}

// Store is a community's file database.
type Store interface {
	ImportFileItem(ctx context.Context, item zsxq.FileItem) (bool, error)
	StartCollection(ctx context.Context) (int64, error)
	FinishCollection(ctx context.Context, id, total, created int64, status string) error
	PendingFiles(ctx context.Context, limit int) ([]sqlite.FileRecord, error)
	File(ctx context.Context, fileID int64) (sqlite.FileRecord, error)
	MarkDownload(ctx context.Context, fileID int64, status, localPath string) error
}

// Transfer moves the bytes behind a download URL to dest and returns the
// number of bytes written.
type Transfer interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Settings shape collection paging and download pacing.
type Settings struct {
	PerPage    int
	Pacing     crawler.Pacing
	MaxRetries int
}

// SettingsFromConfig maps the files section of the service config.
func SettingsFromConfig(c config.FilesConfig) Settings {
	return Settings{
		PerPage: c.PerPage,
		Pacing: crawler.Pacing{
			IntervalMin:   config.Seconds(c.IntervalMinSeconds),
			IntervalMax:   config.Seconds(c.IntervalMaxSeconds),
			LongSleepMin:  config.Seconds(c.LongSleepMinSeconds),
			LongSleepMax:  config.Seconds(c.LongSleepMaxSeconds),
			PagesPerBatch: c.FilesPerBatch,
		},
		MaxRetries: 3,
	}
}

func (s Settings) withDefaults() Settings {
	if s.PerPage <= 0 {
		s.PerPage = 20
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	s.Pacing = s.Pacing.Merge(crawler.Pacing{
		IntervalMin:   time.Second,
		IntervalMax:   3 * time.Second,
		LongSleepMin:  time.Minute,
		LongSleepMax:  2 * time.Minute,
		PagesPerBatch: 10,
	})
	return s
}

// Service runs file collection and download work units.
type Service struct {
	remote   Remote
	transfer Transfer
	clock    crawler.Clock
	settings Settings
	retry    *crawler.ExponentialRetryPolicy
	logger   *zap.Logger
}

// NewService wires a Service. A nil logger discards output.
func NewService(remote Remote, transfer Transfer, clock crawler.Clock, settings Settings, logger *zap.Logger) *Service {
	settings = settings.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		remote:   remote,
		transfer: transfer,
		clock:    clock,
		settings: settings,
		retry:    crawler.NewExponentialRetryPolicy(settings.MaxRetries),
		logger:   logger.Named("files"),
	}
}
