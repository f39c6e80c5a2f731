package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// DownloadResult counts one download run.
type DownloadResult struct {
	Total      int    `json:"total"`
	Downloaded int    `json:"downloaded"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Expired    bool   `json:"expired,omitempty"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DownloadPending downloads up to maxFiles pending files into dir. A file
// already on disk with the listed size is marked skipped. Stop requests
// are observed before every file.
func (s *Service) DownloadPending(ctx context.Context, cred zsxq.Credential, store Store, dir string, maxFiles int, log crawler.LogFunc) (DownloadResult, error) {
	if log == nil {
		log = func(string) {}
	}
	var res DownloadResult
	pending, err := store.PendingFiles(ctx, maxFiles)
	if err != nil {
		return res, err
	}
	res.Total = len(pending)
	if len(pending) == 0 {
		log("📭 没有待下载的文件")
		return res, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create downloads dir: %w", err)
	}
	log(fmt.Sprintf("🚀 开始下载 %d 个文件", len(pending)))

	pacer := crawler.NewPacer(s.settings.Pacing, s.clock, log, "个文件")
	for i, f := range pending {
		if ctx.Err() != nil {
			log("🛑 文件下载已停止")
			return res, crawler.ErrStopped
		}
		status, err := s.downloadOne(ctx, cred, store, dir, f, log)
		if err != nil {
			if errors.Is(err, zsxq.ErrAuthExpired) {
				code, msg, _ := zsxq.ExpiryDetails(err)
				res.Expired, res.Code, res.Message = true, code, msg
			}
			return res, err
		}
		metrics.ObserveFile("download", status)
		switch status {
		case sqlite.FileDownloaded:
			res.Downloaded++
		case sqlite.FileSkipped:
			res.Skipped++
			continue
		default:
			res.Failed++
		}
		if i == len(pending)-1 {
			break
		}
		if err := pacer.After(ctx, res.Downloaded+res.Failed); err != nil {
			log("🛑 文件下载已停止")
			return res, crawler.ErrStopped
		}
	}
	log(fmt.Sprintf("✅ 下载完成: 成功 %d，跳过 %d，失败 %d", res.Downloaded, res.Skipped, res.Failed))
	return res, nil
}

// DownloadFile downloads one collected file whatever its recorded status.
// A copy already on disk with the listed size is kept and marked skipped.
func (s *Service) DownloadFile(ctx context.Context, cred zsxq.Credential, store Store, dir string, fileID int64, log crawler.LogFunc) (DownloadResult, error) {
	if log == nil {
		log = func(string) {}
	}
	var res DownloadResult
	f, err := store.File(ctx, fileID)
	if err != nil {
		return res, err
	}
	res.Total = 1
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create downloads dir: %w", err)
	}
	log(fmt.Sprintf("🚀 开始下载文件 %s (ID: %d)", f.Name, f.FileID))
	status, err := s.downloadOne(ctx, cred, store, dir, f, log)
	if err != nil {
		if errors.Is(err, zsxq.ErrAuthExpired) {
			code, msg, _ := zsxq.ExpiryDetails(err)
			res.Expired, res.Code, res.Message = true, code, msg
		}
		return res, err
	}
	metrics.ObserveFile("download", status)
	switch status {
	case sqlite.FileDownloaded:
		res.Downloaded++
	case sqlite.FileSkipped:
		res.Skipped++
	default:
		res.Failed++
		return res, fmt.Errorf("download file %d failed", fileID)
	}
	return res, nil
}

// downloadOne returns the status recorded for f. Only expiry and stop are
// returned as errors; other failures mark the file failed.
func (s *Service) downloadOne(ctx context.Context, cred zsxq.Credential, store Store, dir string, f sqlite.FileRecord, log crawler.LogFunc) (string, error) {
	dest := filepath.Join(dir, SafeName(f.Name, f.FileID))
	// Outcomes are recorded even when a stop arrives mid-file.
	markCtx := context.WithoutCancel(ctx)
	if info, err := os.Stat(dest); err == nil && f.Size > 0 && info.Size() == f.Size {
		log(fmt.Sprintf("⏭️ 已存在，跳过: %s", f.Name))
		return sqlite.FileSkipped, store.MarkDownload(markCtx, f.FileID, sqlite.FileSkipped, dest)
	}

	url, err := s.remote.FileDownloadURL(ctx, cred, f.FileID)
	if err != nil {
		if errors.Is(err, zsxq.ErrAuthExpired) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", crawler.ErrStopped
		}
		log(fmt.Sprintf("❌ 获取下载链接失败 %s: %v", f.Name, err))
		return sqlite.FileFailed, store.MarkDownload(markCtx, f.FileID, sqlite.FileFailed, "")
	}

	n, err := s.transfer.Download(ctx, url, dest)
	if err != nil {
		if ctx.Err() != nil {
			return "", crawler.ErrStopped
		}
		log(fmt.Sprintf("❌ 下载失败 %s: %v", f.Name, err))
		return sqlite.FileFailed, store.MarkDownload(markCtx, f.FileID, sqlite.FileFailed, "")
	}
	log(fmt.Sprintf("📥 已下载 %s (%d 字节)", f.Name, n))
	return sqlite.FileDownloaded, store.MarkDownload(markCtx, f.FileID, sqlite.FileDownloaded, dest)
}

const safePunct = "._-（）()[]{}"

// SafeName keeps letters, digits and a small set of punctuation so the
// listed name is usable as a file name, and prefixes the file id so that
// distinct files never share a path. Empty results fall back to
// file_<id>.
func SafeName(name string, fileID int64) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(safePunct, r) {
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return fmt.Sprintf("file_%d", fileID)
	}
	return fmt.Sprintf("%d_%s", fileID, out)
}
