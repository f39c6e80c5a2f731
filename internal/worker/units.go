package worker

import (
	"context"
	"fmt"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/files"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Crawler runs topic crawls and single-topic refreshes.
type Crawler interface {
	Run(ctx context.Context, req crawler.Request, store crawler.Store, log crawler.LogFunc) (crawler.Result, error)
	RefreshTopic(ctx context.Context, cred zsxq.Credential, store crawler.TopicStore, groupID, topicID int64, withComments bool, log crawler.LogFunc) (crawler.RefreshResult, error)
	FetchMoreComments(ctx context.Context, cred zsxq.Credential, store crawler.TopicStore, topicID int64, log crawler.LogFunc) (int, error)
	FetchTopic(ctx context.Context, cred zsxq.Credential, store crawler.TopicStore, groupID, topicID int64, withComments bool, log crawler.LogFunc) (crawler.FetchResult, error)
}

// FileRunner collects and downloads community files.
type FileRunner interface {
	Collect(ctx context.Context, cred zsxq.Credential, groupID int64, store files.Store, log crawler.LogFunc) (files.CollectResult, error)
	DownloadPending(ctx context.Context, cred zsxq.Credential, store files.Store, dir string, maxFiles int, log crawler.LogFunc) (files.DownloadResult, error)
	DownloadFile(ctx context.Context, cred zsxq.Credential, store files.Store, dir string, fileID int64, log crawler.LogFunc) (files.DownloadResult, error)
}

// Stores opens per-community databases.
type Stores interface {
	Topics(ctx context.Context, groupID int64) (*sqlite.TopicStore, error)
	Files(ctx context.Context, groupID int64) (*sqlite.FileStore, error)
	DownloadsDir(groupID int64) string
}

// Credentials resolves the account serving a community.
type Credentials interface {
	ResolveCredential(ctx context.Context, groupID int64) zsxq.Credential
}

// Units builds the work bodies for every task kind.
type Units struct {
	crawler Crawler
	files   FileRunner
	stores  Stores
	creds   Credentials
}

// NewUnits wires the work-unit builders.
func NewUnits(c Crawler, f FileRunner, stores Stores, creds Credentials) *Units {
	return &Units{crawler: c, files: f, stores: stores, creds: creds}
}

func (u *Units) credential(ctx context.Context, groupID int64, log func(string)) (zsxq.Credential, error) {
	cred := u.creds.ResolveCredential(ctx, groupID)
	if cred.Cookie == "" {
		log("❌ 未找到可用的账号，请先配置 Cookie 或绑定账号")
		return cred, zsxq.ErrNoCredential
	}
	if cred.AccountID != "" {
		log("👤 使用账号: " + cred.AccountID)
	}
	return cred, nil
}

// Crawl runs one topic crawl. The credential is resolved when the work
// starts, so rebinding a community affects queued tasks.
func (u *Units) Crawl(req crawler.Request) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, req.GroupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Topics(ctx, req.GroupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open topic store: %w", err)
		}
		req.Credential = cred
		log(fmt.Sprintf("🚀 开始爬取社群 %d (%s)", req.GroupID, modeName(req.Mode)))
		res, err := u.crawler.Run(ctx, req, store, log)
		out := task.Outcome{
			Message: fmt.Sprintf("爬取完成: 新增 %d，更新 %d，错误 %d，共 %d 页", res.NewTopics, res.UpdatedTopics, res.Errors, res.Pages),
			Result:  res,
		}
		return out, err
	}
}

// CollectFiles records the community's file listing.
func (u *Units) CollectFiles(groupID int64) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, groupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Files(ctx, groupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open file store: %w", err)
		}
		res, err := u.files.Collect(ctx, cred, groupID, store, log)
		return task.Outcome{
			Message: fmt.Sprintf("文件收集完成: 共 %d 个，新增 %d 个", res.TotalFiles, res.NewFiles),
			Result:  res,
		}, err
	}
}

// DownloadFiles fetches up to maxFiles pending files.
func (u *Units) DownloadFiles(groupID int64, maxFiles int) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, groupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Files(ctx, groupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open file store: %w", err)
		}
		res, err := u.files.DownloadPending(ctx, cred, store, u.stores.DownloadsDir(groupID), maxFiles, log)
		return task.Outcome{
			Message: fmt.Sprintf("文件下载完成: 成功 %d，跳过 %d，失败 %d", res.Downloaded, res.Skipped, res.Failed),
			Result:  res,
		}, err
	}
}

// DownloadFile fetches one collected file.
func (u *Units) DownloadFile(groupID, fileID int64) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, groupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Files(ctx, groupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open file store: %w", err)
		}
		res, err := u.files.DownloadFile(ctx, cred, store, u.stores.DownloadsDir(groupID), fileID, log)
		return task.Outcome{
			Message: fmt.Sprintf("文件 %d 下载完成: 成功 %d，跳过 %d", fileID, res.Downloaded, res.Skipped),
			Result:  res,
		}, err
	}
}

// FetchTopic imports one topic from the platform, stored or not.
func (u *Units) FetchTopic(groupID, topicID int64, withComments bool) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, groupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Topics(ctx, groupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open topic store: %w", err)
		}
		res, err := u.crawler.FetchTopic(ctx, cred, store, groupID, topicID, withComments, log)
		return task.Outcome{
			Message: fmt.Sprintf("话题 %d 采集完成 (%s)，评论 %d 条", topicID, res.Imported, res.CommentsFetched),
			Result:  res,
		}, err
	}
}

// RefreshTopic re-reads one stored topic and optionally its comments.
func (u *Units) RefreshTopic(groupID, topicID int64, withComments bool) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, groupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Topics(ctx, groupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open topic store: %w", err)
		}
		res, err := u.crawler.RefreshTopic(ctx, cred, store, groupID, topicID, withComments, log)
		return task.Outcome{
			Message: fmt.Sprintf("话题 %d 已刷新", topicID),
			Result:  res,
		}, err
	}
}

// FetchComments pages the full comment list of one stored topic.
func (u *Units) FetchComments(groupID, topicID int64) task.Work {
	return func(ctx context.Context, log func(string)) (task.Outcome, error) {
		cred, err := u.credential(ctx, groupID, log)
		if err != nil {
			return task.Outcome{}, err
		}
		store, err := u.stores.Topics(ctx, groupID)
		if err != nil {
			return task.Outcome{}, fmt.Errorf("open topic store: %w", err)
		}
		n, err := u.crawler.FetchMoreComments(ctx, cred, store, topicID, log)
		return task.Outcome{
			Message: fmt.Sprintf("话题 %d 补充评论 %d 条", topicID, n),
			Result:  crawler.RefreshResult{TopicID: topicID, CommentsFetched: n},
		}, err
	}
}

func modeName(m crawler.Mode) string {
	switch m {
	case crawler.ModeRange:
		return "时间区间"
	case crawler.ModeIncremental:
		return "增量"
	case crawler.ModeAll:
		return "全量"
	case crawler.ModeLatest:
		return "最新"
	default:
		return string(m)
	}
}
