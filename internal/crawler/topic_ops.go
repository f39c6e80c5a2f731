package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

const (
	// shownComments is how many comments a feed item embeds.
	shownComments   = 8
	commentsPerPage = 30
)

// ErrGroupMismatch is returned when a topic belongs to another community.
var ErrGroupMismatch = errors.New("topic belongs to a different group")

// ErrTopicNotStored is returned when a refresh targets an unknown topic.
var ErrTopicNotStored = errors.New("topic is not stored locally")

// RefreshResult reports a single-topic refresh.
type RefreshResult struct {
	TopicID         int64 `json:"topic_id"`
	Updated         bool  `json:"updated"`
	CommentsFetched int   `json:"comments_fetched"`
}

// FetchResult reports a single-topic import.
type FetchResult struct {
	TopicID         int64  `json:"topic_id"`
	GroupID         int64  `json:"group_id"`
	Imported        string `json:"imported"`
	CommentsFetched int    `json:"comments_fetched"`
}

// FetchTopic reads one topic from the platform and imports it whether or
// not it is already stored. A failure while paging comments is logged and
// leaves the imported topic in place.
func (e *Engine) FetchTopic(ctx context.Context, cred zsxq.Credential, store TopicStore, groupID, topicID int64, withComments bool, log LogFunc) (FetchResult, error) {
	if log == nil {
		log = func(string) {}
	}
	out := FetchResult{TopicID: topicID, GroupID: groupID}
	topic, err := e.remote.FetchTopic(ctx, cred, topicID)
	if err != nil {
		return out, fmt.Errorf("fetch topic %d: %w", topicID, err)
	}
	if gid := topic.GroupID(); gid != 0 && gid != groupID {
		return out, fmt.Errorf("%w: topic %d is in %d", ErrGroupMismatch, topicID, gid)
	}
	if topic.Group == nil {
		topic.Group = &zsxq.Group{GroupID: groupID}
	}
	created, err := store.ImportTopic(ctx, *topic)
	if err != nil {
		return out, err
	}
	out.Imported = "updated"
	if created {
		out.Imported = "created"
	}
	log(fmt.Sprintf("📥 话题 %d 已导入 (%s)", topicID, out.Imported))

	if withComments {
		n, err := e.FetchMoreComments(ctx, cred, store, topicID, log)
		switch {
		case errors.Is(err, ErrStopped):
			return out, err
		case err != nil:
			log(fmt.Sprintf("⚠️ 话题 %d 评论获取失败: %v", topicID, err))
			e.logger.Warn("single topic comments failed", zap.Int64("topic_id", topicID), zap.Error(err))
		}
		out.CommentsFetched = n
	}
	return out, nil
}

// RefreshTopic re-reads one topic and applies its counters and flags to
// the stored row. It never creates topics.
func (e *Engine) RefreshTopic(ctx context.Context, cred zsxq.Credential, store TopicStore, groupID, topicID int64, withComments bool, log LogFunc) (RefreshResult, error) {
	if log == nil {
		log = func(string) {}
	}
	out := RefreshResult{TopicID: topicID}
	topic, err := e.remote.FetchTopic(ctx, cred, topicID)
	if err != nil {
		return out, fmt.Errorf("fetch topic %d: %w", topicID, err)
	}
	if gid := topic.GroupID(); gid != 0 && gid != groupID {
		return out, fmt.Errorf("%w: topic %d is in %d", ErrGroupMismatch, topicID, gid)
	}
	ok, err := store.UpdateTopicStats(ctx, *topic)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, fmt.Errorf("%w: %d", ErrTopicNotStored, topicID)
	}
	out.Updated = true
	log(fmt.Sprintf("🔄 话题 %d 统计已更新", topicID))

	if withComments {
		n, err := e.FetchMoreComments(ctx, cred, store, topicID, log)
		if err != nil {
			return out, err
		}
		out.CommentsFetched = n
	}
	return out, nil
}

// FetchMoreComments pages through a stored topic's comments when the feed
// only embedded part of them. It returns the number of comments written.
func (e *Engine) FetchMoreComments(ctx context.Context, cred zsxq.Credential, store TopicStore, topicID int64, log LogFunc) (int, error) {
	if log == nil {
		log = func(string) {}
	}
	rec, err := store.Topic(ctx, topicID)
	if err != nil {
		return 0, err
	}
	if rec.CommentsCount <= shownComments {
		log(fmt.Sprintf("💬 话题 %d 评论数 %d，无需补充", topicID, rec.CommentsCount))
		return 0, nil
	}

	pacer := NewPacer(e.settings.Pacing, e.clock, log, "页")
	total := 0
	begin := ""
	for {
		if ctx.Err() != nil {
			return total, ErrStopped
		}
		page, err := e.remote.FetchComments(ctx, cred, topicID, zsxq.CommentsQuery{Count: commentsPerPage, BeginTime: begin})
		if err != nil {
			return total, fmt.Errorf("fetch comments for topic %d: %w", topicID, err)
		}
		if len(page.Comments) == 0 {
			break
		}
		n, err := store.ImportComments(ctx, topicID, page.Comments)
		if err != nil {
			return total, err
		}
		total += n
		if len(page.Comments) < commentsPerPage {
			break
		}
		next := laterCursor(page.Comments[len(page.Comments)-1].CreateTime, e.settings.TimestampOffset)
		if next == "" || next == begin {
			break
		}
		begin = next
		if err := pacer.Short(ctx); err != nil {
			return total, ErrStopped
		}
	}
	log(fmt.Sprintf("💬 话题 %d 补充评论 %d 条", topicID, total))
	e.logger.Debug("comments fetched", zap.Int64("topic_id", topicID), zap.Int("comments", total))
	return total, nil
}

// laterCursor moves an ascending cursor just past raw.
func laterCursor(raw string, offset time.Duration) string {
	t, err := zsxq.ParseTime(raw)
	if err != nil {
		return ""
	}
	return zsxq.FormatTime(t.Add(offset))
}
