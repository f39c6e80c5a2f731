package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Remote is the slice of the platform client the engine drives.
type Remote interface {
	FetchTopics(ctx context.Context, cred zsxq.Credential, groupID int64, q zsxq.TopicsQuery) (*zsxq.TopicsPage, error)
	FetchTopic(ctx context.Context, cred zsxq.Credential, topicID int64) (*zsxq.Topic, error)
	FetchComments(ctx context.Context, cred zsxq.Credential, topicID int64, q zsxq.CommentsQuery) (*zsxq.CommentsPage, error)
}

// Store is where crawled topics land.
type Store interface {
	ImportTopic(ctx context.Context, t zsxq.Topic) (bool, error)
	ExistingTopicIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
	TimestampRange(ctx context.Context) (sqlite.TimestampRange, error)
}

// TopicStore adds the refresh operations used outside page crawls.
type TopicStore interface {
	Store
	Topic(ctx context.Context, topicID int64) (sqlite.TopicRecord, error)
	UpdateTopicStats(ctx context.Context, t zsxq.Topic) (bool, error)
	ImportComments(ctx context.Context, topicID int64, comments []zsxq.Comment) (int, error)
}

// Clock returns the current time and sleeps cooperatively.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// LogFunc receives user-facing progress lines.
type LogFunc func(message string)
