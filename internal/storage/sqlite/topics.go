package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

var (
	// ErrInvalidTopic is returned for payloads without a topic id.
	ErrInvalidTopic = errors.New("topic payload has no topic_id")
	// ErrTagNotFound is returned when a tag does not belong to the group.
	ErrTagNotFound = errors.New("tag not found")
)

// TopicStore owns one community's topic database. Writes are serialized
// and each topic import is a single transaction.
type TopicStore struct {
	db  *sqlx.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewTopicStore wraps an opened database. A nil now uses time.Now.
func NewTopicStore(db *sqlx.DB, now func() time.Time) *TopicStore {
	if now == nil {
		now = time.Now
	}
	return &TopicStore{db: db, now: now}
}

// OpenTopicStore opens the topic database at path, creating the schema.
func OpenTopicStore(ctx context.Context, path string, now func() time.Time) (*TopicStore, error) {
	db, err := Open(ctx, path, topicSchema)
	if err != nil {
		return nil, err
	}
	return NewTopicStore(db, now), nil
}

// Close releases the underlying database.
func (s *TopicStore) Close() error {
	return s.db.Close()
}

func (s *TopicStore) stamp() string {
	return zsxq.FormatTime(s.now())
}

// ImportTopic upserts a topic and everything derived from it. It reports
// whether the topic row was new.
func (s *TopicStore) ImportTopic(ctx context.Context, t zsxq.Topic) (bool, error) {
	if t.TopicID == 0 {
		return false, ErrInvalidTopic
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var created bool
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		exists, err := topicExists(ctx, tx, t.TopicID)
		if err != nil {
			return err
		}
		created = !exists
		return importTopic(ctx, tx, t, s.stamp())
	})
	if err != nil {
		return false, fmt.Errorf("import topic %d: %w", t.TopicID, err)
	}
	return created, nil
}

// UpdateTopicStats refreshes counters and flags of an existing topic.
// It returns false without writing when the topic is unknown.
func (s *TopicStore) UpdateTopicStats(ctx context.Context, t zsxq.Topic) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := topicRecord(t, s.stamp())
	res, err := s.db.NamedExecContext(ctx, `UPDATE topics SET
			likes_count = :likes_count,
			tourist_likes_count = :tourist_likes_count,
			rewards_count = :rewards_count,
			comments_count = :comments_count,
			reading_count = :reading_count,
			readers_count = :readers_count,
			digested = :digested,
			sticky = :sticky,
			user_liked = :user_liked,
			user_subscribed = :user_subscribed,
			imported_at = :imported_at
		WHERE topic_id = :topic_id`, rec)
	if err != nil {
		return false, fmt.Errorf("update stats for topic %d: %w", t.TopicID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update stats for topic %d: %w", t.TopicID, err)
	}
	return n > 0, nil
}

// ImportComments upserts additional comments of a stored topic along with
// their authors and images. It returns the number of comments written.
func (s *TopicStore) ImportComments(ctx context.Context, topicID int64, comments []zsxq.Comment) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	written := 0
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		exists, err := topicExists(ctx, tx, topicID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrTopicNotFound
		}
		for _, c := range comments {
			if c.CommentID == 0 {
				continue
			}
			if err := upsertUser(ctx, tx, c.Owner, now); err != nil {
				return err
			}
			if err := upsertUser(ctx, tx, c.Repliee, now); err != nil {
				return err
			}
			if err := upsertComments(ctx, tx, topicID, []zsxq.Comment{c}, now); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("import comments for topic %d: %w", topicID, err)
	}
	return written, nil
}

func topicExists(ctx context.Context, q sqlx.QueryerContext, topicID int64) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM topics WHERE topic_id = ?`, topicID); err != nil {
		return false, fmt.Errorf("check topic %d: %w", topicID, err)
	}
	return n > 0, nil
}

// TopicExists reports whether the topic is stored.
func (s *TopicStore) TopicExists(ctx context.Context, topicID int64) (bool, error) {
	return topicExists(ctx, s.db, topicID)
}

// ExistingTopicIDs returns the subset of ids already stored.
func (s *TopicStore) ExistingTopicIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT topic_id FROM topics WHERE topic_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build existing topics query: %w", err)
	}
	var found []int64
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select existing topics: %w", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// Topic loads a single topic row.
func (s *TopicStore) Topic(ctx context.Context, topicID int64) (TopicRecord, error) {
	var rec TopicRecord
	err := s.db.GetContext(ctx, &rec, `SELECT topic_id, group_id, type, COALESCE(title, '') AS title,
			COALESCE(create_time, '') AS create_time, digested, sticky, likes_count, tourist_likes_count,
			rewards_count, comments_count, reading_count, readers_count, answered, silenced,
			COALESCE(annotation, '') AS annotation, user_liked, user_subscribed,
			COALESCE(imported_at, '') AS imported_at
		FROM topics WHERE topic_id = ?`, topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return TopicRecord{}, ErrTopicNotFound
	}
	if err != nil {
		return TopicRecord{}, fmt.Errorf("load topic %d: %w", topicID, err)
	}
	return rec, nil
}

// Stats returns the row count of every table.
func (s *TopicStore) Stats(ctx context.Context) (map[string]int64, error) {
	return tableCounts(ctx, s.db, statsTables)
}

func tableCounts(ctx context.Context, db *sqlx.DB, tables []string) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// TimestampRange summarizes the stored topic timeline.
type TimestampRange struct {
	NewestTime  string `json:"newest_time,omitempty"`
	OldestTime  string `json:"oldest_time,omitempty"`
	TotalTopics int64  `json:"total_topics"`
	HasData     bool   `json:"has_data"`
}

// TimestampRange returns the newest and oldest stored create times.
func (s *TopicStore) TimestampRange(ctx context.Context) (TimestampRange, error) {
	var row struct {
		Newest sql.NullString `db:"newest"`
		Oldest sql.NullString `db:"oldest"`
		Total  int64          `db:"total"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT MAX(create_time) AS newest, MIN(create_time) AS oldest, COUNT(*) AS total FROM topics`,
	); err != nil {
		return TimestampRange{}, fmt.Errorf("timestamp range: %w", err)
	}
	return TimestampRange{
		NewestTime:  row.Newest.String,
		OldestTime:  row.Oldest.String,
		TotalTopics: row.Total,
		HasData:     row.Total > 0,
	}, nil
}

// DeleteTopic removes a topic of the group and all derived rows. It
// returns false when no such topic exists.
func (s *TopicStore) DeleteTopic(ctx context.Context, groupID, topicID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := false
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM topics WHERE topic_id = ? AND group_id = ?`, topicID, groupID,
		); err != nil {
			return fmt.Errorf("check topic: %w", err)
		}
		if n == 0 {
			return nil
		}
		var tagIDs []int64
		if err := tx.SelectContext(ctx, &tagIDs, `SELECT tag_id FROM topic_tags WHERE topic_id = ?`, topicID); err != nil {
			return fmt.Errorf("select topic tags: %w", err)
		}
		for _, table := range derivedTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE topic_id = ?", topicID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM topics WHERE topic_id = ? AND group_id = ?`, topicID, groupID,
		); err != nil {
			return fmt.Errorf("delete topic: %w", err)
		}
		for _, tagID := range tagIDs {
			if err := recountTag(ctx, tx, tagID); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete topic %d: %w", topicID, err)
	}
	return deleted, nil
}

// DeleteGroup removes every topic of the group, its tags and the group row
// in one transaction. It returns the number of topics removed.
func (s *TopicStore) DeleteGroup(ctx context.Context, groupID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		scope := `topic_id IN (SELECT topic_id FROM topics WHERE group_id = ?)`
		for _, table := range derivedTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+scope, groupID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE group_id = ?`, groupID)
		if err != nil {
			return fmt.Errorf("delete topics: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("delete topics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("delete group row: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete group %d: %w", groupID, err)
	}
	return removed, nil
}
