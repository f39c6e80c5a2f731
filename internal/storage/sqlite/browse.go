package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tag is a community hashtag with its derived topic count.
type Tag struct {
	TagID      int64  `db:"tag_id" json:"tag_id"`
	GroupID    int64  `db:"group_id" json:"group_id"`
	TagName    string `db:"tag_name" json:"tag_name"`
	HID        string `db:"hid" json:"hid"`
	TopicCount int    `db:"topic_count" json:"topic_count"`
	CreatedAt  string `db:"created_at" json:"created_at"`
}

// TopicAuthor is the talk owner shown next to a listed topic.
type TopicAuthor struct {
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// TopicSummary is one row of a topic listing. Q&A topics carry the
// question and answer text, every other type the talk text and author.
type TopicSummary struct {
	TopicID       int64        `json:"topic_id"`
	Title         string       `json:"title"`
	Type          string       `json:"type"`
	CreateTime    string       `json:"create_time"`
	LikesCount    int          `json:"likes_count"`
	CommentsCount int          `json:"comments_count"`
	ReadingCount  int          `json:"reading_count"`
	Digested      bool         `json:"digested"`
	Sticky        bool         `json:"sticky"`
	ImportedAt    string       `json:"imported_at,omitempty"`
	QuestionText  string       `json:"question_text,omitempty"`
	AnswerText    string       `json:"answer_text,omitempty"`
	TalkText      string       `json:"talk_text,omitempty"`
	Author        *TopicAuthor `json:"author,omitempty"`
}

// Pagination describes a page of a larger result set.
type Pagination struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int   `json:"pages"`
}

func newPagination(page, perPage int, total int64) Pagination {
	return Pagination{
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   int((total + int64(perPage) - 1) / int64(perPage)),
	}
}

// TopicPage is a page of a community's topics.
type TopicPage struct {
	Topics     []TopicSummary `json:"topics"`
	Pagination Pagination     `json:"pagination"`
}

// TagTopics is a page of topics linked to one tag.
type TagTopics struct {
	Tag        Tag            `json:"tag"`
	Topics     []TopicSummary `json:"topics"`
	Pagination Pagination     `json:"pagination"`
}

const tagColumns = `tag_id, group_id, tag_name, COALESCE(hid, '') AS hid, topic_count, COALESCE(created_at, '') AS created_at`

// Tags lists the group's tags, most used first.
func (s *TopicStore) Tags(ctx context.Context, groupID int64) ([]Tag, error) {
	tags := []Tag{}
	if err := s.db.SelectContext(ctx, &tags,
		`SELECT `+tagColumns+` FROM tags WHERE group_id = ? ORDER BY topic_count DESC, tag_name ASC`, groupID,
	); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// Tag loads one tag of the group.
func (s *TopicStore) Tag(ctx context.Context, groupID, tagID int64) (Tag, error) {
	var tag Tag
	err := s.db.GetContext(ctx, &tag,
		`SELECT `+tagColumns+` FROM tags WHERE tag_id = ? AND group_id = ?`, tagID, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return Tag{}, ErrTagNotFound
	}
	if err != nil {
		return Tag{}, fmt.Errorf("load tag %d: %w", tagID, err)
	}
	return tag, nil
}

type summaryRow struct {
	TopicID       int64          `db:"topic_id"`
	Title         sql.NullString `db:"title"`
	Type          string         `db:"type"`
	CreateTime    sql.NullString `db:"create_time"`
	LikesCount    int            `db:"likes_count"`
	CommentsCount int            `db:"comments_count"`
	ReadingCount  int            `db:"reading_count"`
	Digested      sql.NullBool   `db:"digested"`
	Sticky        sql.NullBool   `db:"sticky"`
	ImportedAt    sql.NullString `db:"imported_at"`
	QuestionText  sql.NullString `db:"question_text"`
	AnswerText    sql.NullString `db:"answer_text"`
	TalkText      sql.NullString `db:"talk_text"`
	AuthorID      sql.NullInt64  `db:"author_id"`
	AuthorName    sql.NullString `db:"author_name"`
	AuthorAvatar  sql.NullString `db:"author_avatar"`
}

// summarySelect is completed with a FROM clause that names topics t.
const summarySelect = `SELECT t.topic_id, t.title, t.type, t.create_time,
		t.likes_count, t.comments_count, t.reading_count, t.digested, t.sticky, t.imported_at,
		q.text AS question_text, a.text AS answer_text, tk.text AS talk_text,
		u.user_id AS author_id, u.name AS author_name, u.avatar_url AS author_avatar`

const summaryJoins = `
		LEFT JOIN questions q ON q.topic_id = t.topic_id
		LEFT JOIN answers a ON a.topic_id = t.topic_id
		LEFT JOIN talks tk ON tk.topic_id = t.topic_id
		LEFT JOIN users u ON u.user_id = tk.owner_user_id`

func (s *TopicStore) selectSummaries(ctx context.Context, query string, args ...any) ([]TopicSummary, error) {
	var rows []summaryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	topics := make([]TopicSummary, 0, len(rows))
	for _, r := range rows {
		item := TopicSummary{
			TopicID:       r.TopicID,
			Title:         r.Title.String,
			Type:          r.Type,
			CreateTime:    r.CreateTime.String,
			LikesCount:    r.LikesCount,
			CommentsCount: r.CommentsCount,
			ReadingCount:  r.ReadingCount,
			Digested:      r.Digested.Bool,
			Sticky:        r.Sticky.Bool,
			ImportedAt:    r.ImportedAt.String,
		}
		if r.Type == "q&a" {
			item.QuestionText = r.QuestionText.String
			item.AnswerText = r.AnswerText.String
		} else {
			item.TalkText = r.TalkText.String
			if r.AuthorID.Valid {
				item.Author = &TopicAuthor{UserID: r.AuthorID.Int64, Name: r.AuthorName.String, AvatarURL: r.AuthorAvatar.String}
			}
		}
		topics = append(topics, item)
	}
	return topics, nil
}

func clampPage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	return page, perPage
}

// ListTopics pages through the community's topics, newest first. A non-empty
// search matches the title, the talk text and the question text; the
// total counts the same matches. page is 1-based.
func (s *TopicStore) ListTopics(ctx context.Context, groupID int64, page, perPage int, search string) (TopicPage, error) {
	page, perPage = clampPage(page, perPage)
	where := ` WHERE t.group_id = ?`
	args := []any{groupID}
	if search != "" {
		like := "%" + search + "%"
		where += ` AND (t.title LIKE ? OR q.text LIKE ? OR tk.text LIKE ?)`
		args = append(args, like, like, like)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM topics t`+summaryJoins+where, args...); err != nil {
		return TopicPage{}, fmt.Errorf("count topics: %w", err)
	}
	topics, err := s.selectSummaries(ctx,
		summarySelect+` FROM topics t`+summaryJoins+where+` ORDER BY t.create_time DESC LIMIT ? OFFSET ?`,
		append(args, perPage, (page-1)*perPage)...,
	)
	if err != nil {
		return TopicPage{}, fmt.Errorf("select topics: %w", err)
	}
	return TopicPage{Topics: topics, Pagination: newPagination(page, perPage, total)}, nil
}

// TopicsByTag pages through the topics linked to a tag, newest first.
// page is 1-based.
func (s *TopicStore) TopicsByTag(ctx context.Context, groupID, tagID int64, page, perPage int) (TagTopics, error) {
	page, perPage = clampPage(page, perPage)
	tag, err := s.Tag(ctx, groupID, tagID)
	if err != nil {
		return TagTopics{}, err
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM topic_tags WHERE tag_id = ?`, tagID); err != nil {
		return TagTopics{}, fmt.Errorf("count tagged topics: %w", err)
	}
	topics, err := s.selectSummaries(ctx, summarySelect+`
		FROM topic_tags tt
		JOIN topics t ON t.topic_id = tt.topic_id`+summaryJoins+`
		WHERE tt.tag_id = ?
		ORDER BY t.create_time DESC
		LIMIT ? OFFSET ?`, tagID, perPage, (page-1)*perPage,
	)
	if err != nil {
		return TagTopics{}, fmt.Errorf("select tagged topics: %w", err)
	}
	return TagTopics{Tag: tag, Topics: topics, Pagination: newPagination(page, perPage, total)}, nil
}
