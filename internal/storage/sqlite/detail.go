package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

const latestLikesShown = 5

// TopicDetail is a stored topic rebuilt in the platform's payload shape.
type TopicDetail struct {
	zsxq.Topic
	ImportedAt string `json:"imported_at,omitempty"`
	Tags       []Tag  `json:"tags"`
}

// userCols scans a LEFT JOINed users row selected with userSelect.
type userCols struct {
	UserID      int64  `db:"user_id"`
	Name        string `db:"name"`
	Alias       string `db:"alias"`
	AvatarURL   string `db:"avatar_url"`
	Location    string `db:"location"`
	Description string `db:"description"`
}

func (u userCols) user() *zsxq.User {
	if u.UserID == 0 {
		return nil
	}
	return &zsxq.User{
		UserID:      u.UserID,
		Name:        u.Name,
		Alias:       u.Alias,
		AvatarURL:   u.AvatarURL,
		Location:    u.Location,
		Description: u.Description,
	}
}

// userSelect projects alias into columns named prefix.<field>.
func userSelect(alias, prefix string) string {
	return fmt.Sprintf(`COALESCE(%[1]s.user_id, 0) AS "%[2]s.user_id",
		COALESCE(%[1]s.name, '') AS "%[2]s.name",
		COALESCE(%[1]s.alias, '') AS "%[2]s.alias",
		COALESCE(%[1]s.avatar_url, '') AS "%[2]s.avatar_url",
		COALESCE(%[1]s.location, '') AS "%[2]s.location",
		COALESCE(%[1]s.description, '') AS "%[2]s.description"`, alias, prefix)
}

type storedImage struct {
	ImageID         int64  `db:"image_id"`
	CommentID       int64  `db:"comment_id"`
	Type            string `db:"type"`
	ThumbnailURL    string `db:"thumbnail_url"`
	ThumbnailWidth  int    `db:"thumbnail_width"`
	ThumbnailHeight int    `db:"thumbnail_height"`
	LargeURL        string `db:"large_url"`
	LargeWidth      int    `db:"large_width"`
	LargeHeight     int    `db:"large_height"`
	OriginalURL     string `db:"original_url"`
	OriginalWidth   int    `db:"original_width"`
	OriginalHeight  int    `db:"original_height"`
	OriginalSize    int64  `db:"original_size"`
}

func variant(url string, width, height int, size int64) *zsxq.ImageVariant {
	if url == "" {
		return nil
	}
	return &zsxq.ImageVariant{URL: url, Width: width, Height: height, Size: size}
}

func (r storedImage) image() zsxq.Image {
	return zsxq.Image{
		ImageID:   r.ImageID,
		Type:      r.Type,
		Thumbnail: variant(r.ThumbnailURL, r.ThumbnailWidth, r.ThumbnailHeight, 0),
		Large:     variant(r.LargeURL, r.LargeWidth, r.LargeHeight, 0),
		Original:  variant(r.OriginalURL, r.OriginalWidth, r.OriginalHeight, r.OriginalSize),
	}
}

type storedComment struct {
	CommentID       int64         `db:"comment_id"`
	Text            string        `db:"text"`
	CreateTime      string        `db:"create_time"`
	LikesCount      int           `db:"likes_count"`
	RewardsCount    int           `db:"rewards_count"`
	RepliesCount    int           `db:"replies_count"`
	Sticky          bool          `db:"sticky"`
	ParentCommentID sql.NullInt64 `db:"parent_comment_id"`
	Owner           userCols      `db:"owner"`
	Repliee         userCols      `db:"repliee"`
}

type storedQuestion struct {
	Text           string        `db:"text"`
	Expired        bool          `db:"expired"`
	Anonymous      bool          `db:"anonymous"`
	QuestionsCount sql.NullInt64 `db:"owner_questions_count"`
	JoinTime       string        `db:"owner_join_time"`
	Status         string        `db:"owner_status"`
	Location       string        `db:"owner_location"`
	Owner          userCols      `db:"owner"`
	Questionee     userCols      `db:"questionee"`
}

// TopicDetail loads a stored topic with everything derived from it:
// talk, images, files, article, Q&A halves, likes, comments and tags.
func (s *TopicStore) TopicDetail(ctx context.Context, topicID int64) (TopicDetail, error) {
	rec, err := s.Topic(ctx, topicID)
	if err != nil {
		return TopicDetail{}, err
	}
	d := TopicDetail{
		Topic: zsxq.Topic{
			TopicID:           rec.TopicID,
			Type:              rec.Type,
			Title:             rec.Title,
			CreateTime:        rec.CreateTime,
			Digested:          rec.Digested,
			Sticky:            rec.Sticky,
			Answered:          rec.Answered,
			Silenced:          rec.Silenced,
			Annotation:        rec.Annotation,
			LikesCount:        rec.LikesCount,
			TouristLikesCount: rec.TouristLikesCount,
			RewardsCount:      rec.RewardsCount,
			CommentsCount:     rec.CommentsCount,
			ReadingCount:      rec.ReadingCount,
			ReadersCount:      rec.ReadersCount,
			UserSpecific:      &zsxq.UserSpecific{Liked: rec.UserLiked, Subscribed: rec.UserSubscribed},
		},
		ImportedAt: rec.ImportedAt,
	}

	loaders := []func(context.Context, *sqlx.DB, *TopicDetail, int64) error{
		loadGroup,
		loadTalk,
		loadQA,
		loadLikes,
		loadComments,
		loadTopicTags,
	}
	for _, load := range loaders {
		if err := load(ctx, s.db, &d, rec.GroupID); err != nil {
			return TopicDetail{}, fmt.Errorf("load topic %d detail: %w", topicID, err)
		}
	}
	return d, nil
}

func loadGroup(ctx context.Context, db *sqlx.DB, d *TopicDetail, groupID int64) error {
	g, _, err := storedGroup(ctx, db, groupID)
	if err != nil {
		return err
	}
	d.Group = &g
	return nil
}

// storedGroup reports whether the community row exists. A missing row
// still yields a Group carrying the id.
func storedGroup(ctx context.Context, db *sqlx.DB, groupID int64) (zsxq.Group, bool, error) {
	g := zsxq.Group{GroupID: groupID}
	err := db.QueryRowxContext(ctx,
		`SELECT name, COALESCE(type, ''), COALESCE(background_url, '') FROM groups WHERE group_id = ?`, groupID,
	).Scan(&g.Name, &g.Type, &g.BackgroundURL)
	if errors.Is(err, sql.ErrNoRows) {
		return g, false, nil
	}
	if err != nil {
		return g, false, fmt.Errorf("group: %w", err)
	}
	return g, true, nil
}

func loadImages(ctx context.Context, db *sqlx.DB, topicID int64) ([]storedImage, error) {
	var rows []storedImage
	err := db.SelectContext(ctx, &rows, `SELECT image_id, COALESCE(comment_id, 0) AS comment_id,
			COALESCE(type, '') AS type,
			COALESCE(thumbnail_url, '') AS thumbnail_url, COALESCE(thumbnail_width, 0) AS thumbnail_width,
			COALESCE(thumbnail_height, 0) AS thumbnail_height,
			COALESCE(large_url, '') AS large_url, COALESCE(large_width, 0) AS large_width,
			COALESCE(large_height, 0) AS large_height,
			COALESCE(original_url, '') AS original_url, COALESCE(original_width, 0) AS original_width,
			COALESCE(original_height, 0) AS original_height, COALESCE(original_size, 0) AS original_size
		FROM images WHERE topic_id = ? ORDER BY image_id`, topicID)
	if err != nil {
		return nil, fmt.Errorf("images: %w", err)
	}
	return rows, nil
}

func loadTalk(ctx context.Context, db *sqlx.DB, d *TopicDetail, _ int64) error {
	var talk struct {
		Text  string   `db:"text"`
		Owner userCols `db:"owner"`
	}
	err := db.GetContext(ctx, &talk, `SELECT COALESCE(tk.text, '') AS text, `+userSelect("u", "owner")+`
		FROM talks tk LEFT JOIN users u ON u.user_id = tk.owner_user_id
		WHERE tk.topic_id = ?`, d.TopicID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("talk: %w", err)
	}
	out := &zsxq.Talk{Text: talk.Text, Owner: talk.Owner.user()}

	images, err := loadImages(ctx, db, d.TopicID)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.CommentID == 0 {
			out.Images = append(out.Images, img.image())
		}
	}

	var files []struct {
		FileID        int64  `db:"file_id"`
		Name          string `db:"name"`
		Hash          string `db:"hash"`
		Size          int64  `db:"size"`
		Duration      int    `db:"duration"`
		DownloadCount int    `db:"download_count"`
		CreateTime    string `db:"create_time"`
	}
	if err := db.SelectContext(ctx, &files, `SELECT file_id, COALESCE(name, '') AS name,
			COALESCE(hash, '') AS hash, COALESCE(size, 0) AS size, COALESCE(duration, 0) AS duration,
			COALESCE(download_count, 0) AS download_count, COALESCE(create_time, '') AS create_time
		FROM topic_files WHERE topic_id = ? ORDER BY file_id`, d.TopicID); err != nil {
		return fmt.Errorf("files: %w", err)
	}
	for _, f := range files {
		out.Files = append(out.Files, zsxq.File(f))
	}

	var article zsxq.Article
	err = db.QueryRowxContext(ctx, `SELECT COALESCE(title, ''), COALESCE(article_id, ''),
			COALESCE(article_url, ''), COALESCE(inline_article_url, '')
		FROM articles WHERE topic_id = ?`, d.TopicID,
	).Scan(&article.Title, &article.ArticleID, &article.ArticleURL, &article.InlineArticleURL)
	switch {
	case err == nil:
		out.Article = &article
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("article: %w", err)
	}
	d.Talk = out
	return nil
}

func loadQA(ctx context.Context, db *sqlx.DB, d *TopicDetail, _ int64) error {
	var q storedQuestion
	err := db.GetContext(ctx, &q, `SELECT COALESCE(q.text, '') AS text,
			COALESCE(q.expired, FALSE) AS expired, COALESCE(q.anonymous, FALSE) AS anonymous,
			q.owner_questions_count, COALESCE(q.owner_join_time, '') AS owner_join_time,
			COALESCE(q.owner_status, '') AS owner_status, COALESCE(q.owner_location, '') AS owner_location,
			`+userSelect("o", "owner")+`, `+userSelect("qe", "questionee")+`
		FROM questions q
		LEFT JOIN users o ON o.user_id = q.owner_user_id
		LEFT JOIN users qe ON qe.user_id = q.questionee_user_id
		WHERE q.topic_id = ?`, d.TopicID)
	switch {
	case err == nil:
		question := &zsxq.Question{
			Text:          q.Text,
			Expired:       q.Expired,
			Anonymous:     q.Anonymous,
			Questionee:    q.Questionee.user(),
			OwnerLocation: q.Location,
			OwnerDetail:   &zsxq.OwnerDetail{EstimatedJoinTime: q.JoinTime, Status: q.Status},
		}
		if q.QuestionsCount.Valid {
			n := int(q.QuestionsCount.Int64)
			question.OwnerDetail.QuestionsCount = &n
		}
		if !q.Anonymous {
			question.Owner = q.Owner.user()
		}
		d.Question = question
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("question: %w", err)
	}

	var a struct {
		Text  string   `db:"text"`
		Owner userCols `db:"owner"`
	}
	err = db.GetContext(ctx, &a, `SELECT COALESCE(a.text, '') AS text, `+userSelect("u", "owner")+`
		FROM answers a LEFT JOIN users u ON u.user_id = a.owner_user_id
		WHERE a.topic_id = ?`, d.TopicID)
	switch {
	case err == nil:
		d.Answer = &zsxq.Answer{Text: a.Text, Owner: a.Owner.user()}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("answer: %w", err)
	}
	return nil
}

func loadLikes(ctx context.Context, db *sqlx.DB, d *TopicDetail, _ int64) error {
	var likes []struct {
		CreateTime string   `db:"create_time"`
		Owner      userCols `db:"owner"`
	}
	if err := db.SelectContext(ctx, &likes, `SELECT COALESCE(l.create_time, '') AS create_time, `+userSelect("u", "owner")+`
		FROM likes l LEFT JOIN users u ON u.user_id = l.user_id
		WHERE l.topic_id = ?
		ORDER BY l.create_time DESC
		LIMIT ?`, d.TopicID, latestLikesShown); err != nil {
		return fmt.Errorf("likes: %w", err)
	}
	for _, l := range likes {
		d.LatestLikes = append(d.LatestLikes, zsxq.Like{CreateTime: l.CreateTime, Owner: l.Owner.user()})
	}

	var emojis []struct {
		EmojiKey   string `db:"emoji_key"`
		LikesCount int    `db:"likes_count"`
	}
	if err := db.SelectContext(ctx, &emojis, `SELECT emoji_key, COALESCE(likes_count, 0) AS likes_count
		FROM like_emojis WHERE topic_id = ? ORDER BY emoji_key`, d.TopicID); err != nil {
		return fmt.Errorf("like emojis: %w", err)
	}
	d.LikesDetail = &zsxq.LikesDetail{}
	for _, e := range emojis {
		d.LikesDetail.Emojis = append(d.LikesDetail.Emojis, zsxq.EmojiLike{EmojiKey: e.EmojiKey, LikesCount: e.LikesCount})
	}

	if err := db.SelectContext(ctx, &d.UserSpecific.LikedEmojis,
		`SELECT emoji_key FROM user_liked_emojis WHERE topic_id = ? ORDER BY emoji_key`, d.TopicID,
	); err != nil {
		return fmt.Errorf("liked emojis: %w", err)
	}
	return nil
}

func loadComments(ctx context.Context, db *sqlx.DB, d *TopicDetail, _ int64) error {
	var rows []storedComment
	if err := db.SelectContext(ctx, &rows, `SELECT c.comment_id, COALESCE(c.text, '') AS text,
			COALESCE(c.create_time, '') AS create_time, COALESCE(c.likes_count, 0) AS likes_count,
			COALESCE(c.rewards_count, 0) AS rewards_count, COALESCE(c.replies_count, 0) AS replies_count,
			COALESCE(c.sticky, FALSE) AS sticky, c.parent_comment_id,
			`+userSelect("o", "owner")+`, `+userSelect("r", "repliee")+`
		FROM comments c
		LEFT JOIN users o ON o.user_id = c.owner_user_id
		LEFT JOIN users r ON r.user_id = c.repliee_user_id
		WHERE c.topic_id = ?
		ORDER BY c.create_time ASC`, d.TopicID); err != nil {
		return fmt.Errorf("comments: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	images, err := loadImages(ctx, db, d.TopicID)
	if err != nil {
		return err
	}
	byComment := make(map[int64][]zsxq.Image)
	for _, img := range images {
		if img.CommentID != 0 {
			byComment[img.CommentID] = append(byComment[img.CommentID], img.image())
		}
	}

	d.ShowComments = make([]zsxq.Comment, 0, len(rows))
	for _, r := range rows {
		c := zsxq.Comment{
			CommentID:    r.CommentID,
			CreateTime:   r.CreateTime,
			Owner:        r.Owner.user(),
			Repliee:      r.Repliee.user(),
			Text:         r.Text,
			LikesCount:   r.LikesCount,
			RewardsCount: r.RewardsCount,
			RepliesCount: r.RepliesCount,
			Sticky:       r.Sticky,
			Images:       byComment[r.CommentID],
		}
		if r.ParentCommentID.Valid {
			parent := r.ParentCommentID.Int64
			c.ParentCommentID = &parent
		}
		d.ShowComments = append(d.ShowComments, c)
	}
	return nil
}

func loadTopicTags(ctx context.Context, db *sqlx.DB, d *TopicDetail, _ int64) error {
	d.Tags = []Tag{}
	if err := db.SelectContext(ctx, &d.Tags, `SELECT tg.tag_id, tg.group_id, tg.tag_name,
			COALESCE(tg.hid, '') AS hid, tg.topic_count, COALESCE(tg.created_at, '') AS created_at
		FROM topic_tags tt JOIN tags tg ON tg.tag_id = tt.tag_id
		WHERE tt.topic_id = ?
		ORDER BY tg.tag_name`, d.TopicID); err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	return nil
}
