package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// TopicRecord is the stored shape of a topic row.
type TopicRecord struct {
	TopicID           int64  `db:"topic_id" json:"topic_id"`
	GroupID           int64  `db:"group_id" json:"group_id"`
	Type              string `db:"type" json:"type"`
	Title             string `db:"title" json:"title"`
	CreateTime        string `db:"create_time" json:"create_time"`
	Digested          bool   `db:"digested" json:"digested"`
	Sticky            bool   `db:"sticky" json:"sticky"`
	LikesCount        int    `db:"likes_count" json:"likes_count"`
	TouristLikesCount int    `db:"tourist_likes_count" json:"tourist_likes_count"`
	RewardsCount      int    `db:"rewards_count" json:"rewards_count"`
	CommentsCount     int    `db:"comments_count" json:"comments_count"`
	ReadingCount      int    `db:"reading_count" json:"reading_count"`
	ReadersCount      int    `db:"readers_count" json:"readers_count"`
	Answered          bool   `db:"answered" json:"answered"`
	Silenced          bool   `db:"silenced" json:"silenced"`
	Annotation        string `db:"annotation" json:"annotation"`
	UserLiked         bool   `db:"user_liked" json:"user_liked"`
	UserSubscribed    bool   `db:"user_subscribed" json:"user_subscribed"`
	ImportedAt        string `db:"imported_at" json:"imported_at"`
}

type userRow struct {
	UserID       int64  `db:"user_id"`
	Name         string `db:"name"`
	Alias        string `db:"alias"`
	AvatarURL    string `db:"avatar_url"`
	Location     string `db:"location"`
	Description  string `db:"description"`
	AICommentURL string `db:"ai_comment_url"`
	CreatedAt    string `db:"created_at"`
}

type imageRow struct {
	ImageID         int64  `db:"image_id"`
	TopicID         int64  `db:"topic_id"`
	CommentID       *int64 `db:"comment_id"`
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
	CreatedAt       string `db:"created_at"`
}

type commentRow struct {
	CommentID       int64  `db:"comment_id"`
	TopicID         int64  `db:"topic_id"`
	OwnerUserID     *int64 `db:"owner_user_id"`
	ParentCommentID *int64 `db:"parent_comment_id"`
	ReplieeUserID   *int64 `db:"repliee_user_id"`
	Text            string `db:"text"`
	CreateTime      string `db:"create_time"`
	LikesCount      int    `db:"likes_count"`
	RewardsCount    int    `db:"rewards_count"`
	RepliesCount    int    `db:"replies_count"`
	Sticky          bool   `db:"sticky"`
	ImportedAt      string `db:"imported_at"`
}

type questionRow struct {
	TopicID             int64  `db:"topic_id"`
	OwnerUserID         *int64 `db:"owner_user_id"`
	QuesteeUserID       *int64 `db:"questionee_user_id"`
	Text                string `db:"text"`
	Expired             bool   `db:"expired"`
	Anonymous           bool   `db:"anonymous"`
	OwnerQuestionsCount *int   `db:"owner_questions_count"`
	OwnerJoinTime       string `db:"owner_join_time"`
	OwnerStatus         string `db:"owner_status"`
	OwnerLocation       string `db:"owner_location"`
	CreatedAt           string `db:"created_at"`
}

type topicFileRow struct {
	TopicID       int64  `db:"topic_id"`
	FileID        int64  `db:"file_id"`
	Name          string `db:"name"`
	Hash          string `db:"hash"`
	Size          int64  `db:"size"`
	Duration      int    `db:"duration"`
	DownloadCount int    `db:"download_count"`
	CreateTime    string `db:"create_time"`
	CreatedAt     string `db:"created_at"`
}

const (
	upsertGroupSQL = `INSERT INTO groups (group_id, name, type, background_url, created_at)
		VALUES (:group_id, :name, :type, :background_url, :created_at)
		ON CONFLICT (group_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			background_url = excluded.background_url`

	// Partial user objects (e.g. a bare repliee) must not blank out known fields.
	upsertUserSQL = `INSERT INTO users (user_id, name, alias, avatar_url, location, description, ai_comment_url, created_at)
		VALUES (:user_id, :name, :alias, :avatar_url, :location, :description, :ai_comment_url, :created_at)
		ON CONFLICT (user_id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), users.name),
			alias = COALESCE(NULLIF(excluded.alias, ''), users.alias),
			avatar_url = COALESCE(NULLIF(excluded.avatar_url, ''), users.avatar_url),
			location = COALESCE(NULLIF(excluded.location, ''), users.location),
			description = COALESCE(NULLIF(excluded.description, ''), users.description),
			ai_comment_url = COALESCE(NULLIF(excluded.ai_comment_url, ''), users.ai_comment_url)`

	upsertTopicSQL = `INSERT INTO topics (topic_id, group_id, type, title, create_time, digested, sticky,
			likes_count, tourist_likes_count, rewards_count, comments_count, reading_count, readers_count,
			answered, silenced, annotation, user_liked, user_subscribed, imported_at)
		VALUES (:topic_id, :group_id, :type, :title, :create_time, :digested, :sticky,
			:likes_count, :tourist_likes_count, :rewards_count, :comments_count, :reading_count, :readers_count,
			:answered, :silenced, :annotation, :user_liked, :user_subscribed, :imported_at)
		ON CONFLICT (topic_id) DO UPDATE SET
			group_id = excluded.group_id,
			type = excluded.type,
			title = excluded.title,
			create_time = excluded.create_time,
			digested = excluded.digested,
			sticky = excluded.sticky,
			likes_count = excluded.likes_count,
			tourist_likes_count = excluded.tourist_likes_count,
			rewards_count = excluded.rewards_count,
			comments_count = excluded.comments_count,
			reading_count = excluded.reading_count,
			readers_count = excluded.readers_count,
			answered = excluded.answered,
			silenced = excluded.silenced,
			annotation = excluded.annotation,
			user_liked = excluded.user_liked,
			user_subscribed = excluded.user_subscribed,
			imported_at = excluded.imported_at`

	upsertTalkSQL = `INSERT INTO talks (topic_id, owner_user_id, text, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (topic_id) DO UPDATE SET owner_user_id = excluded.owner_user_id, text = excluded.text`

	upsertArticleSQL = `INSERT INTO articles (topic_id, title, article_id, article_url, inline_article_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (topic_id) DO UPDATE SET
			title = excluded.title,
			article_id = excluded.article_id,
			article_url = excluded.article_url,
			inline_article_url = excluded.inline_article_url,
			created_at = excluded.created_at`

	upsertImageSQL = `INSERT INTO images (image_id, topic_id, comment_id, type,
			thumbnail_url, thumbnail_width, thumbnail_height, large_url, large_width, large_height,
			original_url, original_width, original_height, original_size, created_at)
		VALUES (:image_id, :topic_id, :comment_id, :type,
			:thumbnail_url, :thumbnail_width, :thumbnail_height, :large_url, :large_width, :large_height,
			:original_url, :original_width, :original_height, :original_size, :created_at)
		ON CONFLICT (image_id) DO UPDATE SET
			topic_id = excluded.topic_id,
			comment_id = excluded.comment_id,
			type = excluded.type,
			thumbnail_url = excluded.thumbnail_url,
			thumbnail_width = excluded.thumbnail_width,
			thumbnail_height = excluded.thumbnail_height,
			large_url = excluded.large_url,
			large_width = excluded.large_width,
			large_height = excluded.large_height,
			original_url = excluded.original_url,
			original_width = excluded.original_width,
			original_height = excluded.original_height,
			original_size = excluded.original_size`

	upsertLikeSQL = `INSERT INTO likes (topic_id, user_id, create_time, imported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (topic_id, user_id) DO UPDATE SET create_time = excluded.create_time`

	upsertLikeEmojiSQL = `INSERT INTO like_emojis (topic_id, emoji_key, likes_count, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (topic_id, emoji_key) DO UPDATE SET likes_count = excluded.likes_count`

	insertUserLikedEmojiSQL = `INSERT INTO user_liked_emojis (topic_id, emoji_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (topic_id, emoji_key) DO NOTHING`

	upsertCommentSQL = `INSERT INTO comments (comment_id, topic_id, owner_user_id, parent_comment_id, repliee_user_id,
			text, create_time, likes_count, rewards_count, replies_count, sticky, imported_at)
		VALUES (:comment_id, :topic_id, :owner_user_id, :parent_comment_id, :repliee_user_id,
			:text, :create_time, :likes_count, :rewards_count, :replies_count, :sticky, :imported_at)
		ON CONFLICT (comment_id) DO UPDATE SET
			topic_id = excluded.topic_id,
			owner_user_id = excluded.owner_user_id,
			parent_comment_id = excluded.parent_comment_id,
			repliee_user_id = excluded.repliee_user_id,
			text = excluded.text,
			create_time = excluded.create_time,
			likes_count = excluded.likes_count,
			rewards_count = excluded.rewards_count,
			replies_count = excluded.replies_count,
			sticky = excluded.sticky,
			imported_at = excluded.imported_at`

	upsertQuestionSQL = `INSERT INTO questions (topic_id, owner_user_id, questionee_user_id, text, expired, anonymous,
			owner_questions_count, owner_join_time, owner_status, owner_location, created_at)
		VALUES (:topic_id, :owner_user_id, :questionee_user_id, :text, :expired, :anonymous,
			:owner_questions_count, :owner_join_time, :owner_status, :owner_location, :created_at)
		ON CONFLICT (topic_id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			questionee_user_id = excluded.questionee_user_id,
			text = excluded.text,
			expired = excluded.expired,
			anonymous = excluded.anonymous,
			owner_questions_count = excluded.owner_questions_count,
			owner_join_time = excluded.owner_join_time,
			owner_status = excluded.owner_status,
			owner_location = excluded.owner_location`

	upsertAnswerSQL = `INSERT INTO answers (topic_id, owner_user_id, text, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (topic_id) DO UPDATE SET owner_user_id = excluded.owner_user_id, text = excluded.text`

	upsertTopicFileSQL = `INSERT INTO topic_files (topic_id, file_id, name, hash, size, duration, download_count, create_time, created_at)
		VALUES (:topic_id, :file_id, :name, :hash, :size, :duration, :download_count, :create_time, :created_at)
		ON CONFLICT (topic_id, file_id) DO UPDATE SET
			name = excluded.name,
			hash = excluded.hash,
			size = excluded.size,
			duration = excluded.duration,
			download_count = excluded.download_count,
			create_time = excluded.create_time`
)

// importTopic writes one topic payload in dependency order:
// group, users, topic, derived rows, then tags.
func importTopic(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.Group != nil {
		if err := upsertGroup(ctx, e, *t.Group, now); err != nil {
			return err
		}
	}
	if err := importTopicUsers(ctx, e, t, now); err != nil {
		return err
	}
	if _, err := sqlx.NamedExecContext(ctx, e, upsertTopicSQL, topicRecord(t, now)); err != nil {
		return fmt.Errorf("upsert topic %d: %w", t.TopicID, err)
	}

	steps := []func(context.Context, sqlx.ExtContext, zsxq.Topic, string) error{
		upsertTalk,
		importArticle,
		importTalkImages,
		importLikes,
		importLikeEmojis,
		importUserLikedEmojis,
		importShownComments,
		upsertQuestion,
		upsertAnswer,
		importTopicFiles,
	}
	for _, step := range steps {
		if err := step(ctx, e, t, now); err != nil {
			return err
		}
	}
	return importTags(ctx, e, t.GroupID(), t.TopicID, topicTexts(t), now)
}

func topicRecord(t zsxq.Topic, now string) TopicRecord {
	rec := TopicRecord{
		TopicID:           t.TopicID,
		GroupID:           t.GroupID(),
		Type:              t.Type,
		Title:             t.Title,
		CreateTime:        t.CreateTime,
		Digested:          t.Digested,
		Sticky:            t.Sticky,
		LikesCount:        t.LikesCount,
		TouristLikesCount: t.TouristLikesCount,
		RewardsCount:      t.RewardsCount,
		CommentsCount:     t.CommentsCount,
		ReadingCount:      t.ReadingCount,
		ReadersCount:      t.ReadersCount,
		Answered:          t.Answered,
		Silenced:          t.Silenced,
		Annotation:        t.Annotation,
		ImportedAt:        now,
	}
	if t.UserSpecific != nil {
		rec.UserLiked = t.UserSpecific.Liked
		rec.UserSubscribed = t.UserSpecific.Subscribed
	}
	return rec
}

func upsertGroup(ctx context.Context, e sqlx.ExtContext, g zsxq.Group, now string) error {
	if g.GroupID == 0 {
		return nil
	}
	row := map[string]any{
		"group_id":       g.GroupID,
		"name":           g.Name,
		"type":           g.Type,
		"background_url": g.BackgroundURL,
		"created_at":     now,
	}
	if _, err := sqlx.NamedExecContext(ctx, e, upsertGroupSQL, row); err != nil {
		return fmt.Errorf("upsert group %d: %w", g.GroupID, err)
	}
	return nil
}

func upsertUser(ctx context.Context, e sqlx.ExtContext, u *zsxq.User, now string) error {
	if u == nil || u.UserID == 0 {
		return nil
	}
	row := userRow{
		UserID:       u.UserID,
		Name:         u.Name,
		Alias:        u.Alias,
		AvatarURL:    u.AvatarURL,
		Location:     u.Location,
		Description:  u.Description,
		AICommentURL: u.AICommentURL,
		CreatedAt:    now,
	}
	if _, err := sqlx.NamedExecContext(ctx, e, upsertUserSQL, row); err != nil {
		return fmt.Errorf("upsert user %d: %w", u.UserID, err)
	}
	return nil
}

// importTopicUsers upserts every person the payload references.
func importTopicUsers(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	var users []*zsxq.User
	if t.Talk != nil {
		users = append(users, t.Talk.Owner)
	}
	if q := t.Question; q != nil {
		if !q.Anonymous {
			users = append(users, q.Owner)
		}
		users = append(users, q.Questionee)
	}
	if t.Answer != nil {
		users = append(users, t.Answer.Owner)
	}
	for _, like := range t.LatestLikes {
		users = append(users, like.Owner)
	}
	for _, c := range t.ShowComments {
		users = append(users, c.Owner, c.Repliee)
	}
	for _, u := range users {
		if err := upsertUser(ctx, e, u, now); err != nil {
			return err
		}
	}
	return nil
}

func upsertTalk(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.Talk == nil || userID(t.Talk.Owner) == nil {
		return nil
	}
	if _, err := e.ExecContext(ctx, upsertTalkSQL, t.TopicID, t.Talk.Owner.UserID, t.Talk.Text, now); err != nil {
		return fmt.Errorf("upsert talk %d: %w", t.TopicID, err)
	}
	return nil
}

// importArticle prefers the talk's article, then the top-level one, then a
// synthetic row for article topics that only carry a title.
func importArticle(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, _ string) error {
	var article *zsxq.Article
	switch {
	case t.Talk != nil && t.Talk.Article != nil:
		article = t.Talk.Article
	case t.Article != nil:
		article = t.Article
	case t.Type == "article" && t.Title != "":
		article = &zsxq.Article{Title: t.Title, ArticleID: fmt.Sprint(t.TopicID)}
	default:
		return nil
	}
	if article.Title == "" && article.ArticleID == "" {
		return nil
	}
	if _, err := e.ExecContext(ctx, upsertArticleSQL,
		t.TopicID, article.Title, article.ArticleID, article.ArticleURL, article.InlineArticleURL, t.CreateTime,
	); err != nil {
		return fmt.Errorf("upsert article %d: %w", t.TopicID, err)
	}
	return nil
}

func importTalkImages(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.Talk == nil {
		return nil
	}
	return upsertImages(ctx, e, t.TopicID, nil, t.Talk.Images, now)
}

func upsertImages(ctx context.Context, e sqlx.ExtContext, topicID int64, commentID *int64, images []zsxq.Image, now string) error {
	for _, img := range images {
		if img.ImageID == 0 {
			continue
		}
		row := imageRow{ImageID: img.ImageID, TopicID: topicID, CommentID: commentID, Type: img.Type, CreatedAt: now}
		if v := img.Thumbnail; v != nil {
			row.ThumbnailURL, row.ThumbnailWidth, row.ThumbnailHeight = v.URL, v.Width, v.Height
		}
		if v := img.Large; v != nil {
			row.LargeURL, row.LargeWidth, row.LargeHeight = v.URL, v.Width, v.Height
		}
		if v := img.Original; v != nil {
			row.OriginalURL, row.OriginalWidth, row.OriginalHeight, row.OriginalSize = v.URL, v.Width, v.Height, v.Size
		}
		if _, err := sqlx.NamedExecContext(ctx, e, upsertImageSQL, row); err != nil {
			return fmt.Errorf("upsert image %d: %w", img.ImageID, err)
		}
	}
	return nil
}

func importLikes(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	for _, like := range t.LatestLikes {
		id := userID(like.Owner)
		if id == nil {
			continue
		}
		if _, err := e.ExecContext(ctx, upsertLikeSQL, t.TopicID, *id, like.CreateTime, now); err != nil {
			return fmt.Errorf("upsert like %d/%d: %w", t.TopicID, *id, err)
		}
	}
	return nil
}

func importLikeEmojis(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.LikesDetail == nil {
		return nil
	}
	for _, emoji := range t.LikesDetail.Emojis {
		if emoji.EmojiKey == "" {
			continue
		}
		if _, err := e.ExecContext(ctx, upsertLikeEmojiSQL, t.TopicID, emoji.EmojiKey, emoji.LikesCount, now); err != nil {
			return fmt.Errorf("upsert like emoji %d/%s: %w", t.TopicID, emoji.EmojiKey, err)
		}
	}
	return nil
}

func importUserLikedEmojis(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.UserSpecific == nil {
		return nil
	}
	for _, key := range t.UserSpecific.LikedEmojis {
		if key == "" {
			continue
		}
		if _, err := e.ExecContext(ctx, insertUserLikedEmojiSQL, t.TopicID, key, now); err != nil {
			return fmt.Errorf("insert user liked emoji %d/%s: %w", t.TopicID, key, err)
		}
	}
	return nil
}

func importShownComments(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	return upsertComments(ctx, e, t.TopicID, t.ShowComments, now)
}

func upsertComments(ctx context.Context, e sqlx.ExtContext, topicID int64, comments []zsxq.Comment, now string) error {
	for _, c := range comments {
		if c.CommentID == 0 {
			continue
		}
		row := commentRow{
			CommentID:       c.CommentID,
			TopicID:         topicID,
			OwnerUserID:     userID(c.Owner),
			ParentCommentID: c.ParentCommentID,
			ReplieeUserID:   userID(c.Repliee),
			Text:            c.Text,
			CreateTime:      c.CreateTime,
			LikesCount:      c.LikesCount,
			RewardsCount:    c.RewardsCount,
			RepliesCount:    c.RepliesCount,
			Sticky:          c.Sticky,
			ImportedAt:      now,
		}
		if _, err := sqlx.NamedExecContext(ctx, e, upsertCommentSQL, row); err != nil {
			return fmt.Errorf("upsert comment %d: %w", c.CommentID, err)
		}
		commentID := c.CommentID
		if err := upsertImages(ctx, e, topicID, &commentID, c.Images, now); err != nil {
			return err
		}
	}
	return nil
}

func upsertQuestion(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	q := t.Question
	if q == nil {
		return nil
	}
	owner := userID(q.Owner)
	// Anonymous questions keep their text even without an owner.
	if owner == nil && q.Text == "" {
		return nil
	}
	row := questionRow{
		TopicID:       t.TopicID,
		OwnerUserID:   owner,
		QuesteeUserID: userID(q.Questionee),
		Text:          q.Text,
		Expired:       q.Expired,
		Anonymous:     q.Anonymous,
		OwnerLocation: q.OwnerLocation,
		CreatedAt:     now,
	}
	if d := q.OwnerDetail; d != nil {
		row.OwnerQuestionsCount = d.QuestionsCount
		row.OwnerJoinTime = d.JoinTime
		if row.OwnerJoinTime == "" {
			row.OwnerJoinTime = d.EstimatedJoinTime
		}
		row.OwnerStatus = d.Status
	}
	if _, err := sqlx.NamedExecContext(ctx, e, upsertQuestionSQL, row); err != nil {
		return fmt.Errorf("upsert question %d: %w", t.TopicID, err)
	}
	return nil
}

func upsertAnswer(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.Answer == nil || userID(t.Answer.Owner) == nil {
		return nil
	}
	if _, err := e.ExecContext(ctx, upsertAnswerSQL, t.TopicID, t.Answer.Owner.UserID, t.Answer.Text, now); err != nil {
		return fmt.Errorf("upsert answer %d: %w", t.TopicID, err)
	}
	return nil
}

func importTopicFiles(ctx context.Context, e sqlx.ExtContext, t zsxq.Topic, now string) error {
	if t.Talk == nil {
		return nil
	}
	for _, f := range t.Talk.Files {
		if f.FileID == 0 {
			continue
		}
		row := topicFileRow{
			TopicID:       t.TopicID,
			FileID:        f.FileID,
			Name:          f.Name,
			Hash:          f.Hash,
			Size:          f.Size,
			Duration:      f.Duration,
			DownloadCount: f.DownloadCount,
			CreateTime:    f.CreateTime,
			CreatedAt:     now,
		}
		if _, err := sqlx.NamedExecContext(ctx, e, upsertTopicFileSQL, row); err != nil {
			return fmt.Errorf("upsert topic file %d/%d: %w", t.TopicID, f.FileID, err)
		}
	}
	return nil
}

// topicTexts collects every field that may embed tag markup.
func topicTexts(t zsxq.Topic) []string {
	var texts []string
	if t.Talk != nil {
		texts = append(texts, t.Talk.Text)
	}
	if t.Question != nil {
		texts = append(texts, t.Question.Text)
	}
	if t.Answer != nil {
		texts = append(texts, t.Answer.Text)
	}
	for _, c := range t.ShowComments {
		texts = append(texts, c.Text)
	}
	return texts
}

func userID(u *zsxq.User) *int64 {
	if u == nil || u.UserID == 0 {
		return nil
	}
	id := u.UserID
	return &id
}
