package zsxq

import (
	"encoding/json"
	"fmt"
)

// Group mirrors the platform's community object.
type Group struct {
	GroupID       int64            `json:"group_id"`
	Name          string           `json:"name"`
	Type          string           `json:"type"`
	Description   string           `json:"description,omitempty"`
	BackgroundURL string           `json:"background_url"`
	Owner         *User            `json:"owner,omitempty"`
	Statistics    *GroupStatistics `json:"statistics,omitempty"`
}

// GroupStatistics carries the counters the platform reports per group.
type GroupStatistics struct {
	Members *struct {
		Count int `json:"count"`
	} `json:"members,omitempty"`
	Topics *struct {
		TopicsCount int `json:"topics_count"`
	} `json:"topics,omitempty"`
	Files *struct {
		Count int `json:"count"`
	} `json:"files,omitempty"`
}

// User is any person referenced by a payload.
type User struct {
	UserID       int64  `json:"user_id"`
	Name         string `json:"name"`
	Alias        string `json:"alias"`
	AvatarURL    string `json:"avatar_url"`
	Location     string `json:"location"`
	Description  string `json:"description"`
	AICommentURL string `json:"ai_comment_url"`
}

// Topic is one item of a group feed with all optional nested parts.
type Topic struct {
	TopicID           int64         `json:"topic_id"`
	Group             *Group        `json:"group,omitempty"`
	Type              string        `json:"type"`
	Title             string        `json:"title"`
	CreateTime        string        `json:"create_time"`
	Digested          bool          `json:"digested"`
	Sticky            bool          `json:"sticky"`
	Answered          bool          `json:"answered"`
	Silenced          bool          `json:"silenced"`
	Annotation        string        `json:"annotation"`
	LikesCount        int           `json:"likes_count"`
	TouristLikesCount int           `json:"tourist_likes_count"`
	RewardsCount      int           `json:"rewards_count"`
	CommentsCount     int           `json:"comments_count"`
	ReadingCount      int           `json:"reading_count"`
	ReadersCount      int           `json:"readers_count"`
	Talk              *Talk         `json:"talk,omitempty"`
	Question          *Question     `json:"question,omitempty"`
	Answer            *Answer       `json:"answer,omitempty"`
	Article           *Article      `json:"article,omitempty"`
	LatestLikes       []Like        `json:"latest_likes,omitempty"`
	LikesDetail       *LikesDetail  `json:"likes_detail,omitempty"`
	ShowComments      []Comment     `json:"show_comments,omitempty"`
	UserSpecific      *UserSpecific `json:"user_specific,omitempty"`
}

// GroupID returns the owning group id, or zero when the payload omits it.
func (t Topic) GroupID() int64 {
	if t.Group == nil {
		return 0
	}
	return t.Group.GroupID
}

// Talk is the body of a plain post.
type Talk struct {
	Owner   *User    `json:"owner,omitempty"`
	Text    string   `json:"text"`
	Images  []Image  `json:"images,omitempty"`
	Files   []File   `json:"files,omitempty"`
	Article *Article `json:"article,omitempty"`
}

// Article is long-form content linked from a topic.
type Article struct {
	Title            string `json:"title"`
	ArticleID        string `json:"article_id"`
	ArticleURL       string `json:"article_url"`
	InlineArticleURL string `json:"inline_article_url"`
}

// Image holds the three renditions the platform serves.
type Image struct {
	ImageID   int64         `json:"image_id"`
	Type      string        `json:"type"`
	Thumbnail *ImageVariant `json:"thumbnail,omitempty"`
	Large     *ImageVariant `json:"large,omitempty"`
	Original  *ImageVariant `json:"original,omitempty"`
}

// ImageVariant is one rendition of an image.
type ImageVariant struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int64  `json:"size"`
}

// Like is a single reaction shown on a topic.
type Like struct {
	CreateTime string `json:"create_time"`
	Owner      *User  `json:"owner,omitempty"`
}

// LikesDetail aggregates emoji reactions.
type LikesDetail struct {
	Emojis []EmojiLike `json:"emojis,omitempty"`
}

// EmojiLike counts one emoji reaction.
type EmojiLike struct {
	EmojiKey   string `json:"emoji_key"`
	LikesCount int    `json:"likes_count"`
}

// Comment is a discussion entry, possibly a reply.
type Comment struct {
	CommentID       int64   `json:"comment_id"`
	CreateTime      string  `json:"create_time"`
	Owner           *User   `json:"owner,omitempty"`
	ParentCommentID *int64  `json:"parent_comment_id,omitempty"`
	Repliee         *User   `json:"repliee,omitempty"`
	Text            string  `json:"text"`
	LikesCount      int     `json:"likes_count"`
	RewardsCount    int     `json:"rewards_count"`
	RepliesCount    int     `json:"replies_count"`
	Sticky          bool    `json:"sticky"`
	Images          []Image `json:"images,omitempty"`
}

// Question is the asking half of a Q&A topic.
type Question struct {
	Owner         *User        `json:"owner,omitempty"`
	Questionee    *User        `json:"questionee,omitempty"`
	Text          string       `json:"text"`
	Expired       bool         `json:"expired"`
	Anonymous     bool         `json:"anonymous"`
	OwnerDetail   *OwnerDetail `json:"owner_detail,omitempty"`
	OwnerLocation string       `json:"owner_location"`
}

// OwnerDetail describes the asker as seen by the group.
type OwnerDetail struct {
	QuestionsCount    *int   `json:"questions_count,omitempty"`
	JoinTime          string `json:"join_time"`
	EstimatedJoinTime string `json:"estimated_join_time"`
	Status            string `json:"status"`
}

// Answer is the answering half of a Q&A topic.
type Answer struct {
	Owner *User  `json:"owner,omitempty"`
	Text  string `json:"text"`
}

// UserSpecific carries the requesting account's own interactions.
type UserSpecific struct {
	Liked       bool     `json:"liked"`
	Subscribed  bool     `json:"subscribed"`
	LikedEmojis []string `json:"liked_emojis,omitempty"`
}

// File is a downloadable attachment.
type File struct {
	FileID        int64  `json:"file_id"`
	Name          string `json:"name"`
	Hash          string `json:"hash"`
	Size          int64  `json:"size"`
	Duration      int    `json:"duration"`
	DownloadCount int    `json:"download_count"`
	CreateTime    string `json:"create_time"`
}

// FileItem pairs a file with the topic that published it.
type FileItem struct {
	File  *File  `json:"file,omitempty"`
	Topic *Topic `json:"topic,omitempty"`
}

// FileID is zero when the item carries no file.
func (i FileItem) FileID() int64 {
	if i.File == nil {
		return 0
	}
	return i.File.FileID
}

// TopicsPage is one page of a group feed, newest first.
type TopicsPage struct {
	Topics []Topic `json:"topics"`
}

// CommentsPage is one page of a topic's comments.
type CommentsPage struct {
	Comments []Comment `json:"comments"`
}

// FilesPage is one page of a group's file listing.
type FilesPage struct {
	Files []FileItem `json:"files"`
	Index string     `json:"index"`
}

// SelfInfo is the account's own profile snapshot.
type SelfInfo struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Location  string `json:"location"`
	UserSID   string `json:"user_sid"`
	Grade     string `json:"grade"`
}

type selfPayload struct {
	User struct {
		UID       any    `json:"uid"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		Location  string `json:"location"`
		UserSID   any    `json:"user_sid"`
		Grade     any    `json:"grade"`
	} `json:"user"`
	Accounts struct {
		Wechat struct {
			Name      string `json:"name"`
			AvatarURL string `json:"avatar_url"`
		} `json:"wechat"`
	} `json:"accounts"`
}

func (p selfPayload) info() SelfInfo {
	name := p.User.Name
	if name == "" {
		name = p.Accounts.Wechat.Name
	}
	avatar := p.User.AvatarURL
	if avatar == "" {
		avatar = p.Accounts.Wechat.AvatarURL
	}
	return SelfInfo{
		UID:       scalar(p.User.UID),
		Name:      name,
		AvatarURL: avatar,
		Location:  p.User.Location,
		UserSID:   scalar(p.User.UserSID),
		Grade:     scalar(p.User.Grade),
	}
}

// scalar renders loosely typed ids without float exponents.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

type envelope struct {
	Succeeded bool            `json:"succeeded"`
	Code      int             `json:"code"`
	Info      string          `json:"info"`
	Error     string          `json:"error"`
	RespData  json.RawMessage `json:"resp_data"`
}

func (e envelope) message() string {
	if e.Info != "" {
		return e.Info
	}
	return e.Error
}
