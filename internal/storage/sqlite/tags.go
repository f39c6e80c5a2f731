package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// tagPattern matches both hashtag markups the platform emits:
// <e type="hashtag" hid="..." title="..." /> and <tag hid="..." label="..." />.
var tagPattern = regexp.MustCompile(`<(?:e\s+type="hashtag"|tag)\s+hid="([^"]+)"\s+(?:title|label)="([^"]+)"\s*/?>`)

type extractedTag struct {
	Name string
	HID  string
}

// extractTags returns the distinct tags embedded in texts, sorted by name.
// The first hid seen for a name wins.
func extractTags(texts ...string) []extractedTag {
	seen := make(map[string]string)
	for _, text := range texts {
		for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
			name := decodeTagName(m[2])
			if name == "" {
				continue
			}
			if _, ok := seen[name]; !ok {
				seen[name] = m[1]
			}
		}
	}
	out := make([]extractedTag, 0, len(seen))
	for name, hid := range seen {
		out = append(out, extractedTag{Name: name, HID: hid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func decodeTagName(raw string) string {
	name, err := url.PathUnescape(raw)
	if err != nil {
		name = raw
	}
	return strings.TrimSpace(strings.Trim(name, "#"))
}

// importTags upserts each tag for the group, links it to the topic and
// refreshes its topic count.
func importTags(ctx context.Context, e sqlx.ExtContext, groupID, topicID int64, texts []string, now string) error {
	if groupID == 0 {
		return nil
	}
	for _, tag := range extractTags(texts...) {
		tagID, err := upsertTag(ctx, e, groupID, tag, now)
		if err != nil {
			return err
		}
		if _, err := e.ExecContext(ctx,
			`INSERT INTO topic_tags (topic_id, tag_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (topic_id, tag_id) DO NOTHING`,
			topicID, tagID, now,
		); err != nil {
			return fmt.Errorf("link tag %d to topic %d: %w", tagID, topicID, err)
		}
		if err := recountTag(ctx, e, tagID); err != nil {
			return err
		}
	}
	return nil
}

func upsertTag(ctx context.Context, e sqlx.ExtContext, groupID int64, tag extractedTag, now string) (int64, error) {
	var tagID int64
	err := sqlx.GetContext(ctx, e, &tagID,
		`SELECT tag_id FROM tags WHERE group_id = ? AND tag_name = ?`, groupID, tag.Name)
	switch {
	case err == nil:
		if _, err := e.ExecContext(ctx, `UPDATE tags SET hid = ? WHERE tag_id = ?`, tag.HID, tagID); err != nil {
			return 0, fmt.Errorf("update tag %q: %w", tag.Name, err)
		}
		return tagID, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := e.ExecContext(ctx,
			`INSERT INTO tags (group_id, tag_name, hid, topic_count, created_at) VALUES (?, ?, ?, 0, ?)`,
			groupID, tag.Name, tag.HID, now)
		if err != nil {
			return 0, fmt.Errorf("insert tag %q: %w", tag.Name, err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("lookup tag %q: %w", tag.Name, err)
	}
}

func recountTag(ctx context.Context, e sqlx.ExtContext, tagID int64) error {
	if _, err := e.ExecContext(ctx,
		`UPDATE tags SET topic_count = (SELECT COUNT(*) FROM topic_tags WHERE tag_id = ?) WHERE tag_id = ?`,
		tagID, tagID,
	); err != nil {
		return fmt.Errorf("recount tag %d: %w", tagID, err)
	}
	return nil
}
