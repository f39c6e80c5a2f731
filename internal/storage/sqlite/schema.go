package sqlite

// topicSchema is shared by the per-community topic store and the file store.
// Derived tables carry a unique key so that every write can be an upsert.
var topicSchema = []string{
	`CREATE TABLE IF NOT EXISTS groups (
		group_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT,
		background_url TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		alias TEXT,
		avatar_url TEXT,
		location TEXT,
		description TEXT,
		ai_comment_url TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS topics (
		topic_id INTEGER PRIMARY KEY,
		group_id INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		title TEXT,
		create_time TEXT,
		digested BOOLEAN DEFAULT FALSE,
		sticky BOOLEAN DEFAULT FALSE,
		likes_count INTEGER DEFAULT 0,
		tourist_likes_count INTEGER DEFAULT 0,
		rewards_count INTEGER DEFAULT 0,
		comments_count INTEGER DEFAULT 0,
		reading_count INTEGER DEFAULT 0,
		readers_count INTEGER DEFAULT 0,
		answered BOOLEAN DEFAULT FALSE,
		silenced BOOLEAN DEFAULT FALSE,
		annotation TEXT,
		user_liked BOOLEAN DEFAULT FALSE,
		user_subscribed BOOLEAN DEFAULT FALSE,
		imported_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_topics_group_time ON topics (group_id, create_time)`,
	`CREATE TABLE IF NOT EXISTS talks (
		topic_id INTEGER PRIMARY KEY REFERENCES topics (topic_id),
		owner_user_id INTEGER,
		text TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS articles (
		topic_id INTEGER PRIMARY KEY REFERENCES topics (topic_id),
		title TEXT,
		article_id TEXT,
		article_url TEXT,
		inline_article_url TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		image_id INTEGER PRIMARY KEY,
		topic_id INTEGER REFERENCES topics (topic_id),
		comment_id INTEGER,
		type TEXT,
		thumbnail_url TEXT,
		thumbnail_width INTEGER,
		thumbnail_height INTEGER,
		large_url TEXT,
		large_width INTEGER,
		large_height INTEGER,
		original_url TEXT,
		original_width INTEGER,
		original_height INTEGER,
		original_size INTEGER,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS likes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL REFERENCES topics (topic_id),
		user_id INTEGER NOT NULL,
		create_time TEXT,
		imported_at TEXT,
		UNIQUE (topic_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS like_emojis (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL REFERENCES topics (topic_id),
		emoji_key TEXT NOT NULL,
		likes_count INTEGER DEFAULT 0,
		created_at TEXT,
		UNIQUE (topic_id, emoji_key)
	)`,
	`CREATE TABLE IF NOT EXISTS user_liked_emojis (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL REFERENCES topics (topic_id),
		emoji_key TEXT NOT NULL,
		created_at TEXT,
		UNIQUE (topic_id, emoji_key)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		comment_id INTEGER PRIMARY KEY,
		topic_id INTEGER REFERENCES topics (topic_id),
		owner_user_id INTEGER,
		parent_comment_id INTEGER,
		repliee_user_id INTEGER,
		text TEXT,
		create_time TEXT,
		likes_count INTEGER DEFAULT 0,
		rewards_count INTEGER DEFAULT 0,
		replies_count INTEGER DEFAULT 0,
		sticky BOOLEAN DEFAULT FALSE,
		imported_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		topic_id INTEGER PRIMARY KEY REFERENCES topics (topic_id),
		owner_user_id INTEGER,
		questionee_user_id INTEGER,
		text TEXT,
		expired BOOLEAN DEFAULT FALSE,
		anonymous BOOLEAN DEFAULT FALSE,
		owner_questions_count INTEGER,
		owner_join_time TEXT,
		owner_status TEXT,
		owner_location TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		topic_id INTEGER PRIMARY KEY REFERENCES topics (topic_id),
		owner_user_id INTEGER,
		text TEXT,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		tag_id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL,
		tag_name TEXT NOT NULL,
		hid TEXT,
		topic_count INTEGER DEFAULT 0,
		created_at TEXT,
		UNIQUE (group_id, tag_name)
	)`,
	`CREATE TABLE IF NOT EXISTS topic_tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL REFERENCES topics (topic_id),
		tag_id INTEGER NOT NULL REFERENCES tags (tag_id),
		created_at TEXT,
		UNIQUE (topic_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS topic_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic_id INTEGER NOT NULL REFERENCES topics (topic_id),
		file_id INTEGER NOT NULL,
		name TEXT,
		hash TEXT,
		size INTEGER,
		duration INTEGER,
		download_count INTEGER,
		create_time TEXT,
		created_at TEXT,
		UNIQUE (topic_id, file_id)
	)`,
}

// derivedTables lists every table keyed by topic_id in deletion order.
var derivedTables = []string{
	"user_liked_emojis",
	"like_emojis",
	"likes",
	"images",
	"comments",
	"answers",
	"questions",
	"articles",
	"talks",
	"topic_files",
	"topic_tags",
}

// statsTables are reported by Stats.
var statsTables = []string{
	"groups", "users", "topics", "talks", "articles", "images",
	"likes", "like_emojis", "user_liked_emojis", "comments",
	"questions", "answers", "tags", "topic_tags", "topic_files",
}

var fileSchema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		file_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		hash TEXT,
		size INTEGER,
		duration INTEGER,
		download_count INTEGER,
		create_time TEXT,
		imported_at TEXT,
		download_status TEXT NOT NULL DEFAULT 'pending',
		local_path TEXT,
		download_time TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_status ON files (download_status)`,
	`CREATE TABLE IF NOT EXISTS file_topic_relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files (file_id),
		topic_id INTEGER NOT NULL,
		created_at TEXT,
		UNIQUE (file_id, topic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_time TEXT NOT NULL,
		end_time TEXT,
		total_files INTEGER DEFAULT 0,
		new_files INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running'
	)`,
}

var accountSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		cookie TEXT NOT NULL,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_bindings (
		group_id INTEGER PRIMARY KEY,
		account_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS account_self (
		account_id TEXT PRIMARY KEY,
		uid TEXT,
		name TEXT,
		avatar_url TEXT,
		location TEXT,
		user_sid TEXT,
		grade TEXT,
		raw_json TEXT,
		updated_at TEXT NOT NULL
	)`,
}
