package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	source_type            TEXT NOT NULL DEFAULT 'email',
	identifier             TEXT NOT NULL,
	display_name           TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'active', 'paused', 'rejected')),
	extraction_strategy_id TEXT NOT NULL DEFAULT 'generic',
	last_signal_at         DATETIME,
	activated_at           DATETIME,
	created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, source_type, identifier)
);

CREATE TABLE IF NOT EXISTS signals (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	signal_type       TEXT NOT NULL DEFAULT 'email',
	raw_content       TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	source_identifier TEXT NOT NULL DEFAULT '',
	source_id         TEXT REFERENCES sources(id) ON DELETE SET NULL,
	source_url        TEXT NOT NULL DEFAULT '',
	received_date     DATETIME NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'processed', 'failed')),
	error_message     TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	message_id        TEXT NOT NULL,
	from_name         TEXT NOT NULL DEFAULT '',
	has_attachments   INTEGER NOT NULL DEFAULT 0 CHECK(has_attachments IN (0, 1)),
	to_addrs          TEXT NOT NULL DEFAULT '[]',
	cc_addrs          TEXT NOT NULL DEFAULT '[]',
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, message_id)
);

CREATE TABLE IF NOT EXISTS nuggets (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	signal_id          TEXT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
	title              TEXT NOT NULL,
	content            TEXT NOT NULL DEFAULT '',
	link               TEXT NOT NULL DEFAULT '',
	source_label       TEXT NOT NULL DEFAULT '',
	published_date     DATETIME,
	relevancy_score    INTEGER NOT NULL DEFAULT 0
		CHECK(relevancy_score BETWEEN 0 AND 100),
	topic              TEXT NOT NULL DEFAULT '',
	tags               TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'unread'
		CHECK(status IN ('unread', 'saved', 'archived')),
	is_read            INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	is_archived        INTEGER NOT NULL DEFAULT 0 CHECK(is_archived IN (0, 1)),
	duplicate_group_id TEXT,
	is_primary         INTEGER NOT NULL DEFAULT 0 CHECK(is_primary IN (0, 1)),
	user_notes         TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sources_user_status ON sources(user_id, status);
CREATE INDEX IF NOT EXISTS idx_signals_user_status ON signals(user_id, status);
CREATE INDEX IF NOT EXISTS idx_signals_source_id ON signals(source_id);
CREATE INDEX IF NOT EXISTS idx_nuggets_signal_id ON nuggets(signal_id);
CREATE INDEX IF NOT EXISTS idx_nuggets_user_status ON nuggets(user_id, status);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_signals_received_date
	ON signals(user_id, received_date);

CREATE INDEX IF NOT EXISTS idx_nuggets_topic
	ON nuggets(user_id, topic);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
