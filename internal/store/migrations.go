package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// Timestamps are stored as INTEGER unix milliseconds so ordering is exact.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id           TEXT PRIMARY KEY,
	subject      TEXT NOT NULL DEFAULT '',
	snippet      TEXT NOT NULL DEFAULT '',
	last_date    INTEGER NOT NULL DEFAULT 0,
	labels       TEXT NOT NULL DEFAULT '[]',
	unread       INTEGER NOT NULL DEFAULT 0 CHECK(unread IN (0, 1)),
	from_addr    TEXT NOT NULL DEFAULT '',
	participants TEXT NOT NULL DEFAULT '[]',
	nudge        TEXT CHECK(nudge IN ('follow_up', 'reply')),
	cached_at    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	from_addr   TEXT NOT NULL DEFAULT '',
	from_name   TEXT NOT NULL DEFAULT '',
	to_addrs    TEXT NOT NULL DEFAULT '[]',
	cc_addrs    TEXT NOT NULL DEFAULT '[]',
	subject     TEXT NOT NULL DEFAULT '',
	snippet     TEXT NOT NULL DEFAULT '',
	body_html   BLOB,
	body_text   TEXT NOT NULL DEFAULT '',
	has_body    INTEGER NOT NULL DEFAULT 0 CHECK(has_body IN (0, 1)),
	date        INTEGER NOT NULL DEFAULT 0,
	labels      TEXT NOT NULL DEFAULT '[]',
	unread      INTEGER NOT NULL DEFAULT 0 CHECK(unread IN (0, 1)),
	attachments TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_threads_last_date ON threads(last_date);
CREATE INDEX IF NOT EXISTS idx_threads_cached_at ON threads(cached_at);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_has_body ON messages(thread_id, has_body);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	message_id UNINDEXED,
	thread_id UNINDEXED,
	subject,
	body,
	from_addr,
	to_addrs
);

CREATE TABLE IF NOT EXISTS sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS contacts (
	address   TEXT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	frequency INTEGER NOT NULL DEFAULT 0,
	last_used INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_contacts_frequency ON contacts(frequency);

CREATE TABLE IF NOT EXISTS snoozed (
	thread_id       TEXT PRIMARY KEY,
	wake_at         INTEGER NOT NULL,
	original_labels TEXT NOT NULL DEFAULT '[]',
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snoozed_wake_at ON snoozed(wake_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS pending_actions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	type       TEXT NOT NULL,
	thread_id  TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'synced', 'failed')),
	error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pending_actions_status ON pending_actions(status);
CREATE INDEX IF NOT EXISTS idx_pending_actions_thread ON pending_actions(thread_id, status);

CREATE TABLE IF NOT EXISTS outbox (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'sending', 'sent', 'failed')),
	error      TEXT NOT NULL DEFAULT '',
	sent_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
