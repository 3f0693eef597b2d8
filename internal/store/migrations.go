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

CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	remote_search INTEGER NOT NULL DEFAULT 0 CHECK(remote_search IN (0, 1)),
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	account_id    TEXT NOT NULL,
	folder        TEXT NOT NULL,
	uid           TEXT NOT NULL,
	raw           BLOB NOT NULL,
	flags         TEXT NOT NULL DEFAULT '[]',
	internal_date DATETIME NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, folder, uid)
);

CREATE TABLE IF NOT EXISTS pending_commands (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_account_folder ON messages(account_id, folder);
CREATE INDEX IF NOT EXISTS idx_pending_commands_account ON pending_commands(account_id, seq);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS e3_keys (
	key_id      TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	armored     TEXT NOT NULL,
	private     INTEGER NOT NULL DEFAULT 0 CHECK(private IN (0, 1)),
	confirmed   INTEGER NOT NULL DEFAULT 0 CHECK(confirmed IN (0, 1)),
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_e3_keys_private ON e3_keys(private);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
