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

CREATE TABLE IF NOT EXISTS config (
	keyname TEXT PRIMARY KEY,
	value   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS contacts (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	name    TEXT NOT NULL DEFAULT '',
	addr    TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
	origin  INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0 CHECK(blocked IN (0, 1))
);

CREATE TABLE IF NOT EXISTS chats (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	type    INTEGER NOT NULL DEFAULT 0,
	name    TEXT NOT NULL DEFAULT '',
	grpid   TEXT NOT NULL DEFAULT '',
	blocked INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chats_contacts (
	chat_id    INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	PRIMARY KEY (chat_id, contact_id)
);

CREATE TABLE IF NOT EXISTS msgs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	rfc724_mid    TEXT NOT NULL DEFAULT '',
	chat_id       INTEGER NOT NULL DEFAULT 0,
	from_id       INTEGER NOT NULL DEFAULT 0,
	to_id         INTEGER NOT NULL DEFAULT 0,
	txt           TEXT NOT NULL DEFAULT '',
	hidden        INTEGER NOT NULL DEFAULT 0,
	state         INTEGER NOT NULL DEFAULT 0,
	param         TEXT NOT NULL DEFAULT '{}',
	server_folder TEXT NOT NULL DEFAULT '',
	server_uid    INTEGER NOT NULL DEFAULT 0,
	timestamp     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	added_timestamp   INTEGER NOT NULL,
	desired_timestamp INTEGER NOT NULL DEFAULT 0,
	thread            INTEGER NOT NULL,
	action            INTEGER NOT NULL,
	foreign_id        INTEGER NOT NULL DEFAULT 0,
	param             TEXT NOT NULL DEFAULT '{}',
	tries             INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_addr ON contacts(addr);
CREATE INDEX IF NOT EXISTS idx_chats_grpid ON chats(grpid);
CREATE INDEX IF NOT EXISTS idx_chats_contacts_contact ON chats_contacts(contact_id);
CREATE INDEX IF NOT EXISTS idx_msgs_chat_id ON msgs(chat_id);
CREATE INDEX IF NOT EXISTS idx_msgs_rfc724_mid ON msgs(rfc724_mid);
CREATE INDEX IF NOT EXISTS idx_jobs_thread ON jobs(thread, desired_timestamp);

-- Reserve the special ids so real rows start above them.
INSERT INTO contacts (id, addr) VALUES
	(1, 'self'), (2, 'info'), (3, 'reserved-3'), (4, 'reserved-4'), (5, 'device'),
	(6, 'reserved-6'), (7, 'reserved-7'), (8, 'reserved-8'), (9, 'reserved-9');
INSERT INTO chats (id, name) VALUES
	(1, 'reserved-1'), (2, 'reserved-2'), (3, 'trash'), (4, 'reserved-4'), (5, 'reserved-5'),
	(6, 'reserved-6'), (7, 'reserved-7'), (8, 'reserved-8'), (9, 'reserved-9');

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS acpeerstates (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	addr                     TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
	last_seen                INTEGER NOT NULL DEFAULT 0,
	last_seen_autocrypt      INTEGER NOT NULL DEFAULT 0,
	prefer_encrypted         INTEGER NOT NULL DEFAULT 0,
	public_key               BLOB,
	public_key_fingerprint   TEXT NOT NULL DEFAULT '',
	gossip_timestamp         INTEGER NOT NULL DEFAULT 0,
	gossip_key               BLOB,
	gossip_key_fingerprint   TEXT NOT NULL DEFAULT '',
	verified_key             BLOB,
	verified_key_fingerprint TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_acpeerstates_addr ON acpeerstates(addr);
CREATE INDEX IF NOT EXISTS idx_acpeerstates_public_fp ON acpeerstates(public_key_fingerprint);
CREATE INDEX IF NOT EXISTS idx_acpeerstates_gossip_fp ON acpeerstates(gossip_key_fingerprint);
CREATE INDEX IF NOT EXISTS idx_acpeerstates_verified_fp ON acpeerstates(verified_key_fingerprint);

CREATE TABLE IF NOT EXISTS keypairs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	addr        TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
	is_default  INTEGER NOT NULL DEFAULT 0,
	private_key BLOB NOT NULL,
	created     INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS tokens (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	namespc    INTEGER NOT NULL DEFAULT 0,
	foreign_id INTEGER NOT NULL DEFAULT 0,
	token      TEXT NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tokens_lookup ON tokens(namespc, foreign_id);
CREATE INDEX IF NOT EXISTS idx_tokens_token ON tokens(namespc, token);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
