package cold

// Schema is the archive database layout. archive holds the current record per
// id; archive_log is append-only and never rewritten.
const Schema = `
CREATE TABLE IF NOT EXISTS archive (
    id               TEXT PRIMARY KEY,
    content          TEXT NOT NULL,
    category         TEXT NOT NULL,
    tags             TEXT NOT NULL DEFAULT '[]',
    importance       REAL NOT NULL,
    confidence       REAL NOT NULL DEFAULT 0,
    tier             TEXT NOT NULL,
    embedding_model  TEXT NOT NULL DEFAULT '',
    source_span      TEXT,
    access_count     INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    last_accessed_at TEXT NOT NULL,
    archived_at      TEXT NOT NULL,
    cycle            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archive_tier ON archive(tier);
CREATE INDEX IF NOT EXISTS idx_archive_order ON archive(archived_at, id);

CREATE TABLE IF NOT EXISTS archive_log (
    seq       INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle     INTEGER NOT NULL,
    id        TEXT NOT NULL,
    op        TEXT NOT NULL,
    payload   TEXT NOT NULL,
    logged_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_archive_log_id ON archive_log(id);

CREATE TABLE IF NOT EXISTS archive_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO archive_meta(key, value) VALUES ('cycle', '0');

CREATE VIRTUAL TABLE IF NOT EXISTS archive_fts USING fts5(
    content,
    content='archive',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS archive_ai AFTER INSERT ON archive BEGIN
    INSERT INTO archive_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS archive_ad AFTER DELETE ON archive BEGIN
    INSERT INTO archive_fts(archive_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS archive_au AFTER UPDATE OF content ON archive BEGIN
    INSERT INTO archive_fts(archive_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
    INSERT INTO archive_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`
