package sqlite

// Schema defines the SQLite schema for memory records.
//
// Records are keyed by (namespace, id) so namespaces are isolated at the
// storage level. Structured fields (entities, keywords, consolidation
// history, relationship lists, additional metadata) are stored as JSON text.
//
// The memories_fts virtual table provides FTS5 full-text search over content
// and summary; triggers keep it in sync with the memories table.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	content TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	importance TEXT NOT NULL DEFAULT '',
	classification_reason TEXT NOT NULL DEFAULT '',
	confidence_score REAL NOT NULL DEFAULT 0,
	entities TEXT,
	keywords TEXT,
	is_duplicate INTEGER NOT NULL DEFAULT 0,
	duplicate_of TEXT NOT NULL DEFAULT '',
	is_consolidated INTEGER NOT NULL DEFAULT 0,
	consolidated_into TEXT NOT NULL DEFAULT '',
	consolidation_history TEXT,
	last_consolidated_at TIMESTAMP,
	general_relationships TEXT,
	superseding_relationships TEXT,
	processing_state TEXT NOT NULL DEFAULT 'pending',
	additional TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(namespace, id)
);

CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(namespace, processing_state);
CREATE INDEX IF NOT EXISTS idx_memories_consolidated ON memories(namespace, is_consolidated);
CREATE INDEX IF NOT EXISTS idx_memories_classification ON memories(namespace, classification);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	summary,
	content='memories',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content, summary)
	VALUES (new.rowid, new.content, new.summary);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, summary)
	VALUES ('delete', old.rowid, old.content, old.summary);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, summary)
	VALUES ('delete', old.rowid, old.content, old.summary);
	INSERT INTO memories_fts(rowid, content, summary)
	VALUES (new.rowid, new.content, new.summary);
END;
`
