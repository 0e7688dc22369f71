package postgres

// Schema defines the PostgreSQL schema for memory records. All statements
// are idempotent so the schema can be applied on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	content TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	importance TEXT NOT NULL DEFAULT '',
	classification_reason TEXT NOT NULL DEFAULT '',
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	entities JSONB,
	keywords JSONB,
	is_duplicate BOOLEAN NOT NULL DEFAULT FALSE,
	duplicate_of TEXT NOT NULL DEFAULT '',
	is_consolidated BOOLEAN NOT NULL DEFAULT FALSE,
	consolidated_into TEXT NOT NULL DEFAULT '',
	consolidation_history JSONB,
	last_consolidated_at TIMESTAMPTZ,
	general_relationships JSONB,
	superseding_relationships JSONB,
	processing_state TEXT NOT NULL DEFAULT 'pending',
	additional JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, id)
);

CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(namespace, processing_state);
CREATE INDEX IF NOT EXISTS idx_memories_consolidated ON memories(namespace, is_consolidated);
CREATE INDEX IF NOT EXISTS idx_memories_classification ON memories(namespace, classification);
`

// MigrationFTS adds the generated tsvector column and GIN index used by
// lexical similarity search.
const MigrationFTS = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS search_tsv tsvector
	GENERATED ALWAYS AS (to_tsvector('english', content || ' ' || summary)) STORED;

CREATE INDEX IF NOT EXISTS idx_memories_search_tsv ON memories USING GIN (search_tsv);
`

// MigrationPgvector adds the optional embedding column. Applied only when
// the pgvector extension is installed on the server.
const MigrationPgvector = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding vector(768);

CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
	USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
