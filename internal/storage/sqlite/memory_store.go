package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// MemoryStore implements storage.MemoryRepository using SQLite.
type MemoryStore struct {
	db *sql.DB
}

var _ storage.MemoryRepository = (*MemoryStore)(nil)

// NewMemoryStore opens a SQLite database, configures WAL mode, and creates
// the schema. Use ":memory:" for an in-memory store in tests.
func NewMemoryStore(dsn string) (*MemoryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode allows concurrent readers to proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Busy timeout makes callers wait instead of getting an immediate
	// SQLITE_BUSY error while the connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &MemoryStore{db: db}, nil
}

// GetDB exposes the underlying connection for callers that need raw access
// (the FTS search provider shares it).
func (s *MemoryStore) GetDB() *sql.DB {
	return s.db
}

const memoryColumns = `id, namespace, content, summary, topic,
	classification, importance, classification_reason, confidence_score,
	entities, keywords,
	is_duplicate, duplicate_of, is_consolidated, consolidated_into,
	consolidation_history, last_consolidated_at,
	general_relationships, superseding_relationships,
	processing_state, additional, created_at, updated_at`

// Store creates or updates a memory record (upsert semantics).
func (s *MemoryStore) Store(ctx context.Context, record *types.MemoryRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	applyDefaults(record)

	args, err := recordArgs(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, upsertSQL, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store memory %s: %w", record.ID, err)
	}

	return nil
}

const upsertSQL = `
	INSERT INTO memories (` + memoryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(namespace, id) DO UPDATE SET
		content = excluded.content,
		summary = excluded.summary,
		topic = excluded.topic,
		classification = excluded.classification,
		importance = excluded.importance,
		classification_reason = excluded.classification_reason,
		confidence_score = excluded.confidence_score,
		entities = excluded.entities,
		keywords = excluded.keywords,
		is_duplicate = excluded.is_duplicate,
		duplicate_of = excluded.duplicate_of,
		is_consolidated = excluded.is_consolidated,
		consolidated_into = excluded.consolidated_into,
		consolidation_history = excluded.consolidation_history,
		last_consolidated_at = excluded.last_consolidated_at,
		general_relationships = excluded.general_relationships,
		superseding_relationships = excluded.superseding_relationships,
		processing_state = excluded.processing_state,
		additional = excluded.additional,
		updated_at = excluded.updated_at
`

// Get retrieves a record by namespace and ID.
func (s *MemoryStore) Get(ctx context.Context, namespace, id string) (*types.MemoryRecord, error) {
	namespace = types.NormalizeNamespace(namespace)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE namespace = ? AND id = ?`,
		namespace, id)

	record, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s in namespace %s", storage.ErrNotFound, id, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get memory %s: %w", id, err)
	}

	return record, nil
}

// List scans records in a namespace with filtering and pagination.
func (s *MemoryStore) List(ctx context.Context, opts storage.ListOptions) ([]types.MemoryRecord, error) {
	opts.Normalize()

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE namespace = ?`
	args := []any{opts.Namespace}

	if opts.Classification != "" {
		query += ` AND classification = ?`
		args = append(args, string(opts.Classification))
	}
	if opts.State != "" {
		query += ` AND processing_state = ?`
		args = append(args, string(opts.State))
	}
	if opts.ExcludeConsolidated {
		query += ` AND consolidated_into = ''`
	}
	if opts.OnlyDuplicates {
		query += ` AND is_duplicate = 1`
	}

	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// Update modifies an existing record.
func (s *MemoryStore) Update(ctx context.Context, record *types.MemoryRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	// Ensure the record exists before upserting so callers get ErrNotFound
	// instead of a silent create.
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memories WHERE namespace = ? AND id = ?`,
		record.Namespace, record.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: memory %s in namespace %s", storage.ErrNotFound, record.ID, record.Namespace)
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to check memory %s: %w", record.ID, err)
	}

	record.UpdatedAt = time.Now()
	return s.Store(ctx, record)
}

// Count returns the number of records in a namespace matching the filter.
func (s *MemoryStore) Count(ctx context.Context, namespace string, filter storage.CountFilter) (int, error) {
	namespace = types.NormalizeNamespace(namespace)

	query := `SELECT COUNT(*) FROM memories WHERE namespace = ?`
	args := []any{namespace}

	if filter.Classification != "" {
		query += ` AND classification = ?`
		args = append(args, string(filter.Classification))
	}
	if filter.OnlyDuplicates {
		query += ` AND is_duplicate = 1`
	}
	if filter.OnlyConsolidated {
		query += ` AND consolidated_into != ''`
	}
	if filter.EligibleOnly {
		query += ` AND consolidated_into = '' AND processing_state != 'archived'`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count memories: %w", err)
	}

	return count, nil
}

// WithTx executes fn as a single atomic transaction with a timeout budget.
// On fn error or timeout everything is rolled back.
func (s *MemoryStore) WithTx(ctx context.Context, namespace string, timeout time.Duration, fn func(tx storage.Tx) error) error {
	namespace = types.NormalizeNamespace(namespace)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}

	tx := &memoryTx{ctx: txCtx, tx: sqlTx, namespace: namespace}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		if errors.Is(txCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", storage.ErrTxTimeout, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if errors.Is(txCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: commit: %v", storage.ErrTxTimeout, err)
		}
		return fmt.Errorf("sqlite: failed to commit transaction: %w", err)
	}

	return nil
}

// Close releases the database connection.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}

// memoryTx implements storage.Tx over a *sql.Tx scoped to one namespace.
type memoryTx struct {
	ctx       context.Context
	tx        *sql.Tx
	namespace string
}

func (t *memoryTx) Get(id string) (*types.MemoryRecord, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE namespace = ? AND id = ?`,
		t.namespace, id)

	record, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s in namespace %s", storage.ErrNotFound, id, t.namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: tx get %s: %w", id, err)
	}

	return record, nil
}

func (t *memoryTx) Put(record *types.MemoryRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if record.Namespace != t.namespace {
		return fmt.Errorf("%w: record namespace %q does not match transaction namespace %q",
			storage.ErrInvalidInput, record.Namespace, t.namespace)
	}

	applyDefaults(record)
	record.UpdatedAt = time.Now()

	args, err := recordArgs(record)
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(t.ctx, upsertSQL, args...); err != nil {
		return fmt.Errorf("sqlite: tx put %s: %w", record.ID, err)
	}

	return nil
}

func validateRecord(record *types.MemoryRecord) error {
	if record == nil {
		return storage.ErrInvalidInput
	}
	if record.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if record.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	record.Namespace = types.NormalizeNamespace(record.Namespace)
	return nil
}

func applyDefaults(record *types.MemoryRecord) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	if record.ProcessingState == "" {
		record.ProcessingState = types.StatePending
	}
}

// recordArgs marshals a record into the positional args for upsertSQL.
func recordArgs(record *types.MemoryRecord) ([]any, error) {
	entitiesJSON, err := marshalJSON(record.Entities)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal entities: %w", err)
	}
	keywordsJSON, err := marshalJSON(record.Keywords)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal keywords: %w", err)
	}
	historyJSON, err := marshalJSON(record.ConsolidationHistory)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal consolidation history: %w", err)
	}
	generalJSON, err := marshalJSON(record.GeneralRelationships)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal general relationships: %w", err)
	}
	supersedingJSON, err := marshalJSON(record.SupersedingRelationships)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal superseding relationships: %w", err)
	}
	additionalJSON, err := marshalJSON(record.Additional)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal additional metadata: %w", err)
	}

	var lastConsolidated any
	if record.LastConsolidatedAt != nil {
		lastConsolidated = record.LastConsolidatedAt.UTC()
	}

	return []any{
		record.ID, record.Namespace, record.Content, record.Summary, record.Topic,
		string(record.Classification), string(record.Importance),
		record.ClassificationReason, record.ConfidenceScore,
		entitiesJSON, keywordsJSON,
		boolToInt(record.IsDuplicate), record.DuplicateOf,
		boolToInt(record.IsConsolidated), record.ConsolidatedInto,
		historyJSON, lastConsolidated,
		generalJSON, supersedingJSON,
		string(record.ProcessingState), additionalJSON,
		record.CreatedAt.UTC(), record.UpdatedAt.UTC(),
	}, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.MemoryRecord, error) {
	var (
		record                                       types.MemoryRecord
		classification, importance, state            string
		entitiesJSON, keywordsJSON, historyJSON      sql.NullString
		generalJSON, supersedingJSON, additionalJSON sql.NullString
		isDuplicate, isConsolidated                  int
		lastConsolidated                             sql.NullTime
	)

	err := row.Scan(
		&record.ID, &record.Namespace, &record.Content, &record.Summary, &record.Topic,
		&classification, &importance, &record.ClassificationReason, &record.ConfidenceScore,
		&entitiesJSON, &keywordsJSON,
		&isDuplicate, &record.DuplicateOf,
		&isConsolidated, &record.ConsolidatedInto,
		&historyJSON, &lastConsolidated,
		&generalJSON, &supersedingJSON,
		&state, &additionalJSON,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Classification = types.Classification(classification)
	record.Importance = types.Importance(importance)
	record.ProcessingState = types.ProcessingState(state)
	record.IsDuplicate = isDuplicate != 0
	record.IsConsolidated = isConsolidated != 0

	if lastConsolidated.Valid {
		t := lastConsolidated.Time
		record.LastConsolidatedAt = &t
	}

	if err := unmarshalJSON(entitiesJSON, &record.Entities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entities: %w", err)
	}
	if err := unmarshalJSON(keywordsJSON, &record.Keywords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keywords: %w", err)
	}
	if err := unmarshalJSON(historyJSON, &record.ConsolidationHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consolidation history: %w", err)
	}
	if err := unmarshalJSON(generalJSON, &record.GeneralRelationships); err != nil {
		return nil, fmt.Errorf("failed to unmarshal general relationships: %w", err)
	}
	if err := unmarshalJSON(supersedingJSON, &record.SupersedingRelationships); err != nil {
		return nil, fmt.Errorf("failed to unmarshal superseding relationships: %w", err)
	}
	if err := unmarshalJSON(additionalJSON, &record.Additional); err != nil {
		return nil, fmt.Errorf("failed to unmarshal additional metadata: %w", err)
	}

	return &record, nil
}

func scanMemories(rows *sql.Rows) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	for rows.Next() {
		record, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}
	return records, nil
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON[T any](src sql.NullString, dst *T) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
