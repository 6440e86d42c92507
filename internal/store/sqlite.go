package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentlab/loom/pkg/models"
)

// SQLiteStore persists threads, transcripts, and checkpoints through
// modernc.org/sqlite, the pure-Go driver the wider example pool uses
// (grounded on the teacher's internal/sessions/cockroach.go connection and
// prepared-statement shape, adapted from Postgres placeholders to SQLite's
// positional "?").
type SQLiteStore struct {
	db *sql.DB

	stmtAppendTranscript *sql.Stmt
	stmtReadTranscript    *sql.Stmt
	stmtUpsertCheckpoint  *sql.Stmt
	stmtGetCheckpoint     *sql.Stmt
	stmtUpsertThread      *sql.Stmt
	stmtListThreads       *sql.Stmt
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path
// and ensures its schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			preset_ref TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			tags TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			t TIMESTAMP NOT NULL,
			iter INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			metadata TEXT,
			rollback INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (thread_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	if s.stmtAppendTranscript, err = s.db.Prepare(`
		INSERT INTO transcript_entries (thread_id, seq, t, iter, agent_id, role, content, metadata, rollback)
		VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_entries WHERE thread_id = ?), ?, ?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("prepare append transcript: %w", err)
	}
	if s.stmtReadTranscript, err = s.db.Prepare(`
		SELECT t, iter, agent_id, role, content, metadata, rollback
		FROM transcript_entries WHERE thread_id = ? ORDER BY seq ASC
	`); err != nil {
		return fmt.Errorf("prepare read transcript: %w", err)
	}
	if s.stmtUpsertCheckpoint, err = s.db.Prepare(`
		INSERT INTO checkpoints (thread_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`); err != nil {
		return fmt.Errorf("prepare upsert checkpoint: %w", err)
	}
	if s.stmtGetCheckpoint, err = s.db.Prepare(`
		SELECT snapshot FROM checkpoints WHERE thread_id = ?
	`); err != nil {
		return fmt.Errorf("prepare get checkpoint: %w", err)
	}
	if s.stmtUpsertThread, err = s.db.Prepare(`
		INSERT INTO threads (id, preset_ref, created_at, tags) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET preset_ref = excluded.preset_ref, tags = excluded.tags
	`); err != nil {
		return fmt.Errorf("prepare upsert thread: %w", err)
	}
	if s.stmtListThreads, err = s.db.Prepare(`
		SELECT id, preset_ref, created_at, tags FROM threads ORDER BY created_at ASC
	`); err != nil {
		return fmt.Errorf("prepare list threads: %w", err)
	}
	return nil
}

// Close releases the underlying database handle and prepared statements.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtAppendTranscript, s.stmtReadTranscript,
		s.stmtUpsertCheckpoint, s.stmtGetCheckpoint,
		s.stmtUpsertThread, s.stmtListThreads,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// AppendTranscript implements Store.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, threadID string, entry models.TranscriptEntry) error {
	content, err := json.Marshal(entry.Content)
	if err != nil {
		return fmt.Errorf("marshal transcript content: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transcript metadata: %w", err)
	}
	_, err = s.stmtAppendTranscript.ExecContext(ctx,
		threadID, threadID, entry.T, entry.Iter, entry.AgentID, string(entry.Role), string(content), string(metadata), entry.Rollback)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// ReadTranscript implements Store. limit<=0 returns the full transcript.
func (s *SQLiteStore) ReadTranscript(ctx context.Context, threadID string, limit int) ([]models.TranscriptEntry, error) {
	rows, err := s.stmtReadTranscript.QueryContext(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	defer rows.Close()

	var all []models.TranscriptEntry
	for rows.Next() {
		var (
			entry             models.TranscriptEntry
			role              string
			content, metadata string
		)
		if err := rows.Scan(&entry.T, &entry.Iter, &entry.AgentID, &role, &content, &metadata, &entry.Rollback); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		entry.Role = models.Role(role)
		if err := json.Unmarshal([]byte(content), &entry.Content); err != nil {
			return nil, fmt.Errorf("unmarshal transcript content: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal transcript metadata: %w", err)
			}
		}
		all = append(all, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// SaveCheckpoint implements Store.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, threadID string, snap models.CheckpointSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.stmtUpsertCheckpoint.ExecContext(ctx, threadID, string(data), snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, threadID string) (models.CheckpointSnapshot, bool, error) {
	var data string
	err := s.stmtGetCheckpoint.QueryRowContext(ctx, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return models.CheckpointSnapshot{}, false, nil
	}
	if err != nil {
		return models.CheckpointSnapshot{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var snap models.CheckpointSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return models.CheckpointSnapshot{}, false, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return snap, true, nil
}

// CreateThread implements Store.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread models.Thread) error {
	tags, err := json.Marshal(thread.Tags)
	if err != nil {
		return fmt.Errorf("marshal thread tags: %w", err)
	}
	_, err = s.stmtUpsertThread.ExecContext(ctx, thread.ID, thread.PresetRef, thread.CreatedAt, string(tags))
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// ListThreads implements Store.
func (s *SQLiteStore) ListThreads(ctx context.Context, tagFilter map[string]string) ([]models.Thread, error) {
	rows, err := s.stmtListThreads.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []models.Thread
	for rows.Next() {
		var (
			thread models.Thread
			tags   string
		)
		if err := rows.Scan(&thread.ID, &thread.PresetRef, &thread.CreatedAt, &tags); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		if tags != "" && tags != "null" {
			if err := json.Unmarshal([]byte(tags), &thread.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal thread tags: %w", err)
			}
		}
		if matchesTags(thread.Tags, tagFilter) {
			out = append(out, thread)
		}
	}
	return out, rows.Err()
}
