// Package store implements the Persistence Store (spec §4.5): durable
// transcripts, checkpoints, and thread records behind a single interface,
// with an in-memory implementation for tests and a modernc.org/sqlite-
// backed implementation for real deployments — the same in-memory/SQL
// pairing the teacher uses for sessions (internal/sessions/cockroach.go,
// internal/nodes/memory_store.go) and cron execution history
// (internal/cron/execution_store.go).
package store

import (
	"context"

	"github.com/agentlab/loom/pkg/models"
)

// Store is the full Persistence Store surface (spec §4.5). internal/state
// only depends on the narrower TranscriptAppender slice of this interface.
type Store interface {
	AppendTranscript(ctx context.Context, threadID string, entry models.TranscriptEntry) error
	ReadTranscript(ctx context.Context, threadID string, limit int) ([]models.TranscriptEntry, error)

	SaveCheckpoint(ctx context.Context, threadID string, snap models.CheckpointSnapshot) error
	LoadCheckpoint(ctx context.Context, threadID string) (models.CheckpointSnapshot, bool, error)

	CreateThread(ctx context.Context, thread models.Thread) error
	ListThreads(ctx context.Context, tagFilter map[string]string) ([]models.Thread, error)
}
