// Package models provides the domain types shared across the conversation
// engine and task scheduler: threads, transcript entries, node outputs,
// moderator actions, tool budgets, scheduled tasks, and listings.
package models

import "time"

// Thread identifies a single persistent conversation lifetime (spec §3).
type Thread struct {
	// ID is the opaque, unique thread identifier.
	ID string `json:"thread_id"`

	// PresetRef names the preset the thread was started from.
	PresetRef string `json:"preset_ref"`

	// CreatedAt is when the thread was first initialized.
	CreatedAt time.Time `json:"created_at"`

	// Tags is a free-form label set used only for list_threads filtering;
	// no engine semantics depend on it (SPEC_FULL.md §3 supplement).
	Tags map[string]string `json:"tags,omitempty"`
}

// Role identifies who produced a transcript entry or node output.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleModerator  Role = "moderator"
	RoleSummarizer Role = "summarizer"
	RoleUser       Role = "user"
	RoleSystem     Role = "system"
)

// TranscriptEntry is a single durable, append-only record of a turn.
type TranscriptEntry struct {
	// T is the monotonic creation timestamp; strictly increasing per thread.
	T time.Time `json:"t"`

	// Iter is the iteration this entry was produced in; non-decreasing.
	Iter int `json:"iter"`

	// AgentID identifies the node that produced this entry.
	AgentID string `json:"agent_id"`

	// Role is the producer's role.
	Role Role `json:"role"`

	// Content is the turn's output; string or structured content.
	Content any `json:"content"`

	// Metadata carries citations, tool traces, and other turn annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Rollback is set on synthetic rollback-marker entries appended when a
	// moderator rolls back n turns; it records how many entries were
	// removed from the live window at that point.
	Rollback int `json:"rollback,omitempty"`
}

// IsRollbackMarker reports whether this entry is a logical rollback marker
// rather than a regular turn.
func (e TranscriptEntry) IsRollbackMarker() bool {
	return e.Rollback > 0
}
