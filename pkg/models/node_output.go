package models

// NodeOutput is produced by a single node turn and consumed by the Engine to
// update State and emit events (spec §3).
type NodeOutput struct {
	// Role is the producing node's role.
	Role Role `json:"role"`

	// Content is the turn's content; must be non-nil for a valid output.
	Content any `json:"content"`

	// Metadata carries citations, tool traces, and other annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Actions carries the parsed moderator action record when Role is
	// RoleModerator; nil otherwise.
	Actions *ModeratorAction `json:"actions,omitempty"`

	// Skipped marks a turn that produced no content and should not be
	// persisted as a regular transcript entry (e.g. an empty user queue).
	Skipped bool `json:"skipped,omitempty"`
}

// ContentString returns the content as a string, coercing non-string
// content via a best-effort conversion used only for prompt composition.
func (o NodeOutput) ContentString() string {
	switch v := o.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmtStringer:
		return v.String()
	default:
		return ""
	}
}

type fmtStringer interface {
	String() string
}
