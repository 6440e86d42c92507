package models

import "time"

// EventType identifies the kind of lifecycle or turn event emitted by the
// Conversation Engine (spec §4.4 Event model).
type EventType string

const (
	EventProviderResult   EventType = "provider_result"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventToolError        EventType = "tool_error"
	EventNodeSkipped      EventType = "node_skipped"
	EventIterationDone    EventType = "iteration_complete"
	EventModeratorAction  EventType = "moderator_action"
	EventRunComplete      EventType = "run_complete"
	EventError            EventType = "error"
	EventUserMessage      EventType = "user_message"
	EventHeartbeat        EventType = "heartbeat"
)

// Event is the payload emitted to adapter consumers (spec §6 Event payload).
type Event struct {
	ConversationID string         `json:"conversation_id"`
	Type           EventType      `json:"event_type"`
	Content        any            `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Iteration      int            `json:"iteration"`
	AgentID        string         `json:"agent_id,omitempty"`
	Role           Role           `json:"role,omitempty"`
}
