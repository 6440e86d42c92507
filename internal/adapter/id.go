package adapter

import "github.com/google/uuid"

// newConversationID generates an opaque conversation id when the caller
// does not supply one to StartConversation (spec §4.6: "[id]" optional).
func newConversationID() string {
	return uuid.NewString()
}
