package node

import (
	"context"

	"github.com/agentlab/loom/internal/state"
	"github.com/agentlab/loom/pkg/models"
)

// User emits the next queued user message, or a skipped empty turn if the
// queue is empty (spec §4.2 User node; grounded on original_source's
// runtime/nodes/user.py, which the teacher's Node interface shape in
// internal/nodes/types.go mirrors for API parity with the other variants).
type User struct {
	id string
}

// NewUser creates a User node bound to the given user-node id, the key its
// queued messages are filed under (spec §4.1 pop_user_input/push_user_input).
func NewUser(id string) *User {
	return &User{id: id}
}

func (u *User) ID() string          { return u.id }
func (u *User) Role() models.Role   { return models.RoleUser }

// Execute pops the next queued message for this node's id. An empty queue
// produces a Skipped output rather than an error; the Engine is responsible
// for turning that into a node_skipped event and omitting a transcript
// entry (spec §4.2, §8 boundary behavior).
func (u *User) Execute(_ context.Context, st *state.State) (models.NodeOutput, error) {
	content, _, ok := st.PopUserInput(u.id)
	if !ok {
		return models.NodeOutput{Role: models.RoleUser, Content: "", Skipped: true}, nil
	}
	return models.NodeOutput{Role: models.RoleUser, Content: content}, nil
}
