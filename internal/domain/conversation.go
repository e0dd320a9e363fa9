package domain

import "errors"

// ErrHistoryFull is returned when a conversation cannot grow any further.
// It is permanent: retrying the same append will fail the same way.
var ErrHistoryFull = errors.New("conversation history is full")

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the fixed message roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single persisted conversation turn. Timestamp is in
// milliseconds since the Unix epoch and is assigned by the store.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// History is the ordered, append-only message sequence of one conversation.
type History []Message

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	out := make(History, len(h))
	copy(out, h)
	return out
}

// ChatMessage is the provider-agnostic chat message shape sent to the
// answer generator.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
