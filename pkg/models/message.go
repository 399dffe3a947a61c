package models

// Roles accepted for a message. Anything else is rejected at validation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MetaClientID is the metadata key clients use to carry their provisional
// id so a server confirmation can be correlated back to the pending entry.
const MetaClientID = "client_id"

type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	// AgentName identifies which agent produced an assistant message
	AgentName string `json:"agent_name,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	// TS is the persistence timestamp (ns), non-decreasing within a session
	TS int64 `json:"ts"`
	// Meta is an opaque key/value map carried through untouched
	Meta map[string]string `json:"meta,omitempty"`
}

// ValidRole reports whether role is one of the three allowed values.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
