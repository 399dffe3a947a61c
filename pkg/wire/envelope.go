// Package wire defines the envelope types exchanged on a session's duplex
// channel. Every frame is a JSON object with a "type" discriminator; fields
// not relevant to that type are omitted.
package wire

import (
	"encoding/json"
	"fmt"

	"chatsync/pkg/models"
)

// Envelope type discriminators.
const (
	TypeMessage        = "message"
	TypeHistoryRequest = "history_request"
	TypeHistory        = "history"
	TypeSyncRequest    = "sync_request"
	TypeSyncResponse   = "sync_response"
	TypeHeartbeat      = "heartbeat"
)

// DefaultHistoryLimit is used for history_request frames that omit a limit
// and for the sync_request fallback when the anchor id is unknown.
const DefaultHistoryLimit = 50

// Envelope is the single frame shape on the channel. Which fields are
// meaningful depends on Type.
type Envelope struct {
	Type string `json:"type"`

	// message (client→server carries role/content; server echo adds id/ts)
	ID        string            `json:"id,omitempty"`
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	AgentName string            `json:"agent_name,omitempty"`
	TS        int64             `json:"ts,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`

	// history_request / sync_request
	Limit         int    `json:"limit,omitempty"`
	LastMessageID string `json:"last_message_id,omitempty"`

	// history / sync_response
	Messages []models.Message `json:"messages,omitempty"`
}

// Decode parses a raw frame and checks the discriminator is present and
// known. Callers treat an error as a protocol error: log and ignore.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope json: %w", err)
	}
	switch env.Type {
	case TypeMessage, TypeHistoryRequest, TypeHistory, TypeSyncRequest, TypeSyncResponse, TypeHeartbeat:
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("envelope missing type")
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

// Confirmation builds the server echo frame for a persisted message.
func Confirmation(m models.Message) Envelope {
	return Envelope{
		Type:      TypeMessage,
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		AgentName: m.AgentName,
		TS:        m.TS,
		Meta:      m.Meta,
	}
}

// AsMessage converts a message envelope back into the model form.
func (e Envelope) AsMessage(sessionID string) models.Message {
	return models.Message{
		ID:        e.ID,
		SessionID: sessionID,
		Role:      e.Role,
		Content:   e.Content,
		AgentName: e.AgentName,
		TS:        e.TS,
		Meta:      e.Meta,
	}
}
