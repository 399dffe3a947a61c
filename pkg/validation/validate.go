package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"chatsync/pkg/models"
)

// Limits applied before anything touches the store.
const (
	MaxSessionIDLen = 128
	MaxContentLen   = 1 << 20 // 1MiB of text is already pathological
)

// ValidationError marks a request as malformed. Validation failures are
// rejected immediately and never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// ValidateSessionID checks the shape of a session id. The colon is the key
// delimiter in the store, so it can never appear in an id.
func ValidateSessionID(id string) error {
	if id == "" {
		return &ValidationError{Field: "session_id", Msg: "must not be empty"}
	}
	if len(id) > MaxSessionIDLen {
		return &ValidationError{Field: "session_id", Msg: fmt.Sprintf("longer than %d chars", MaxSessionIDLen)}
	}
	if strings.ContainsAny(id, ": \t\n") {
		return &ValidationError{Field: "session_id", Msg: "contains reserved characters"}
	}
	return nil
}

// ValidateRole checks role is one of user/assistant/system.
func ValidateRole(role string) error {
	if !models.ValidRole(role) {
		return &ValidationError{Field: "role", Msg: fmt.Sprintf("unknown role %q", role)}
	}
	return nil
}

// ValidateMessageInput checks the client-supplied parts of a message before
// persistence. Server-assigned fields (id, ts) are not the caller's concern.
func ValidateMessageInput(sessionID, role, content string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ValidateRole(role); err != nil {
		return err
	}
	if content == "" {
		return &ValidationError{Field: "content", Msg: "must not be empty"}
	}
	if len(content) > MaxContentLen {
		return &ValidationError{Field: "content", Msg: "too large"}
	}
	if !utf8.ValidString(content) {
		return &ValidationError{Field: "content", Msg: "not valid utf-8 text"}
	}
	return nil
}
