package models

// PreviewMaxLen is the truncation point for session previews.
const PreviewMaxLen = 100

type Session struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// UserID is an opaque identity id (clients manage meaning); default empty
	UserID string `json:"user_id,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// LastMessageTS is updated by successful user/assistant appends (ns)
	LastMessageTS int64 `json:"last_message_ts,omitempty"`
	// Preview is the latest user/assistant content, truncated
	Preview string `json:"preview,omitempty"`
	// Active is false for soft-deleted sessions; rows are never removed
	Active bool `json:"active"`
	// DeletedTS records the soft-delete time (ns), zero while active
	DeletedTS int64 `json:"deleted_ts,omitempty"`
}

// TruncatePreview shortens content to PreviewMaxLen runes, appending an
// ellipsis when anything was cut.
func TruncatePreview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewMaxLen {
		return content
	}
	return string(r[:PreviewMaxLen]) + "…"
}
