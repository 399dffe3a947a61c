package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

// RegisterMessages registers HTTP handlers for message-related endpoints.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/sessions/{id}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/messages", listMessages).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/messages/batch", createMessageBatch).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/messages/count", messageCount).Methods(http.MethodGet)
}

type messageInput struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	AgentName string            `json:"agent_name,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func createMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var in messageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msg, err := store.AppendMessage(sessionID, in.Role, in.Content, in.AgentName, in.UserID, in.Meta)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("message_created", "session", sessionID, "id", msg.ID)
	_ = utils.JSONWrite(w, http.StatusCreated, msg)
}

// createMessageBatch appends an ordered list of messages. The batch fails as
// a whole only when zero items succeed; partial success reports per-item
// outcomes so the caller can retry selectively.
func createMessageBatch(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req struct {
		Messages []messageInput `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Messages) == 0 {
		utils.JSONError(w, http.StatusBadRequest, "messages is empty")
		return
	}

	type result struct {
		ID    string `json:"id,omitempty"`
		Error string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(req.Messages))
	succeeded := 0
	for _, in := range req.Messages {
		msg, err := store.AppendMessage(sessionID, in.Role, in.Content, in.AgentName, in.UserID, in.Meta)
		if err != nil {
			results = append(results, result{Error: err.Error()})
			continue
		}
		succeeded++
		results = append(results, result{ID: msg.ID})
	}
	if succeeded == 0 {
		logger.Warn("batch_append_failed", "session", sessionID, "count", len(req.Messages))
		_ = utils.JSONWrite(w, http.StatusInternalServerError, struct {
			Results []result `json:"results"`
		}{Results: results})
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, struct {
		Results []result `json:"results"`
	}{Results: results})
}

func listMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	msgs, err := store.ListMessages(sessionID, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total, err := store.GetMessageCount(sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	if offset < 0 {
		offset = 0
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Messages []models.Message `json:"messages"`
		Total    int              `json:"total"`
		HasMore  bool             `json:"has_more"`
	}{Messages: msgs, Total: total, HasMore: offset+len(msgs) < total})
}

func messageCount(w http.ResponseWriter, r *http.Request) {
	count, err := store.GetMessageCount(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"count": count})
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrSessionNotFound):
		utils.JSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrStorageUnavailable):
		utils.JSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}
