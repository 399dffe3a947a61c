package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
)

// RegisterSessions registers HTTP handlers for session-related endpoints.
func RegisterSessions(r *mux.Router) {
	r.HandleFunc("/sessions", createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", renameSession).Methods(http.MethodPatch)
	r.HandleFunc("/sessions/{id}", deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/reset", resetSession).Methods(http.MethodPost)
}

func createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		req.ID = utils.GenSessionID()
	}
	sess, err := store.CreateOrUpdateSession(req.ID, req.Name, req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("session_created", "session", sess.ID, "user", sess.UserID)
	_ = utils.JSONWrite(w, http.StatusCreated, sess)
}

func listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	sessions, err := store.ListSessions(q.Get("user_id"), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Sessions []models.Session `json:"sessions"`
	}{Sessions: sessions})
}

func getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := store.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, sess)
}

func renameSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		utils.JSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	sess, err := store.CreateOrUpdateSession(id, req.Name, "")
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, sess)
}

func deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := store.SoftDeleteSession(mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func resetSession(w http.ResponseWriter, r *http.Request) {
	if err := store.ResetSessionMessages(mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
