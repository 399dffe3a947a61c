package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/pkg/api/handlers"
	syncgw "chatsync/pkg/sync"
)

// NewRouter assembles the versioned API: REST handlers for the durable
// store surface plus the websocket sync endpoint.
func NewRouter(gw *syncgw.Gateway) *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterSessions(v1)
	handlers.RegisterMessages(v1)
	gw.Register(v1)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}
