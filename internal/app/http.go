package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"chatsync/pkg/api"
	"chatsync/pkg/banner"
	"chatsync/pkg/store"
)

const httpShutdownTimeout = 10 * time.Second

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	banner.Print(a.addr, a.dbPath, a.sources, a.version)
}

// readyzHandler reports readiness of the store.
func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP() <-chan error {
	root := http.NewServeMux()
	root.HandleFunc("/readyz", a.readyzHandler)
	root.Handle("/metrics", promhttp.Handler())
	root.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	root.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	root.Handle("/", api.NewRouter(a.gw))

	a.srv = &http.Server{Addr: a.addr, Handler: root}

	errCh := make(chan error, 1)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}
