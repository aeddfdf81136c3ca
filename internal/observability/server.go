package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugServer exposes /metrics and /healthz for deployments that run
// the sync core server-side. The mobile embedding leaves MetricsAddr
// empty and never starts one.
type DebugServer struct {
	srv *http.Server
	log *slog.Logger
}

func NewDebugServer(addr string, log *slog.Logger) *DebugServer {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	return &DebugServer{
		srv: &http.Server{Addr: addr, Handler: r, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second},
		log: log,
	}
}

// Start serves in the background until Shutdown.
func (d *DebugServer) Start() {
	go func() {
		d.log.Info("debug server listening", "addr", d.srv.Addr)
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("debug server stopped", "error", err)
		}
	}()
}

func (d *DebugServer) Shutdown(ctx context.Context) error {
	return d.srv.Shutdown(ctx)
}
