package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/ofdmsync/internal/logging"
)

// WebServer exposes the hub over HTTP.
type WebServer struct {
	srv    *http.Server
	hub    *Hub
	logger logging.Logger
}

// NewWebServer builds a server for addr. Routes:
//
//	/api/history                 retained records
//	/api/live                    server-sent events
//	/api/ws                      websocket feed
//	/api/config, /api/config/update
//	/api/diagnostics, /api/diagnostics/spectrum, /api/diagnostics/health
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/ws", hub.handleWS)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)
	mux.HandleFunc("/api/diagnostics", hub.handleDiagnostics)
	mux.HandleFunc("/api/diagnostics/spectrum", hub.handleSpectrumSnapshot)
	mux.HandleFunc("/api/diagnostics/health", hub.handleHealth)
	return &WebServer{
		hub:    hub,
		logger: logger.With(logging.F("subsystem", "telemetry")),
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Handler returns the route multiplexer, for tests and embedding.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Listen binds the configured address. Use it with Serve when the bound
// port must be known before serving, for example to advertise it.
func (w *WebServer) Listen() (net.Listener, error) {
	return net.Listen("tcp", w.srv.Addr)
}

// Serve handles requests on ln until ctx is cancelled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("telemetry shutdown", logging.F("error", err))
		}
	}()
	w.logger.Info("telemetry listening", logging.F("addr", ln.Addr().String()))
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until ctx is cancelled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := w.Listen()
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}
