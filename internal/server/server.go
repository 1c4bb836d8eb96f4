package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/gorilla/mux"
)

// ErrPortInUse distinguishes a bind conflict from other startup
// failures; the CLI maps it to its own exit code.
var ErrPortInUse = errors.New("ingress port already in use")

// Server is the HTTP ingress: the admin API, the action endpoint, the
// event stream and the metrics endpoint all hang off one router.
type Server struct {
	cfg     config.ServerConfig
	router  *mux.Router
	metrics http.Handler
}

// New creates the ingress server. metrics may be nil when the meta loop
// is disabled.
func New(cfg config.ServerConfig, metrics http.Handler) *Server {
	s := &Server{cfg: cfg, metrics: metrics}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/actions", s.handleSubmitAction).Methods(http.MethodPost)
	api.HandleFunc("/actions/pending", s.handlePendingActions).Methods(http.MethodGet)
	api.HandleFunc("/actions/{traceID}", s.handleGetAction).Methods(http.MethodGet)
	api.HandleFunc("/actions/{traceID}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/actions/{traceID}/reject", s.handleReject).Methods(http.MethodPost)

	api.HandleFunc("/mesh/topology", s.handleTopology).Methods(http.MethodGet)
	api.HandleFunc("/mesh/health", s.handleMeshHealth).Methods(http.MethodGet)
	api.HandleFunc("/mesh/instances", s.handleRegisterInstance).Methods(http.MethodPost)
	api.HandleFunc("/mesh/instances/{id}", s.handleDeregisterInstance).Methods(http.MethodDelete)
	api.HandleFunc("/mesh/instances/{id}/quarantine", s.handleQuarantine).Methods(http.MethodPost)
	api.HandleFunc("/mesh/instances/{id}/unquarantine", s.handleUnquarantine).Methods(http.MethodPost)

	api.HandleFunc("/gateway/call", s.handleGatewayCall).Methods(http.MethodPost)
	api.HandleFunc("/gateway/circuit-breakers", s.handleCircuitBreakers).Methods(http.MethodGet)

	api.HandleFunc("/guardian/incidents", s.handleIncidents).Methods(http.MethodGet)
	api.HandleFunc("/guardian/playbooks", s.handlePlaybooks).Methods(http.MethodGet)
	api.HandleFunc("/guardian/directives", s.handleDirectives).Methods(http.MethodGet)

	api.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done. A bind conflict returns ErrPortInUse.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Server", "shutdown: %v", err)
		}
	}()

	logging.Info("Server", "ingress listening on %s", addr)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
