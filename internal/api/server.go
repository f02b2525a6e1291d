// Package api serves the read-only status of the running instances and a manual
// reconciliation trigger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rxtech-lab/argo-harvester/internal/engine"
	"github.com/rxtech-lab/argo-harvester/internal/logger"
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
	"go.uber.org/zap"
)

const (
	requestTimeout   = 10 * time.Second
	reconcileTimeout = 2 * time.Minute
)

// Instances is what the status API reads. The runner implements it.
type Instances interface {
	Names() []string
	Snapshot(ctx context.Context, name string) (engine.Snapshot, error)
	Reconcile(ctx context.Context, name string) (reconcile.Report, error)
}

// Server is the status HTTP server.
type Server struct {
	instances  Instances
	metrics    http.Handler
	log        *logger.Logger
	httpServer *http.Server
	listener   net.Listener
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type instanceSummary struct {
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	Phase        string `json:"phase"`
	CurrentUnit  int    `json:"current_unit"`
	Sells        []int  `json:"sells"`
	Buys         []int  `json:"buys"`
	Bootstrapped bool   `json:"bootstrapped"`
	Halted       bool   `json:"halted"`
	Error        string `json:"error,omitempty"`
}

// NewServer creates a server. metrics is mounted on /metrics when not nil.
func NewServer(instances Instances, metrics http.Handler, log *logger.Logger) *Server {
	return &Server{
		instances:  instances,
		metrics:    metrics,
		log:        log,
		httpServer: nil,
		listener:   nil,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/instances", s.handleInstances).Methods(http.MethodGet)
	router.HandleFunc("/instances/{name}", s.handleInstance).Methods(http.MethodGet)
	router.HandleFunc("/instances/{name}/reconcile", s.handleReconcile).Methods(http.MethodPost)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	return router
}

// Start listens on address and serves in the background. ":0" picks a free port.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to listen on %s", address)
	}

	s.listener = listener
	s.httpServer = &http.Server{ //nolint:exhaustruct
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Status server stopped", zap.Error(err))
		}
	}()

	s.log.Info("Status server listening", zap.String("address", listener.Addr().String()))

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	names := s.instances.Names()
	summaries := make([]instanceSummary, 0, len(names))

	for _, name := range names {
		snapshot, err := s.instances.Snapshot(ctx, name)
		if err != nil {
			summaries = append(summaries, instanceSummary{Name: name, Error: err.Error()}) //nolint:exhaustruct

			continue
		}

		summaries = append(summaries, instanceSummary{
			Name:         name,
			Symbol:       snapshot.Symbol,
			Phase:        string(snapshot.Phase),
			CurrentUnit:  snapshot.CurrentUnit,
			Sells:        snapshot.Sells,
			Buys:         snapshot.Buys,
			Bootstrapped: snapshot.Bootstrapped,
			Halted:       snapshot.Halted,
			Error:        "",
		})
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	snapshot, err := s.instances.Snapshot(ctx, mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reconcileTimeout)
	defer cancel()

	name := mux.Vars(r)["name"]

	report, err := s.instances.Reconcile(ctx, name)
	if err != nil && !errors.HasCode(err, errors.ErrCodeUnrecoverableDrift) {
		writeError(w, err)

		return
	}

	s.log.Info("Manual reconciliation finished", zap.String("instance", name), zap.Bool("drift", report.Drift))
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch errors.GetCode(err) {
	case errors.ErrCodeInstanceNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeExchangeNotReady:
		status = http.StatusConflict
	case errors.ErrCodeEngineStopped:
		status = http.StatusServiceUnavailable
	default:
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: int(errors.GetCode(err))})
}
