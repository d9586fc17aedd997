package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/skobkin/amdgpu-sampler/internal/config"
	"github.com/skobkin/amdgpu-sampler/internal/gpu"
	"github.com/skobkin/amdgpu-sampler/internal/plugin"
	"github.com/skobkin/amdgpu-sampler/internal/sampler"
	"github.com/skobkin/amdgpu-sampler/internal/sensor"
	"github.com/skobkin/amdgpu-sampler/internal/topology"
	"github.com/skobkin/amdgpu-sampler/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	devices    []gpu.Info
	topo       *topology.Index
	plugin     *plugin.Plugin
	engine     *sampler.Engine

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. plug and engine may be nil, in
// which case the sampling endpoints report the sampler as unavailable.
func New(cfg config.Config, logger *slog.Logger, devices []gpu.Info, topo *topology.Index, plug *plugin.Plugin, engine *sampler.Engine) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "httpserver"),
		devices: devices,
		topo:    topo,
		plugin:  plug,
		engine:  engine,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/topology", s.handleTopology)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/metrics/{name}/readings", s.handleReadings)
	mux.HandleFunc("/api/nodes/{node}/sensors/{sensor}/readings", s.handleNodeReadings)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	kinds := sensor.Kinds()
	out := make([]sensor.Properties, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, kind.Properties())
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	devices := s.devices
	if devices == nil {
		devices = []gpu.Info{}
	}
	s.writeJSON(w, r, http.StatusOK, devices)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	entries := s.topo.Entries()
	if entries == nil {
		entries = []topology.Entry{}
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if s.plugin == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodGet {
		s.writeJSON(w, r, http.StatusOK, s.plugin.Metrics())
		return
	}

	values := r.URL.Query()
	query := values.Get("query")
	node := values.Get("node")
	sensorName := values.Get("sensor")

	props := []plugin.MetricProperty{}
	switch {
	case query != "":
		props = append(props, s.plugin.MetricProperties(query)...)
	case node != "" && sensorName != "":
		bus, err := topology.ParseBusID(node)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if prop, ok := s.plugin.NodeMetric(bus, sensorName); ok {
			props = append(props, prop)
		}
	default:
		http.Error(w, "either query or node and sensor are required", http.StatusBadRequest)
		return
	}

	s.writeJSON(w, r, http.StatusOK, props)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.plugin == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	readings, status, err := s.pull(name)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, r, http.StatusOK, readingsResponse{Metric: name, Readings: readings})
}

func (s *Server) handleNodeReadings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.plugin == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	node := r.PathValue("node")
	name := r.PathValue("sensor")
	readings, status, err := s.pullNode(node, name)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, r, http.StatusOK, readingsResponse{Metric: name, Node: node, Readings: readings})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, "start", func() error { return s.plugin.Start() })
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleLifecycle(w, r, "stop", func() error { return s.plugin.Stop() })
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, action string, fn func() error) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.plugin == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	logger := s.loggerFromContext(r.Context())
	if err := fn(); err != nil {
		logger.Warn("sampler "+action+" rejected", "err", err)
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	logger.Info("sampler " + action + " requested")
	s.writeJSON(w, r, http.StatusOK, stateResponse{State: s.plugin.State().String()})
}

// pull drains a metric by flat name and maps failures to HTTP statuses.
func (s *Server) pull(name string) ([]sampler.Reading, int, error) {
	h, ok := s.plugin.Lookup(name)
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("unknown metric %q", name)
	}
	return s.drain(h)
}

// pullNode drains a metric registered through a topology node.
func (s *Server) pullNode(node, name string) ([]sampler.Reading, int, error) {
	bus, err := topology.ParseBusID(node)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	h, ok := s.plugin.LookupNode(bus, name)
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("unknown metric %q on node %s", name, bus)
	}
	return s.drain(h)
}

func (s *Server) drain(h sensor.Handle) ([]sampler.Reading, int, error) {
	readings, err := s.plugin.Pull(h)
	if err != nil {
		return nil, statusForError(err), err
	}
	return readings, http.StatusOK, nil
}

func statusForError(err error) int {
	var unknown *sampler.UnknownSensorError
	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.Is(err, sampler.ErrAlreadyStarted),
		errors.Is(err, sampler.ErrNotRunning),
		errors.Is(err, sampler.ErrStopped):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	for _, method := range methods {
		w.Header().Add("Allow", method)
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{Devices: len(s.devices)}

	if s.plugin == nil {
		resp.Status = "degraded"
		resp.Reason = "sampler_not_configured"
		return resp
	}

	state := s.plugin.State()
	resp.State = state.String()
	resp.Metrics = len(s.plugin.Metrics())

	switch state {
	case sampler.StateRunning:
		resp.Status = "ok"
	case sampler.StateIdle:
		resp.Status = "idle"
		resp.Reason = "sampler_not_started"
	default:
		resp.Status = "stopped"
		resp.Reason = "sampler_stopped"
	}
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	State   string `json:"state,omitempty"`
	Devices int    `json:"devices"`
	Metrics int    `json:"metrics"`
	Reason  string `json:"reason,omitempty"`
}

type stateResponse struct {
	State string `json:"state"`
}

type readingsResponse struct {
	Metric   string            `json:"metric"`
	Node     string            `json:"node,omitempty"`
	Readings []sampler.Reading `json:"readings"`
}
