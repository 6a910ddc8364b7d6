// Package server exposes the simulator status and device operations over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/internal/httpx"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/simulations"
)

// Config configures the status server.
type Config struct {
	// Addr is the listen address. Empty disables the server.
	Addr              string        `yaml:"addr" env:"DEVICESIM_STATUS_ADDR" default:":8080"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout" default:"5s" validate:"gt=0"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" default:"30s" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout" default:"10s" validate:"gt=0"`
}

// Agent is what the server reports on and operates. *agent.Agent
// satisfies it.
type Agent interface {
	Simulation() *model.Simulation
	Statistics() (model.Statistics, bool)
	AddDevice(ctx context.Context, deviceID, modelID string) error
	DeleteDevices(ctx context.Context, deviceIDs []string) error
}

// Status is the body of GET /status.
type Status struct {
	SimulationID string            `json:"simulationId,omitempty"`
	Enabled      bool              `json:"enabled"`
	Running      bool              `json:"running"`
	Devices      int               `json:"devices"`
	Statistics   *model.Statistics `json:"statistics,omitempty"`
}

// AddDeviceRequest is the body of POST /devices.
type AddDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	ModelID  string `json:"modelId"`
}

// DeleteDevicesRequest is the body of POST /devices/delete.
type DeleteDevicesRequest struct {
	DeviceIDs []string `json:"deviceIds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the status routes.
type Server struct {
	cfg   Config
	agent Agent
	log   zerolog.Logger
}

// New creates a server.
//
// Panics if agent is nil.
func New(cfg Config, agent Agent, logger zerolog.Logger) *Server {
	if agent == nil {
		panic("devicesim/server: agent must not be nil")
	}

	return &Server{cfg: cfg, agent: agent, log: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	r.Use(httpx.Middleware("devicesim.status"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.status)
	r.Post("/devices", s.addDevice)
	r.Delete("/devices/{id}", s.deleteDevice)
	r.Post("/devices/delete", s.deleteDevices)

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	var out Status
	if sim := s.agent.Simulation(); sim != nil {
		out.SimulationID = sim.ID
		out.Enabled = sim.Enabled
		out.Devices = sim.DeviceCount()
	}
	if stats, ok := s.agent.Statistics(); ok {
		out.Running = true
		out.Statistics = &stats
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addDevice(w http.ResponseWriter, r *http.Request) {
	var req AddDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.agent.AddDevice(r.Context(), req.DeviceID, req.ModelID); err != nil {
		s.fail(w, "add device", err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	s.delete(w, r, []string{chi.URLParam(r, "id")})
}

func (s *Server) deleteDevices(w http.ResponseWriter, r *http.Request) {
	var req DeleteDevicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.DeviceIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "deviceIds is required")
		return
	}
	s.delete(w, r, req.DeviceIDs)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, ids []string) {
	if err := s.agent.DeleteDevices(r.Context(), ids); err != nil {
		s.fail(w, "delete devices", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, simulations.ErrInvalidSimulation):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Msg(op)
		writeErr(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
