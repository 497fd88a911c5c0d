// Package api is the host-facing surface of the bridge: JSON endpoints
// for entity reads and commands, a websocket stream of snapshot updates,
// and the Prometheus handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/device"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Bridge is what the server needs from the coordinator.
type Bridge interface {
	Snapshots() []*device.Snapshot
	Snapshot(deviceID string) (*device.Snapshot, bool)
	Healthy() bool
	LastSuccess() time.Time
	ForceRefresh(ctx context.Context) error
	SetTemperature(ctx context.Context, deviceID, zoneID string, value float64) error
	SetMode(ctx context.Context, deviceID string, mode device.Mode) error
	SetVacation(ctx context.Context, deviceID string, start, end *time.Time) error
	SetFrostProtection(ctx context.Context, deviceID string, enabled bool) error
	Subscribe(obs func(deviceID string, snap *device.Snapshot))
}

// Server serves the host platform's view of the bridge.
type Server struct {
	bridge Bridge
	logger *zap.Logger
	server *http.Server
	hub    *hub
}

// NewServer creates the HTTP server and subscribes its websocket hub to
// snapshot updates.
func NewServer(bridge Bridge, logger *zap.Logger, addr string) *Server {
	s := &Server{
		bridge: bridge,
		logger: logger.Named("api"),
		hub:    newHub(logger.Named("ws")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("POST /api/devices/{id}/temperature", s.handleSetTemperature)
	mux.HandleFunc("POST /api/devices/{id}/mode", s.handleSetMode)
	mux.HandleFunc("POST /api/devices/{id}/vacation", s.handleSetVacation)
	mux.HandleFunc("POST /api/devices/{id}/frost", s.handleSetFrost)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /ws", s.hub.handleUpgrade)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bridge.Subscribe(func(deviceID string, snap *device.Snapshot) {
		s.hub.broadcastSnapshot(deviceID, snap)
	})

	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type healthResponse struct {
	Status      string    `json:"status"`
	LastSuccess time.Time `json:"last_success"`
	Devices     int       `json:"devices"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		LastSuccess: s.bridge.LastSuccess(),
		Devices:     len(s.bridge.Snapshots()),
	}
	status := http.StatusOK
	if !s.bridge.Healthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Snapshots())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.bridge.Snapshot(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorBody("unknown device"))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type setTemperatureRequest struct {
	ZoneID string  `json:"zone_id"`
	Value  float64 `json:"value"`
}

func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	var req setTemperatureRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	err := s.bridge.SetTemperature(r.Context(), r.PathValue("id"), req.ZoneID, req.Value)
	s.finishCommand(w, err)
}

type setModeRequest struct {
	Mode device.Mode `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	err := s.bridge.SetMode(r.Context(), r.PathValue("id"), req.Mode)
	s.finishCommand(w, err)
}

type setVacationRequest struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

func (s *Server) handleSetVacation(w http.ResponseWriter, r *http.Request) {
	var req setVacationRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	err := s.bridge.SetVacation(r.Context(), r.PathValue("id"), req.Start, req.End)
	s.finishCommand(w, err)
}

type setFrostRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetFrost(w http.ResponseWriter, r *http.Request) {
	var req setFrostRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	err := s.bridge.SetFrostProtection(r.Context(), r.PathValue("id"), req.Enabled)
	s.finishCommand(w, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.ForceRefresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) finishCommand(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// writeError maps the bridge's error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *aldes.ValidationError
		busyErr       *aldes.BusyError
		authErr       *aldes.AuthError
		transportErr  *aldes.TransportError
	)
	switch {
	case errors.As(err, &validationErr):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case errors.As(err, &busyErr):
		s.writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.As(err, &authErr):
		s.writeJSON(w, http.StatusUnauthorized, errorBody(err.Error()))
	case errors.As(err, &transportErr):
		s.writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		s.logger.Error("Unclassified error on API path", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("malformed body: %v", err)))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
