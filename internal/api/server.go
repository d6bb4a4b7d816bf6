// Package api provides the HTTP management API of the saj-h1-mqtt bridge.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/client"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/scheduler"
)

// Target bundles the per-inverter handles the API operates on.
type Target struct {
	Client    domain.RegisterClient
	Refresher domain.GroupRefresher
}

// Server represents the HTTP API server for register access and refreshes.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	registry  *domain.InverterRegistry
	targets   map[string]Target
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. targets maps inverter serials to
// their client and refresher.
func NewServer(cfg *config.Config, registry *domain.InverterRegistry, targets map[string]Target) *Server {
	router := mux.NewRouter()

	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		registry:  registry,
		targets:   targets,
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/inverters", s.handleListInverters).Methods("GET")

	api.HandleFunc("/registers/read", s.handleReadRegister).Methods("POST")
	api.HandleFunc("/registers/write", s.handleWriteRegister).Methods("POST")
	api.HandleFunc("/registers/app_mode", s.handleSetAppMode).Methods("POST")

	api.HandleFunc("/refresh/{group}", s.handleRefreshGroup).Methods("POST")
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// resolveTarget picks the inverter a request addresses. An empty serial
// selects the first configured inverter.
func (s *Server) resolveTarget(serial string) (string, Target, error) {
	if serial == "" {
		serial = s.registry.DefaultSerial()
	}
	target, found := s.targets[serial]
	if !found {
		return "", Target{}, fmt.Errorf("unknown inverter serial: %q", serial)
	}
	return serial, target, nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":        "ok",
		"uptime":        time.Since(s.startTime).String(),
		"inverterCount": len(s.registry.All()),
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListInverters returns the configured inverters with their refresh
// timestamps.
func (s *Server) handleListInverters(w http.ResponseWriter, _ *http.Request) {
	inverters := s.registry.All()

	result := make([]map[string]interface{}, 0, len(inverters))
	for _, inv := range inverters {
		entry := map[string]interface{}{
			"serial":      inv.Serial,
			"lastContact": inv.LastContact,
		}
		groups := make(map[string]time.Time, len(inv.GroupRefresh))
		for group, at := range inv.GroupRefresh {
			groups[group] = at
		}
		entry["groupRefresh"] = groups
		result = append(result, entry)
	}

	s.writeJSON(w, map[string]interface{}{
		"inverters": result,
		"count":     len(result),
	}, http.StatusOK)
}

type readRegisterRequest struct {
	Serial   string `json:"serial,omitempty"`
	Register string `json:"register"`
	Size     string `json:"register_size,omitempty"`
	Format   string `json:"register_format,omitempty"`
}

// handleReadRegister reads an arbitrary register range. Register and size
// accept hexadecimal ("0x...") or decimal form; the optional format is a
// value descriptor like ">H" and defaults to raw hex passthrough.
func (s *Server) handleReadRegister(w http.ResponseWriter, r *http.Request) {
	var req readRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	serial, target, err := s.resolveTarget(req.Serial)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	register, err := protocol.ParseNumber(req.Register)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid register: %v", err), http.StatusBadRequest)
		return
	}

	format, err := protocol.ParseFormat(req.Format)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid format: %v", err), http.StatusBadRequest)
		return
	}

	size := format.Registers()
	if req.Size != "" {
		size, err = protocol.ParseNumber(req.Size)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Invalid size: %v", err), http.StatusBadRequest)
			return
		}
	}
	if size == 0 {
		s.writeError(w, "Size must be at least one register", http.StatusBadRequest)
		return
	}

	data, err := target.Client.ReadRegisters(r.Context(), register, size)
	if err != nil {
		s.writeTransactionError(w, err)
		return
	}
	s.registry.TouchContact(serial)

	response := map[string]interface{}{
		"serial":        serial,
		"register":      fmt.Sprintf("0x%04x", register),
		"register_size": size,
		"hex":           hex.EncodeToString(data),
	}

	if format.Kind != protocol.KindRaw {
		width := format.Width
		if len(data) < width {
			s.writeError(w, "Response shorter than format width", http.StatusBadGateway)
			return
		}
		value, err := format.Decode(data[:width])
		if err != nil {
			s.writeError(w, fmt.Sprintf("Decode failed: %v", err), http.StatusBadGateway)
			return
		}
		response["register_format"] = format.Raw
		response["register_value"] = value
	}

	s.writeJSON(w, response, http.StatusOK)
}

type writeRegisterRequest struct {
	Serial   string `json:"serial,omitempty"`
	Register string `json:"register"`
	Value    string `json:"register_value"`
}

// handleWriteRegister writes a single register value.
func (s *Server) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	var req writeRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	serial, target, err := s.resolveTarget(req.Serial)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	register, err := protocol.ParseNumber(req.Register)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid register: %v", err), http.StatusBadRequest)
		return
	}
	value, err := protocol.ParseNumber(req.Value)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Invalid value: %v", err), http.StatusBadRequest)
		return
	}

	if err := target.Client.WriteRegister(r.Context(), register, value); err != nil {
		s.writeTransactionError(w, err)
		return
	}
	s.registry.TouchContact(serial)

	s.logger.Info().
		Str("serial", serial).
		Uint16("register", register).
		Uint16("value", value).
		Msg("Register written via API")

	s.writeJSON(w, map[string]interface{}{
		"serial":         serial,
		"register":       fmt.Sprintf("0x%04x", register),
		"register_value": value,
	}, http.StatusOK)
}

type setAppModeRequest struct {
	Serial string `json:"serial,omitempty"`
	Mode   string `json:"mode"`
}

// handleSetAppMode writes the application mode register by mode name.
func (s *Server) handleSetAppMode(w http.ResponseWriter, r *http.Request) {
	var req setAppModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	serial, target, err := s.resolveTarget(req.Serial)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	mode, err := protocol.ParseAppMode(req.Mode)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := target.Client.WriteRegister(r.Context(), protocol.RegAppMode, uint16(mode)); err != nil {
		s.writeTransactionError(w, err)
		return
	}
	s.registry.TouchContact(serial)

	s.logger.Info().
		Str("serial", serial).
		Str("mode", mode.String()).
		Msg("App mode changed via API")

	s.writeJSON(w, map[string]interface{}{
		"serial": serial,
		"mode":   mode.String(),
	}, http.StatusOK)
}

type refreshRequest struct {
	Serial string `json:"serial,omitempty"`
}

// handleRefreshGroup triggers an out-of-cadence refresh of one register group.
func (s *Server) handleRefreshGroup(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	var req refreshRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	serial, target, err := s.resolveTarget(req.Serial)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}

	result, err := target.Refresher.Refresh(r.Context(), group)

	var partial *scheduler.PartialFailureError
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrUnknownGroup):
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	case errors.As(err, &partial):
		// Fall through with whatever values survived.
	default:
		s.writeTransactionError(w, err)
		return
	}

	values := make(map[string]interface{}, len(result.Values))
	for _, v := range result.Values {
		entry := map[string]interface{}{
			"register": fmt.Sprintf("0x%04x", v.Register),
			"value":    v.Value,
		}
		if v.Scaled != 0 {
			entry["scaled"] = v.Scaled
		}
		values[v.Name] = entry
	}

	response := map[string]interface{}{
		"serial": serial,
		"group":  group,
		"at":     result.At,
		"values": values,
	}
	if partial != nil {
		failed := make([]string, len(partial.Failed))
		for i, reg := range partial.Failed {
			failed[i] = fmt.Sprintf("0x%04x", reg)
		}
		response["partial"] = true
		response["failedRegisters"] = failed
	}

	s.writeJSON(w, response, http.StatusOK)
}

// writeTransactionError maps transaction layer failures to HTTP statuses.
func (s *Server) writeTransactionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, client.ErrTransactionInFlight):
		s.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, client.ErrTimeout):
		s.writeError(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, client.ErrTransport):
		s.writeError(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
