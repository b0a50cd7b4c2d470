package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"plexlink/internal/device"
	"plexlink/internal/httputil"
	"plexlink/internal/models"
)

// DeviceInput is the request body for device create/update.
type DeviceInput struct {
	Identifier     string `json:"identifier"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	AuthToken      string `json:"auth_token"`
	ServerName     string `json:"server_name"`
	TVSelection    string `json:"tv_selection"`
	MovieSelection string `json:"movie_selection"`
	Enabled        *bool  `json:"enabled"`
}

func (in *DeviceInput) ToConfig() models.DeviceConfig {
	cfg := models.DeviceConfig{
		Identifier:     in.Identifier,
		Name:           in.Name,
		Address:        in.Address,
		Port:           in.Port,
		Username:       in.Username,
		Password:       in.Password,
		AuthToken:      in.AuthToken,
		ServerName:     in.ServerName,
		TVSelection:    in.TVSelection,
		MovieSelection: in.MovieSelection,
		Enabled:        true,
	}
	if in.Enabled != nil {
		cfg.Enabled = *in.Enabled
	}
	return cfg
}

// deviceResponse augments the stored config with live session state.
type deviceResponse struct {
	models.DeviceConfig
	State      models.PlaybackState   `json:"state"`
	Connection models.ConnectionState `json:"connection"`
}

func (s *Server) deviceResponse(cfg models.DeviceConfig) deviceResponse {
	resp := deviceResponse{
		DeviceConfig: cfg,
		State:        models.PlaybackOff,
		Connection:   models.ConnDisconnected,
	}
	if s.registry != nil {
		if sess, ok := s.registry.Get(cfg.Identifier); ok {
			resp.State = sess.State()
			resp.Connection = sess.ConnectionState()
		}
	}
	return resp
}

func deviceID(r *http.Request) string {
	return chi.URLParam(r, "identifier")
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal")
}

// syncDeviceToRegistry rebuilds the live session after a config change.
// A device that was connected reconnects with the new configuration.
func (s *Server) syncDeviceToRegistry(cfg models.DeviceConfig) {
	if s.registry == nil {
		return
	}
	if !cfg.Enabled {
		s.registry.Remove(cfg.Identifier)
		return
	}
	if _, ok := s.registry.Get(cfg.Identifier); ok {
		if _, err := s.registry.Update(context.Background(), cfg); err != nil {
			log.Printf("updating device %s: %v", cfg.Identifier, err)
		}
		return
	}
	if _, err := s.registry.Add(cfg); err != nil {
		log.Printf("registering device %s: %v", cfg.Identifier, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.deviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var input DeviceInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cfg := input.ToConfig()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := httputil.ValidateURL(cfg.BaseURL()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateDevice(&cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	s.syncDeviceToRegistry(cfg)
	writeJSON(w, http.StatusCreated, s.deviceResponse(cfg))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetDevice(deviceID(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deviceResponse(*cfg))
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var input DeviceInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cfg := input.ToConfig()
	cfg.Identifier = deviceID(r)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := httputil.ValidateURL(cfg.BaseURL()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateDevice(&cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	s.syncDeviceToRegistry(cfg)
	writeJSON(w, http.StatusOK, s.deviceResponse(cfg))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	if err := s.store.DeleteDevice(id); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.registry != nil {
		s.registry.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      sess.State(),
		"connection": sess.ConnectionState(),
		"attributes": sess.Attributes(),
	})
}

func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	// connect in the background: the attempt can take multiple seconds
	// and lifecycle events flow over the event stream anyway
	go func() {
		if err := sess.Connect(context.Background()); err != nil {
			log.Printf("connecting %s: %v", sess.Identifier(), err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type commandRequest struct {
	CmdID  string         `json:"cmd_id"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CmdID == "" {
		writeError(w, http.StatusBadRequest, "cmd_id is required")
		return
	}

	switch sess.Command(r.Context(), req.CmdID, req.Params) {
	case device.CommandOK:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case device.CommandNotImplemented:
		writeError(w, http.StatusBadRequest, "unsupported command: "+req.CmdID)
	case device.CommandUnavailable:
		writeError(w, http.StatusServiceUnavailable, "device unavailable")
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*device.DeviceSession, bool) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return nil, false
	}
	sess, ok := s.registry.Get(deviceID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return sess, true
}
