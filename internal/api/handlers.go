// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/config"
	"github.com/valenti1234/socat-balancer-2/internal/engine"
	"github.com/valenti1234/socat-balancer-2/internal/events"
	"github.com/valenti1234/socat-balancer-2/internal/probe"
	"github.com/valenti1234/socat-balancer-2/internal/stats"
)

// Handler carries the control plane's collaborators.
type Handler struct {
	store    *config.Store
	engine   *engine.Engine
	prober   *probe.Prober
	registry *stats.Registry
	bus      *events.Bus
	hub      *events.Hub
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates the control plane handler.
func NewHandler(store *config.Store, eng *engine.Engine, prober *probe.Prober,
	registry *stats.Registry, bus *events.Bus, hub *events.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		engine:   eng,
		prober:   prober,
		registry: registry,
		bus:      bus,
		hub:      hub,
		validate: validator.New(),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// decode unmarshals and validates a JSON request body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondBadRequest(w, h.log, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondBadRequest(w, h.log, err.Error())
		return false
	}
	return true
}

// Status serves GET /api/status: the latest probe status map.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"services": h.prober.Status(),
	})
}

// ListServices serves GET /api/list_services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"services": h.store.ListServices(),
	})
}

// ListServers serves GET /api/list_servers?service=NAME.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("service")
	if name == "" {
		respondBadRequest(w, h.log, "missing service query parameter")
		return
	}

	servers, err := h.store.ListServers(name)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"servers": servers,
	})
}

type addServiceRequest struct {
	Name       string `json:"name" validate:"required"`
	ListenPort int    `json:"listen_port" validate:"required,min=1,max=65535"`
	Mode       string `json:"mode" validate:"omitempty,oneof=failover round-robin"`
}

// AddService serves POST /api/add_service.
func (h *Handler) AddService(w http.ResponseWriter, r *http.Request) {
	var req addServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.store.AddService(req.Name, req.ListenPort, req.Mode); err != nil {
		respondError(w, h.log, err)
		return
	}
	h.engine.Kick()
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Service '%s' added", req.Name),
	})
}

type editServiceRequest struct {
	Name       string `json:"name" validate:"required"`
	NewName    string `json:"new_name"`
	ListenPort int    `json:"listen_port" validate:"omitempty,min=1,max=65535"`
	Mode       string `json:"mode" validate:"omitempty,oneof=failover round-robin"`
}

// EditService serves POST /api/edit_service. A changed listen port takes
// effect at the next reconcile; a rename carries runtime state and stats
// over to the new name.
func (h *Handler) EditService(w http.ResponseWriter, r *http.Request) {
	var req editServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.store.EditService(req.Name, req.NewName, req.ListenPort, req.Mode); err != nil {
		respondError(w, h.log, err)
		return
	}
	if req.NewName != "" && req.NewName != req.Name {
		h.engine.RenameService(req.Name, req.NewName)
		h.registry.RenameService(req.Name, req.NewName)
	}
	h.engine.Kick()
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Service '%s' updated", req.Name),
	})
}

type removeServiceRequest struct {
	Name string `json:"name" validate:"required"`
}

// RemoveService serves POST /api/remove_service. The service's listener is
// closed synchronously and its stats are dropped.
func (h *Handler) RemoveService(w http.ResponseWriter, r *http.Request) {
	var req removeServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.store.RemoveService(req.Name); err != nil {
		respondError(w, h.log, err)
		return
	}
	h.engine.DropService(req.Name)
	h.registry.DropService(req.Name)
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Service '%s' removed", req.Name),
	})
}

type setServiceModeRequest struct {
	Service string `json:"service" validate:"required"`
	Mode    string `json:"mode" validate:"required,oneof=failover round-robin"`
}

// SetServiceMode serves POST /api/set_service_mode.
func (h *Handler) SetServiceMode(w http.ResponseWriter, r *http.Request) {
	var req setServiceModeRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.store.SetServiceMode(req.Service, req.Mode); err != nil {
		respondError(w, h.log, err)
		return
	}
	h.engine.Kick()
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Service '%s' mode set to %s", req.Service, req.Mode),
	})
}

type addServerRequest struct {
	Service   string `json:"service" validate:"required"`
	IP        string `json:"ip" validate:"required,ip"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
	CheckType string `json:"check_type" validate:"omitempty,oneof=tcp http smpp"`
	HTTPPath  string `json:"http_path"`
}

// AddServer serves POST /api/add_server.
func (h *Handler) AddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if !h.decode(w, r, &req) {
		return
	}

	b := config.Backend{
		IP:        req.IP,
		Port:      req.Port,
		CheckType: req.CheckType,
		HTTPPath:  req.HTTPPath,
	}
	if err := h.store.AddServer(req.Service, b); err != nil {
		respondError(w, h.log, err)
		return
	}
	h.engine.Kick()
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Server %s added to service '%s'", b.Key(), req.Service),
	})
}

type editServerRequest struct {
	Service   string `json:"service" validate:"required"`
	IP        string `json:"ip" validate:"required,ip"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
	NewIP     string `json:"new_ip" validate:"omitempty,ip"`
	NewPort   int    `json:"new_port" validate:"omitempty,min=1,max=65535"`
	CheckType string `json:"check_type" validate:"omitempty,oneof=tcp http smpp"`
}

// EditServer serves POST /api/edit_server. When the backend's identity
// changes, its counters are reset: the old key is deleted and the new key
// starts at zero.
func (h *Handler) EditServer(w http.ResponseWriter, r *http.Request) {
	var req editServerRequest
	if !h.decode(w, r, &req) {
		return
	}

	updated, err := h.store.EditServer(req.Service, req.IP, req.Port, req.NewIP, req.NewPort, req.CheckType)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	if updated.IP != req.IP || updated.Port != req.Port {
		h.registry.DropBackend(req.Service, req.IP, req.Port)
	}
	h.engine.Kick()
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Server %s updated in service '%s'", updated.Key(), req.Service),
	})
}

type removeServerRequest struct {
	Service string `json:"service" validate:"required"`
	IP      string `json:"ip" validate:"required,ip"`
	Port    int    `json:"port" validate:"required,min=1,max=65535"`
}

// RemoveServer serves POST /api/remove_server.
func (h *Handler) RemoveServer(w http.ResponseWriter, r *http.Request) {
	var req removeServerRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.store.RemoveServer(req.Service, req.IP, req.Port); err != nil {
		respondError(w, h.log, err)
		return
	}
	h.registry.DropBackend(req.Service, req.IP, req.Port)
	h.engine.Kick()
	respondJSON(w, h.log, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Server %s:%d removed from service '%s'", req.IP, req.Port, req.Service),
	})
}

// SocatStats serves GET /api/socat_stats: per-service runtime and byte
// counters.
func (h *Handler) SocatStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.log, http.StatusOK, h.registry.ServiceSnapshot())
}

// SocatStatsByServer serves GET /api/socat_stats_by_server: per-backend
// byte counters keyed "service:ip:port".
func (h *Handler) SocatStatsByServer(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.log, http.StatusOK, h.registry.BackendSnapshot())
}
