// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"
)

// healthService describes one service's forwarding state in the health
// response.
type healthService struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Listening bool   `json:"listening"`
	Port      int    `json:"port,omitempty"`
	Active    string `json:"active,omitempty"`
	Restarts  int    `json:"restarts"`
	Backends  int    `json:"backends"`
	Healthy   bool   `json:"healthy"`
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Services  []healthService `json:"services"`
}

// Healthz serves GET /healthz. The daemon is healthy when every service
// that has backends configured also has a running listener; a service with
// no backends is idle by definition and does not degrade health.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	statuses := make(map[string]bool)
	details := make(map[string]healthService)
	for _, st := range h.engine.Statuses() {
		statuses[st.Name] = st.Listening
		details[st.Name] = healthService{
			Name:      st.Name,
			Mode:      st.Mode,
			Listening: st.Listening,
			Port:      st.Port,
			Active:    st.Active,
			Restarts:  st.RestartCount,
		}
	}

	resp := healthResponse{Timestamp: time.Now()}
	healthy := true
	for _, svc := range h.store.ListServices() {
		hs := details[svc.Name]
		hs.Name = svc.Name
		hs.Mode = svc.Mode
		hs.Backends = len(svc.Servers)
		hs.Healthy = len(svc.Servers) == 0 || statuses[svc.Name]
		if !hs.Healthy {
			healthy = false
		}
		resp.Services = append(resp.Services, hs)
	}

	if healthy {
		resp.Status = "healthy"
		respondJSON(w, h.log, http.StatusOK, resp)
		return
	}
	resp.Status = "degraded"
	respondJSON(w, h.log, http.StatusServiceUnavailable, resp)
}
