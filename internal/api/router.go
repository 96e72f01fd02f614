// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the control plane's HTTP handler tree.
//
// Routes:
//
//	GET  /api/status                  probe status map
//	GET  /api/list_services           configured services
//	GET  /api/list_servers?service=   one service's backends
//	POST /api/add_service             …and the other mutation endpoints
//	GET  /api/socat_stats             per-service runtime/stats
//	GET  /api/socat_stats_by_server   per-backend stats
//	GET  /ws                          event stream (websocket)
//	GET  /healthz                     daemon health summary
//	GET  /metrics                     Prometheus exposition
//	GET  /*                           static dashboard (when configured)
func (h *Handler) Router(staticDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/list_services", h.ListServices)
		r.Get("/list_servers", h.ListServers)

		r.Post("/add_service", h.AddService)
		r.Post("/edit_service", h.EditService)
		r.Post("/remove_service", h.RemoveService)
		r.Post("/set_service_mode", h.SetServiceMode)
		r.Post("/add_server", h.AddServer)
		r.Post("/edit_server", h.EditServer)
		r.Post("/remove_server", h.RemoveServer)

		r.Get("/socat_stats", h.SocatStats)
		r.Get("/socat_stats_by_server", h.SocatStatsByServer)
	})

	r.Get("/ws", h.WebSocket)
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	if staticDir != "" {
		if _, err := os.Stat(staticDir); err == nil {
			r.Handle("/*", http.FileServer(http.Dir(staticDir)))
		} else {
			h.log.Warn().Str("dir", staticDir).Msg("static dashboard directory missing, not serving")
		}
	}

	return r
}
