// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/valenti1234/socat-balancer-2/internal/events"
)

// upgrader accepts any origin: the dashboard may be served from a different
// host than the API, and the event stream carries no credentials.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocket serves GET /ws: upgrades the connection and registers it with
// the event hub. The server pushes event lines; client frames are ignored.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.Register(events.NewClient(h.hub, conn, h.log))
}
