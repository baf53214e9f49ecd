package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader builds the WebSocket upgrader with origin checking against the
// configured allowed origins and per-message compression enabled.
func (s *RelayServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    2048,
		WriteBufferSize:   2048,
		EnableCompression: true,
		CheckOrigin:       s.checkOrigin,
	}
}

// checkOrigin validates the Origin header against configured allowed origin
// prefixes. Requests with no origin (native clients, tests) pass.
func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
