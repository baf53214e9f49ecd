package server

import "time"

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024

	// Per-client outbound queue size
	sendQueueSize = 256

	// ShutdownTimeout is how long Stop waits for goroutines to drain
	ShutdownTimeout = 15 * time.Second

	// rateWindow is the fixed window of the producer rate gate
	rateWindow = time.Minute
)

// Role is the cohort a connection belongs to after registration.
type Role string

const (
	RoleDriver Role = "driver"
	RoleUser   Role = "user"
)

// valid reports whether r is one of the two known roles.
func (r Role) valid() bool {
	return r == RoleDriver || r == RoleUser
}

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
