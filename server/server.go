package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/biyahe/relay/config"
)

// tunables is the server's working copy of config.RelayConfig, swapped in by
// ApplyConfig on hot reload. Guarded by mu.
type tunables struct {
	movementThreshold   float64
	heartbeatInterval   time.Duration
	gracePeriod         time.Duration
	staleTimeout        time.Duration
	cleanupInterval     time.Duration
	maxUpdatesPerMinute int
	maxSnapshotDrivers  int
	maxClients          int
	shutdownSettle      time.Duration
}

func tunablesFrom(rc config.RelayConfig) tunables {
	return tunables{
		movementThreshold:   rc.MovementThresholdDegrees,
		heartbeatInterval:   rc.HeartbeatInterval(),
		gracePeriod:         rc.GracePeriod(),
		staleTimeout:        rc.StaleTimeout(),
		cleanupInterval:     rc.CleanupInterval(),
		maxUpdatesPerMinute: rc.MaxUpdatesPerMinute,
		maxSnapshotDrivers:  rc.MaxSnapshotDrivers,
		maxClients:          rc.MaxClients,
		shutdownSettle:      rc.ShutdownSettle(),
	}
}

// RelayServer multiplexes driver and user WebSocket connections and owns the
// in-memory model: driver and user tables, sessions, the account index, and
// the rate gate. All table and index mutation is serialized by mu; fan-out
// writes happen outside the critical section through per-client queues.
type RelayServer struct {
	logger *zap.SugaredLogger

	mu          sync.Mutex
	tun         tunables
	drivers     map[string]*DriverRecord
	users       map[string]*UserRecord
	sessions    map[string]*Session
	clients     map[string]*Client // connection id -> client
	accountConn map[string]string  // account id -> connection id, both cohorts
	gate        *rateGate

	register   chan *Client
	unregister chan *Client

	allowedOrigins []string

	httpServer *http.Server

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	state          atomic.Int32
	startedAt      time.Time
	broadcastDrops atomic.Int64

	// now is the clock; tests substitute a fake.
	now func() time.Time
}

// NewRelayServer creates a relay server from the given configuration.
func NewRelayServer(cfg *config.Config, log *zap.SugaredLogger) *RelayServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		logger:         log,
		tun:            tunablesFrom(cfg.Relay),
		drivers:        make(map[string]*DriverRecord),
		users:          make(map[string]*UserRecord),
		sessions:       make(map[string]*Session),
		clients:        make(map[string]*Client),
		accountConn:    make(map[string]string),
		gate:           newRateGate(),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		allowedOrigins: cfg.Server.AllowedOrigins,
		ctx:            ctx,
		cancel:         cancel,
		now:            time.Now,
	}
	s.startedAt = s.now()
	return s
}

// ApplyConfig swaps in new engine tunables. Called by the config watcher.
func (s *RelayServer) ApplyConfig(cfg *config.Config) error {
	s.mu.Lock()
	s.tun = tunablesFrom(cfg.Relay)
	s.mu.Unlock()
	s.logger.Infow("Relay tunables reloaded",
		"movement_threshold", cfg.Relay.MovementThresholdDegrees,
		"heartbeat_interval", cfg.Relay.HeartbeatInterval(),
		"stale_timeout", cfg.Relay.StaleTimeout(),
	)
	return nil
}

// getState returns the current server state.
func (s *RelayServer) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state.
func (s *RelayServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// Run is the hub event loop handling connection arrival and departure.
func (s *RelayServer) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// handleClientRegister admits a new connection into the client table.
func (s *RelayServer) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= s.tun.maxClients {
		max := s.tun.maxClients
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", max,
		)
		client.enqueue(outbound{Event: "error", Data: errorReply{Message: "server at capacity"}, terminal: true})
		return
	}
	s.clients[client.id] = client
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// handleClientUnregister removes a departed connection and transitions its
// bound record into the grace window.
func (s *RelayServer) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client.id)
	total := len(s.clients)
	notices := s.unbindLocked(client)
	s.mu.Unlock()

	client.close()
	s.deliver(notices)

	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// queued is a message captured under the lock for delivery outside it.
type queued struct {
	client *Client
	msg    outbound
}

// deliver sends captured messages, evicting subscribers whose queue is full.
func (s *RelayServer) deliver(msgs []queued) {
	for _, q := range msgs {
		if !q.client.enqueue(q.msg) {
			s.dropSlowClient(q.client)
		}
	}
}

// unbindLocked detaches a connection from all indexes and moves its driver or
// user record into disconnected-with-grace. Returns pingRemoved notices for
// drivers the departing user was waiting on. Caller holds mu.
func (s *RelayServer) unbindLocked(client *Client) []queued {
	s.gate.reset(client.id)

	if client.sessionKey != "" {
		if sess, ok := s.sessions[client.sessionKey]; ok && sess.ConnID == client.id {
			sess.ConnID = ""
		}
	}

	return s.releaseAccountLocked(client)
}

// releaseAccountLocked drops the connection's account binding, transitioning
// the bound record into the grace window. Also used when a connection
// re-registers under a different account. Caller holds mu.
func (s *RelayServer) releaseAccountLocked(client *Client) []queued {
	acc := client.accountID
	if acc == "" {
		return nil
	}
	if s.accountConn[acc] != client.id {
		// Preempted earlier: the account now belongs to a newer connection.
		return nil
	}
	delete(s.accountConn, acc)

	now := s.now()
	if client.role == RoleDriver {
		if rec, ok := s.drivers[acc]; ok && rec.ConnID == client.id {
			rec.toGrace(now)
			s.logger.Infow("Driver entered grace window",
				"account_id", acc,
				"client_id", client.id,
			)
		}
		return nil
	}

	if rec, ok := s.users[acc]; ok && rec.ConnID == client.id {
		rec.toGrace(now)
	}
	return s.pruneWaitingUserLocked(acc, "user_disconnected")
}
