package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/biyahe/relay/errors"
)

// Client represents one WebSocket connection, driver or user. Role and
// account bindings are assigned at registration and guarded by the server
// mutex; the pumps own the transport.
type Client struct {
	server    *RelayServer
	conn      *websocket.Conn
	send      chan outbound
	done      chan struct{}
	id        string
	closeOnce sync.Once

	// Bound under server.mu.
	role       Role
	accountID  string
	sessionKey string
}

// enqueue queues a message for the write pump. Returns false when the queue
// is full; callers treat that as a dead subscriber.
func (c *Client) enqueue(msg outbound) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close tears down the transport and releases the write pump. Safe to call
// from any goroutine, any number of times.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump reads inbound messages until the transport dies, then hands the
// client to the hub for unbinding.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
			c.close()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", "client_id", c.id)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(messageBytes, &env); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"client_id", c.id,
				"message_size", len(messageBytes),
			)
			c.sendError("malformed message")
			continue
		}

		c.dispatch(&env)
	}
}

// handleReadError logs how a WebSocket read ended. Every close is logged at
// info level; a close code other than going away, abnormal closure, or no
// status is also logged as a warning. Read errors that are not closes are
// not logged.
func (c *Client) handleReadError(err error) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		c.server.logger.Infow("WebSocket closed",
			"client_id", c.id,
			"code", closeErr.Code,
			"text", closeErr.Text,
		)
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"client_id", c.id,
			"error", err.Error(),
		)
	}
}

// writePump writes queued messages and keepalive pings to the connection. A
// terminal message is written, then the connection closes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	c.server.logger.Debugw("Write pump started", "client_id", c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(Envelope{Event: msg.Event, Data: mustMarshal(msg.Data)}); err != nil {
				c.server.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id,
					"event", msg.Event,
				)
				return
			}
			if msg.terminal {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg.Event))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// mustMarshal encodes an outbound payload; a payload that cannot marshal is a
// programming error surfaced as a JSON null rather than a dropped connection.
func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

// requiredRole maps role-gated events to the cohort allowed to send them.
var requiredRole = map[string]Role{
	"updateLocation":     RoleDriver,
	"destinationUpdate":  RoleDriver,
	"routeUpdate":        RoleDriver,
	"passengerUpdate":    RoleDriver,
	"endSession":         RoleDriver,
	"getBusInfo":         RoleUser,
	"requestDriversData": RoleUser,
	"requestCurrentData": RoleUser,
	"pingDriver":         RoleUser,
	"unpingDriver":       RoleUser,
}

// dispatch routes one inbound message through admission, the handler, and the
// fault envelope. Handler panics surface as a generic error to the offending
// connection; the engine keeps running.
func (c *Client) dispatch(env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.server.logger.Errorw("Handler panicked",
				"event", env.Event,
				"client_id", c.id,
				"panic", r,
			)
			c.sendError("internal server error")
		}
	}()

	c.touchActivity()

	if want, gated := requiredRole[env.Event]; gated && c.currentRole() != want {
		c.server.logger.Warnw("Event not permitted for role",
			"event", env.Event,
			"client_id", c.id,
			"role", string(c.currentRole()),
		)
		c.sendError("event " + env.Event + " not permitted for this role")
		return
	}

	if err := c.route(env); err != nil {
		c.server.logger.Warnw("Handler rejected message",
			"event", env.Event,
			"client_id", c.id,
			"error", err.Error(),
		)
		c.sendError(clientMessage(err))
	}
}

// route invokes the handler for a known event.
func (c *Client) route(env *Envelope) error {
	s := c.server
	switch env.Event {
	case "registerRole":
		p, err := parseRegisterRole(env.Data)
		if err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.registerRole(c, p)

	case "resumeSession":
		key, err := parseSessionKey(env.Data)
		if err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.resumeSession(c, key)

	case "updateLocation":
		var p locationUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.driverLocationUpdate(c, p)

	case "destinationUpdate":
		var p destinationUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.driverDestinationUpdate(c, p)

	case "routeUpdate":
		var p routeUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.driverRouteUpdate(c, p)

	case "passengerUpdate":
		var p passengerUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.driverPassengerUpdate(c, p)

	case "endSession":
		return s.driverEndSession(c)

	case "getBusInfo":
		var p busInfoRequestPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.userGetBusInfo(c, p)

	case "requestDriversData":
		return s.userRequestSnapshot(c, "driversData")

	case "requestCurrentData":
		return s.userRequestSnapshot(c, "driversSnapshot")

	case "pingDriver":
		var p pingDriverPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.userPingDriver(c, p)

	case "unpingDriver":
		var p unpingDriverPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return errors.Wrap(ErrValidation, err.Error())
		}
		return s.userUnpingDriver(c, p)

	default:
		return validationf("unknown event %q", env.Event)
	}
}

// currentRole reads the bound role under the server lock.
func (c *Client) currentRole() Role {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.role
}

// touchActivity refreshes activity stamps on the bound user and session.
func (c *Client) touchActivity() {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c.sessionKey != "" {
		if sess, ok := s.sessions[c.sessionKey]; ok {
			sess.LastActivityAt = now
		}
	}
	if c.role == RoleUser && c.accountID != "" {
		if rec, ok := s.users[c.accountID]; ok {
			rec.LastActivityAt = now
		}
	}
}

// sendError emits the generic error event on this connection.
func (c *Client) sendError(message string) {
	c.enqueue(outbound{Event: "error", Data: errorReply{Message: message}})
}

// clientMessage maps an error onto the message sent to the client, keeping
// internal detail out of the protocol.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionUnknown):
		return "unknown session; please register again"
	case errors.Is(err, ErrRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrUnavailable):
		return "driver is not reachable"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnauthorized):
		return err.Error()
	default:
		return "internal server error"
	}
}
