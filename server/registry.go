package server

import (
	"github.com/google/uuid"

	"github.com/biyahe/relay/errors"
)

// Registration and session resumption. The registry enforces "at most one
// live connection per account id": a newer registration always wins, and the
// incumbent is told why before its transport closes.

// registerRole binds the connection to a role (and usually an account) and
// mints a fresh session key. Users must present a non-empty account id;
// drivers may defer identity to their first location update.
func (s *RelayServer) registerRole(c *Client, p registerRolePayload) error {
	role := Role(p.Role)
	if !role.valid() {
		return validationf("unknown role %q", p.Role)
	}
	if role == RoleUser && p.AccountID == "" {
		return validationf("accountId is required for role user")
	}

	s.mu.Lock()
	now := s.now()

	var notices []queued
	if p.AccountID != "" {
		notices = s.preemptLocked(p.AccountID, c.id, "")
	}

	// Re-registration on the same connection abandons the prior session and
	// releases any differently-named account it held.
	if c.accountID != "" && c.accountID != p.AccountID {
		notices = append(notices, s.releaseAccountLocked(c)...)
	}
	if c.sessionKey != "" {
		delete(s.sessions, c.sessionKey)
	}

	key := uuid.NewString()
	s.sessions[key] = &Session{
		Key:            key,
		AccountID:      p.AccountID,
		Role:           role,
		ConnID:         c.id,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	c.role = role
	c.accountID = p.AccountID
	c.sessionKey = key

	if p.AccountID != "" {
		s.accountConn[p.AccountID] = c.id
	}

	s.gate.reset(c.id)

	var initial []snapshotDriver
	switch role {
	case RoleUser:
		if rec, ok := s.users[p.AccountID]; ok {
			rec.rebind(c.id, now)
		} else {
			s.users[p.AccountID] = &UserRecord{
				AccountID:      p.AccountID,
				ConnID:         c.id,
				LastActivityAt: now,
			}
		}
		initial, _, _ = s.snapshotLocked()
	case RoleDriver:
		if p.AccountID != "" {
			if rec, ok := s.drivers[p.AccountID]; ok {
				rec.rebind(c.id, now)
			}
		}
	}
	s.mu.Unlock()

	s.deliver(notices)
	s.unicast(c, "sessionAssigned", key)
	if role == RoleUser {
		s.unicast(c, "currentData", currentDataReply{Buses: initial})
	}

	s.logger.Infow("Role registered",
		"client_id", c.id,
		"role", string(role),
		"account_id", p.AccountID,
	)
	return nil
}

// resumeSession reclaims a prior logical session by key, preempting whatever
// connection currently holds it.
func (s *RelayServer) resumeSession(c *Client, key string) error {
	if key == "" {
		return validationf("sessionKey is required")
	}

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrSessionUnknown, "session %s", key)
	}
	now := s.now()

	var notices []queued
	if sess.ConnID != "" && sess.ConnID != c.id {
		notices = append(notices, s.preemptConnLocked(sess.ConnID, key)...)
	}
	if sess.AccountID != "" {
		notices = append(notices, s.preemptLocked(sess.AccountID, c.id, key)...)
	}
	if c.accountID != "" && c.accountID != sess.AccountID {
		notices = append(notices, s.releaseAccountLocked(c)...)
	}
	if c.sessionKey != "" && c.sessionKey != key {
		delete(s.sessions, c.sessionKey)
	}

	role, accountID := sess.Role, sess.AccountID
	c.role = role
	c.accountID = accountID
	c.sessionKey = key
	sess.ConnID = c.id
	sess.LastActivityAt = now
	if accountID != "" {
		s.accountConn[accountID] = c.id
	}

	s.gate.reset(c.id)

	var initial []snapshotDriver
	switch role {
	case RoleDriver:
		if rec, ok := s.drivers[accountID]; ok {
			rec.rebind(c.id, now)
			// The client may hold fresher occupancy than the server; defer
			// driverStateRestored until its first authoritative update.
			rec.PendingStateRestore = true
		}
	case RoleUser:
		if rec, ok := s.users[accountID]; ok {
			rec.rebind(c.id, now)
		} else {
			s.users[accountID] = &UserRecord{
				AccountID:      accountID,
				ConnID:         c.id,
				LastActivityAt: now,
			}
		}
		initial, _, _ = s.snapshotLocked()
	}
	s.mu.Unlock()

	s.deliver(notices)
	s.unicast(c, "sessionAssigned", key)
	if role == RoleUser {
		s.unicast(c, "currentData", currentDataReply{Buses: initial})
	}

	s.logger.Infow("Session resumed",
		"client_id", c.id,
		"role", string(role),
		"account_id", accountID,
	)
	return nil
}

// preemptLocked evicts whichever connection currently holds accountID, unless
// it is newConnID itself. keepKey names a session that must survive the
// eviction (the one being resumed). Caller holds mu.
func (s *RelayServer) preemptLocked(accountID, newConnID, keepKey string) []queued {
	oldID, ok := s.accountConn[accountID]
	if !ok || oldID == newConnID {
		return nil
	}
	return s.preemptConnLocked(oldID, keepKey)
}

// preemptConnLocked strips the incumbent connection of its bindings and
// queues the terminal connectionReplaced notice. The incumbent's record is
// left alone: the successor rebinds it immediately. Caller holds mu.
func (s *RelayServer) preemptConnLocked(oldConnID, keepKey string) []queued {
	old, ok := s.clients[oldConnID]
	if !ok {
		// Transport already gone; just drop the stale index entry.
		for acc, id := range s.accountConn {
			if id == oldConnID {
				delete(s.accountConn, acc)
			}
		}
		return nil
	}

	if old.accountID != "" && s.accountConn[old.accountID] == oldConnID {
		delete(s.accountConn, old.accountID)
	}
	if old.sessionKey != "" && old.sessionKey != keepKey {
		delete(s.sessions, old.sessionKey)
	}
	old.accountID = ""
	old.sessionKey = ""
	s.gate.reset(oldConnID)

	s.logger.Infow("Preempting connection",
		"client_id", oldConnID,
	)

	return []queued{{
		client: old,
		msg: outbound{
			Event: "connectionReplaced",
			Data: connectionReplacedPayload{
				Message:   "replaced by a newer connection for this account",
				Timestamp: s.now().Unix(),
			},
			terminal: true,
		},
	}}
}

// bindDriverIdentityLocked attaches a deferred driver identity carried on the
// first update of a connection that registered without an account id.
// Returns preemption notices. Caller holds mu.
func (s *RelayServer) bindDriverIdentityLocked(c *Client, accountID string) []queued {
	notices := s.preemptLocked(accountID, c.id, c.sessionKey)
	c.accountID = accountID
	if sess, ok := s.sessions[c.sessionKey]; ok {
		sess.AccountID = accountID
	}
	s.accountConn[accountID] = c.id
	return notices
}
