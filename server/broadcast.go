package server

import "github.com/biyahe/relay/errors"

// Fan-out primitives. Recipient sets are captured under the lock; the actual
// channel sends happen outside it, so a slow or dead subscriber never blocks
// producers or other subscribers.

// userClientsLocked snapshots the current user cohort. Caller holds mu.
func (s *RelayServer) userClientsLocked() []*Client {
	recipients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		if client.role == RoleUser {
			recipients = append(recipients, client)
		}
	}
	return recipients
}

// fanout enqueues an event on every captured recipient. A full queue is
// treated the same as a dead transport: the subscriber is evicted and the
// fan-out continues.
func (s *RelayServer) fanout(event string, data interface{}, recipients []*Client) {
	msg := outbound{Event: event, Data: data}
	for _, client := range recipients {
		if !client.enqueue(msg) {
			s.broadcastDrops.Add(1)
			s.dropSlowClient(client)
		}
	}
}

// unicast enqueues one event on one client, with the same eviction policy.
func (s *RelayServer) unicast(c *Client, event string, data interface{}) {
	if !c.enqueue(outbound{Event: event, Data: data}) {
		s.broadcastDrops.Add(1)
		s.dropSlowClient(c)
	}
}

// driverClientLocked resolves the live client bound to a driver account.
// Caller holds mu.
func (s *RelayServer) driverClientLocked(accountID string) (*Client, error) {
	rec, ok := s.drivers[accountID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "driver %s", accountID)
	}
	if rec.ConnID == "" {
		return nil, errors.Wrapf(ErrUnavailable, "driver %s is disconnected", accountID)
	}
	client, ok := s.clients[rec.ConnID]
	if !ok {
		return nil, errors.Wrapf(ErrUnavailable, "driver %s transport is gone", accountID)
	}
	return client, nil
}

// dropSlowClient removes a client whose queue is full, treating it exactly
// like a transport close.
func (s *RelayServer) dropSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client.id)
	notices := s.unbindLocked(client)
	s.mu.Unlock()

	client.close()
	s.deliver(notices)

	s.logger.Warnw("Client send queue full, removing client",
		"client_id", client.id,
		"total_drops", s.broadcastDrops.Load(),
	)
}
