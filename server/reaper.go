package server

import "time"

// The reaper reconciles the registry against live transport state and purges
// records that went stale past their grace window. It is idempotent with
// respect to endSession and to itself: deleting an already-absent record is a
// no-op, and every sweep re-derives its view under the lock.

// runReaper ticks at the configured cleanup interval until shutdown. The
// interval is re-read every tick so config hot-reload takes effect.
func (s *RelayServer) runReaper() {
	defer s.wg.Done()

	s.mu.Lock()
	interval := s.tun.cleanupInterval
	s.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Reaper stopping due to context cancellation")
			return
		case <-timer.C:
			s.sweep(s.now())
			s.mu.Lock()
			interval = s.tun.cleanupInterval
			s.mu.Unlock()
			timer.Reset(interval)
		}
	}
}

// sweep runs one reaper pass at the given instant.
func (s *RelayServer) sweep(now time.Time) {
	s.mu.Lock()

	grace := s.tun.gracePeriod
	stale := s.tun.staleTimeout

	var removed []string
	var notices []queued

	for acc, rec := range s.drivers {
		// Transport reconciliation: a record claiming a connection the
		// client table no longer holds goes into grace.
		if rec.ConnID != "" {
			if _, live := s.clients[rec.ConnID]; !live {
				goneID := rec.ConnID
				rec.toGrace(now)
				if s.accountConn[acc] == goneID {
					delete(s.accountConn, acc)
				}
				s.logger.Infow("Reaper moved driver to grace: transport gone",
					"account_id", acc,
				)
			}
		}

		if now.Sub(rec.LastUpdatedAt) <= stale {
			continue
		}
		if rec.inGrace() && now.Sub(rec.DisconnectedAt) <= grace {
			continue
		}

		delete(s.drivers, acc)
		delete(s.accountConn, acc)
		removed = append(removed, acc)
	}

	for acc, rec := range s.users {
		if rec.ConnID != "" {
			if _, live := s.clients[rec.ConnID]; !live {
				goneID := rec.ConnID
				rec.toGrace(now)
				if s.accountConn[acc] == goneID {
					delete(s.accountConn, acc)
				}
			}
		}

		if now.Sub(rec.LastActivityAt) <= stale {
			continue
		}
		if rec.Disconnected && now.Sub(rec.DisconnectedAt) <= grace {
			continue
		}

		delete(s.users, acc)
		delete(s.accountConn, acc)
		notices = append(notices, s.pruneWaitingUserLocked(acc, "user_disconnected")...)
	}

	s.gate.sweep(now)

	var recipients []*Client
	if len(removed) > 0 {
		recipients = s.userClientsLocked()
	}
	s.mu.Unlock()

	for _, acc := range removed {
		s.logger.Infow("Reaper removed stale driver", "account_id", acc)
		s.fanout("driverRemoved", driverRemovedPayload{
			AccountID: acc,
			Timestamp: now.Unix(),
		}, recipients)
	}
	s.deliver(notices)
}
