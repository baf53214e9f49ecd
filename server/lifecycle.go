package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/biyahe/relay/errors"
)

// Start runs the hub, the reaper, and the HTTP listener. It blocks until the
// listener fails or Stop shuts it down.
func (s *RelayServer) Start(host string, port int) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	s.wg.Add(1)
	go s.runReaper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/", s.HandleRoot)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Relay listening",
		"addr", addr,
	)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http listener failed")
}

// Stop gracefully shuts the relay down: every live driver is marked
// disconnected, serverShutdown fans out to all connections, and after a
// settle interval the listener and transports close. In-memory state is not
// persisted; clients reconnect and re-announce.
func (s *RelayServer) Stop() error {
	s.logger.Infow("Initiating relay shutdown")
	s.setState(ServerStateDraining)

	s.mu.Lock()
	now := s.now()
	for _, rec := range s.drivers {
		if !rec.Disconnected {
			rec.toGrace(now)
		}
	}
	for _, rec := range s.users {
		if !rec.Disconnected {
			rec.toGrace(now)
		}
	}
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	settle := s.tun.shutdownSettle
	s.mu.Unlock()

	shutdownMsg := outbound{
		Event: "serverShutdown",
		Data:  timestampPayload{Timestamp: now.Unix()},
	}
	for _, client := range clients {
		client.enqueue(shutdownMsg)
	}

	if len(clients) > 0 {
		time.Sleep(settle)
	}

	s.mu.Lock()
	for id, client := range s.clients {
		delete(s.clients, id)
		client.close()
	}
	s.mu.Unlock()

	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP server shutdown error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Relay shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return nil
}
