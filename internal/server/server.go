// Package server exposes the sync engine over HTTP.
//
// Endpoints:
//   - POST /sync      run one sync session (pull delta, push mutations)
//   - POST /register  bind a device token to a user, returns client id
//   - GET  /health    liveness probe
//   - GET  /status    log size, max sequence, client and marker counts
//
// The server maps engine error kinds to client instructions: transient
// failures get "retry" (with backoff), cursor/integrity failures get
// "resync".
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stuhub/classtrack-sync/internal/db"
	"github.com/stuhub/classtrack-sync/internal/identity"
	"github.com/stuhub/classtrack-sync/internal/session"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server serves the sync HTTP API.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	coordinator *session.Coordinator
	registry    *identity.Registry
	database    *db.DB

	wg     sync.WaitGroup
	logger *log.Logger
}

// NewServer creates a sync API server over an initialized database and
// coordinator.
func NewServer(config *Config, database *db.DB, coordinator *session.Coordinator) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	return &Server{
		addr:        fmt.Sprintf(":%d", config.Port),
		coordinator: coordinator,
		registry:    identity.New(database),
		database:    database,
		logger:      config.Logger,
	}
}

// Start begins listening and serving requests.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server. Stopping a server that never
// started is a no-op.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	s.logger.Println("Stopping sync server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Sync server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
