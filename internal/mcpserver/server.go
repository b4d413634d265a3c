// Package mcpserver exposes the debugger session operations as MCP tools
// over the Streamable HTTP transport.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/capulus/dbgnexus/internal/common/config"
	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/session"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Config holds the MCP host configuration.
type Config struct {
	Port      int // Port to listen on
	Extension config.ExtensionConfig
}

// Server wraps the Streamable HTTP MCP transport with lifecycle management.
// Only Streamable HTTP is exposed: unlike the interactive IDE agents this
// stack originally served, debugger clients are long-running batch
// processes that don't need the SSE transport's reconnect semantics.
type Server struct {
	cfg                  Config
	sessions             *session.Manager
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a new MCP host bound to sessions.
func New(cfg Config, sessions *session.Manager, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "mcp-host")),
	}
}

// Start starts the MCP server in a goroutine and returns once it's listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"dbgnexus-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.sessions, s.logger, s.cfg.Extension)

	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("MCP host listening",
			zap.Int("port", s.cfg.Port),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP host error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL for clients.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
