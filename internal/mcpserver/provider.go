package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/session"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port: 9090,
	}
}

// Provide starts the MCP server bound to sessions and returns a cleanup
// function to stop it. Useful for integration with dependency injection.
func Provide(ctx context.Context, cfg Config, sessions *session.Manager, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, sessions, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
