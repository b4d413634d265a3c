// Package main is the entry point for the dbgnexus MCP server: it exposes
// debugger session orchestration (open/close session, enqueue commands and
// extensions, read results) to MCP-compatible clients over Streamable HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/capulus/dbgnexus/internal/common/config"
	"github.com/capulus/dbgnexus/internal/common/logger"
	"github.com/capulus/dbgnexus/internal/debugger/session"
	"github.com/capulus/dbgnexus/internal/events"
	"github.com/capulus/dbgnexus/internal/mcpserver"
)

var version = "dev"

func main() {
	viper.SetEnvPrefix("DBGNEXUS")
	viper.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "dbgnexus-mcp",
		Short: "MCP server for orchestrating out-of-process debugger sessions",
	}

	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().Int("port", 0, "MCP server port (overrides config)")
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbgnexus-mcp %s\n", version)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), viper.GetString("config"), viper.GetInt("port"))
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dbgnexus-mcp: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string, portOverride int) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting dbgnexus-mcp", zap.String("version", version), zap.Int("port", cfg.Server.Port))

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer func() { _ = busCleanup() }()
	log.Info("event bus ready", zap.Bool("connected", providedBus.Bus.IsConnected()))

	sessions := session.NewManager(cfg.Session, cfg.Driver, cfg.Cache, log, session.WithNotifier(providedBus.Bus))
	sessions.StartSweeps(ctx)

	mcpCfg := mcpserver.Config{Port: cfg.Server.Port, Extension: cfg.Extension}
	srv, cleanup, err := mcpserver.Provide(ctx, mcpCfg, sessions, log)
	if err != nil {
		return fmt.Errorf("failed to start MCP server: %w", err)
	}

	log.Info("dbgnexus-mcp listening", zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))
	fmt.Printf("dbgnexus-mcp running on :%d\n", cfg.Server.Port)
	fmt.Printf("Streamable HTTP endpoint: %s\n", srv.StreamableHTTPEndpoint())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down dbgnexus-mcp...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions.Shutdown(shutdownCtx)
	if err := cleanup(); err != nil {
		log.Error("error during MCP server shutdown", zap.Error(err))
	}

	log.Info("dbgnexus-mcp stopped")
	return nil
}
