package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Profusion-AI/cardmint/internal/app"
	"github.com/Profusion-AI/cardmint/internal/common"
	"github.com/Profusion-AI/cardmint/internal/server"
	"github.com/Profusion-AI/cardmint/internal/storage/sqlite"
)

// Exit codes: 0 success, 1 operational error, 2 fatal / invariant
// violation (bad config, unknown command).
const (
	exitOK          = 0
	exitOperational = 1
	exitFatal       = 2
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV || flag.Arg(0) == "version" {
		fmt.Printf("CardMint version %s\n", common.GetFullVersion())
		os.Exit(exitOK)
	}

	// Shorthand port flag takes precedence
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("cardmint.toml"); err == nil {
			configFiles = append(configFiles, "cardmint.toml")
		} else if _, err := os.Stat("deployments/local/cardmint.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/cardmint.toml")
		}
	}

	// Startup order: config (defaults -> files -> env) -> flag overrides
	// -> logger -> banner
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(exitFatal)
	}
	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.InitLogger(config)

	switch flag.Arg(0) {
	case "", "serve":
		os.Exit(runServe(config, logger))
	case "migrate":
		os.Exit(runMigrate(config, logger))
	case "drain":
		os.Exit(runDrain(config, logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, migrate, drain, or version)\n", flag.Arg(0))
		os.Exit(exitFatal)
	}
}

// runMigrate applies pending schema migrations and exits. Opening the
// database runs the migration set; a checksum mismatch on an applied
// migration is an invariant violation.
func runMigrate(config *common.Config, logger arbor.ILogger) int {
	db, err := sqlite.New(logger, &config.Storage.SQLite)
	if err != nil {
		logger.Error().Err(err).Msg("Migration failed")
		return exitOperational
	}
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database")
		return exitOperational
	}
	logger.Info().Str("path", config.Storage.SQLite.Path).Msg("Migrations applied")
	return exitOK
}

// runDrain asks a running process to stop accepting work and waits,
// bounded, for it to go away.
func runDrain(config *common.Config, logger arbor.ILogger) int {
	base := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Post(base+"/api/shutdown", "application/json", nil)
	if err != nil {
		logger.Error().Err(err).Str("url", base).Msg("No running process to drain")
		return exitOperational
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		logger.Error().Int("status", resp.StatusCode).Msg("Drain request refused")
		return exitOperational
	}

	deadline := time.Now().Add(common.MustDuration(config.Queue.GracefulShutdown) + 10*time.Second)
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			logger.Info().Msg("Process drained")
			return exitOK
		}
		conn.Close()
		time.Sleep(500 * time.Millisecond)
	}
	logger.Error().Msg("Process still listening after drain deadline")
	return exitOperational
}

func runServe(config *common.Config, logger arbor.ILogger) int {
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("drop_dir", config.Watcher.DropDir).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return exitFatal
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start pipeline")
		return exitFatal
	}

	srv := server.New(logger, config, application.Handlers)
	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	serverErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
				serverErr <- fmt.Errorf("server panic: %v", r)
			}
		}()

		if err := srv.Start(); err != nil {
			serverErr <- err
		}
	}()

	// Give the listener a moment to bind before announcing readiness
	time.Sleep(100 * time.Millisecond)

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case <-shutdownChan:
		logger.Info().Msg("Drain requested via HTTP")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Server failed")
		return exitOperational
	}

	// Stop the HTTP surface first, then drain the pipeline via the
	// deferred application.Close.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
		return exitOperational
	}

	logger.Info().Msg("Server stopped")
	return exitOK
}
