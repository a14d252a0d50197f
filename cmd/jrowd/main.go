// Command jrowd runs a jrow server: it loads configuration from the
// environment, builds the WebSocket/JSON-RPC server, and serves until
// interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/jrow/internal/config"
	"github.com/adred-codev/jrow/internal/wsserver"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides JROW_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("jrowd: load config: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("jrowd: build logger: %v", err)
	}
	cfg.LogConfig(logger)

	srv, err := wsserver.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		os.Exit(1)
	}
}
