// Package main provides the entry point for the saj-h1-mqtt bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/pubsub"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/service"
)

var version = "unknown" // overridden by build flags

func main() {
	code := run()
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("saj-h1-mqtt bridge %s\n", version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", version).Msg("Starting saj-h1-mqtt bridge")
	cfg.Print()

	var transport domain.Transport = pubsub.NewMQTTTransport(cfg)

	bridge, err := service.NewBridge(cfg, transport)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create bridge")
		return 1
	}

	if err := bridge.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start bridge")
		return 1
	}

	log.Info().
		Strs("inverters", cfg.Inverters).
		Msg("Bridge started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := bridge.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping bridge")
		return 1
	}

	log.Info().Msg("Bridge stopped")
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
