// Package logger provides structured logging for the plugin host runtime.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	// Set global logger
	Log = log.With().
		Str("service", "pluginhost").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// component returns a child logger tagged with the given kernel
// component name.
func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Discovery creates a logger for discovery and manifest-loading events.
func Discovery() *zerolog.Logger { return component("discovery") }

// Loader creates a logger for loader/scheduler events.
func Loader() *zerolog.Logger { return component("loader") }

// StateMachine creates a logger for plugin state transitions.
func StateMachine() *zerolog.Logger { return component("state") }

// Guard creates a logger for guard-manager events.
func Guard() *zerolog.Logger { return component("guard") }

// Service creates a logger for cross-plugin service manager events.
func Service() *zerolog.Logger { return component("service") }

// Cache creates a logger for cache events.
func Cache() *zerolog.Logger { return component("cache") }

// CircuitBreaker creates a logger for circuit breaker events.
func CircuitBreaker() *zerolog.Logger { return component("circuit-breaker") }

// EventBus creates a logger for the event bus.
func EventBus() *zerolog.Logger { return component("event-bus") }

// Conflict creates a logger for conflict-detector events.
func Conflict() *zerolog.Logger { return component("conflict") }

// Registry creates a logger for registry-client events.
func Registry() *zerolog.Logger { return component("registry") }

// ControlPlane creates a logger for the HTTP control-plane surface.
func ControlPlane() *zerolog.Logger { return component("control-plane") }
