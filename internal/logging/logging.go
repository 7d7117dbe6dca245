// Package logging configures the hub's structured logger and hands out
// component-scoped child loggers.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global base logger. Component loggers derive from it.
var Log zerolog.Logger

// Init sets up the global logger. pretty selects a human-readable console
// writer (development); otherwise output is newline-delimited JSON.
func Init(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "bcon-hub").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Base returns the global logger.
func Base() *zerolog.Logger { return &Log }

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Auth returns the token-validator component logger.
func Auth() *zerolog.Logger { return component("auth") }

// RateLimit returns the rate-limiter component logger.
func RateLimit() *zerolog.Logger { return component("ratelimit") }

// Registry returns the registry component logger.
func Registry() *zerolog.Logger { return component("registry") }

// Session returns the per-connection session component logger.
func Session() *zerolog.Logger { return component("session") }

// Router returns the router component logger.
func Router() *zerolog.Logger { return component("router") }

// Transport returns the connection-endpoint component logger.
func Transport() *zerolog.Logger { return component("transport") }

// Supervisor returns the scheduler/supervisor component logger.
func Supervisor() *zerolog.Logger { return component("supervisor") }

// Metrics returns the metrics component logger.
func Metrics() *zerolog.Logger { return component("metrics") }
