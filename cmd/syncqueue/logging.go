package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/ereezyy/synai-sync/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the global logger
func setupLogging(c *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLogLevel(c.Log.Level))

	var console io.Writer = os.Stderr
	if c.Debug || c.Log.Pretty {
		// Pretty logging for development
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	out := console
	if c.Log.File != "" {
		// The file always gets JSON, whatever the console shows
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
			Compress:   true,
		})
	}

	ctx := zerolog.New(out).With().Timestamp().Str("service", "syncqueue")
	if c.Debug {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
