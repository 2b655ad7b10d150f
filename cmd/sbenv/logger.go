package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const envLogLevel = "SBENV_LOG_LEVEL"

// initLogger configures the global zerolog logger. Diagnostics go to stderr
// so command output on stdout stays machine-usable (activate is eval'd).
func initLogger() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.WarnLevel
	if raw := os.Getenv(envLogLevel); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	log.Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}
