package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/config"
)

// New builds the root logger. Console output is meant for terminals; json
// for log shippers.
func New(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Protocol derives the logger handed to the protocol client, which is chatty
// at debug level.
func Protocol(root zerolog.Logger, cfg config.LogConfig) zerolog.Logger {
	level, err := parseLevel(cfg.ProtocolLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	return root.Level(level).With().Str("component", "whatsmeow").Logger()
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
