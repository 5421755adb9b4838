package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level and sink of the root logger.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a JSON zerolog logger writing to stdout or to a rotating file.
func New(opts Options) zerolog.Logger {
	return zerolog.New(writer(opts)).
		Level(level(opts.Level)).
		With().
		Timestamp().
		Str("component", "ota-agent").
		Logger()
}

func writer(opts Options) io.Writer {
	if opts.File == "" || strings.EqualFold(opts.File, "stdout") {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

func level(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
