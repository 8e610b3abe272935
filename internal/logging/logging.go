// Package logging builds the zerolog loggers used by the CLI and the DB server.
//
// CLI commands log through a console writer with short timestamps. The DB server
// logs JSON lines so that other processes (and the client integration tests) can
// parse its output.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// ConsoleTimeFormat is the timestamp layout of console output.
const ConsoleTimeFormat = "15:04:05"

// NewConsole returns a human readable logger writing to w.
func NewConsole(w io.Writer) zerolog.Logger {
	out := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: ConsoleTimeFormat,
		NoColor:    !isTerminal(w),
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// NewServer returns a JSON logger writing to w at the given level.
// Unknown or empty levels fall back to info.
func NewServer(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// New returns a console logger when w is a terminal and a JSON logger otherwise.
func New(w io.Writer, level string) zerolog.Logger {
	if isTerminal(w) {
		return NewConsole(w).Level(ParseLevel(level))
	}
	return NewServer(w, level)
}

// ParseLevel converts a level name into a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
