package log

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Verbosity levels accepted on the command line, lowest first.
const (
	Quiet = iota
	Error
	Warning
	Notice
	Info
	Debug
	All
)

func Level(verbosity int) zerolog.Level {
	switch {
	case verbosity <= Quiet:
		return zerolog.Disabled
	case verbosity == Error:
		return zerolog.ErrorLevel
	case verbosity == Warning:
		return zerolog.WarnLevel
	case verbosity == Notice:
		return zerolog.InfoLevel
	case verbosity == Info:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// New builds the process logger. Every line carries the run id so that logs
// from several sessions on one host can be told apart.
func New(w io.Writer, verbosity int) zerolog.Logger {

	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(w).
		Level(Level(verbosity)).
		With().
		Timestamp().
		Str("run", uuid.NewString()).
		Logger()
}

func Component(l zerolog.Logger, id string) zerolog.Logger {
	return l.With().Str("component", id).Logger()
}
