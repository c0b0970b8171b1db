// Wraps zerolog logger, ensuring the timestamp goes in the beginning.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger is the subset of zerolog the crawler writes through
type Logger interface {
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
}

type TaskLogger struct {
	inner zerolog.Logger
}

var logger zerolog.Logger

func init() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.DurationFieldInteger = true
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger = zerolog.New(os.Stderr).With().Stack().Logger()
}

// SetOutput redirects the process-wide logger, used by the CLI for per-crawl files
func SetOutput(w io.Writer) {
	logger = zerolog.New(w).With().Stack().Logger()
}

func SetLevel(level zerolog.Level) {
	logger = logger.Level(level)
}

func Info() *zerolog.Event {
	return logger.Info().Timestamp()
}

func Warn() *zerolog.Event {
	return logger.Warn().Timestamp()
}

func Error() *zerolog.Event {
	return logger.Error().Timestamp()
}

// NewTaskLogger tags every line with the given key and value, e.g. a crawl id
func NewTaskLogger(key, value string) *TaskLogger {
	return &TaskLogger{
		inner: logger.With().Str(key, value).Logger(),
	}
}

func NewWriterTaskLogger(w io.Writer, key, value string) *TaskLogger {
	return &TaskLogger{
		inner: zerolog.New(w).With().Stack().Str(key, value).Logger(),
	}
}

func (l *TaskLogger) Info() *zerolog.Event {
	return l.inner.Info().Timestamp()
}

func (l *TaskLogger) Warn() *zerolog.Event {
	return l.inner.Warn().Timestamp()
}

func (l *TaskLogger) Error() *zerolog.Event {
	return l.inner.Error().Timestamp()
}
