package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Warn(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
	Fatal(msg string, keyvals ...interface{})
	With(keyvals ...interface{}) Logger
}

type Options struct {
	Level    string
	Format   string // "json" or "text"
	Output   string // "stdout", "stderr" or "file"
	FilePath string
}

type zeroLogger struct {
	logger zerolog.Logger
}

func New(level string, format string) Logger {
	l, _ := NewWithOptions(Options{Level: level, Format: format})
	return l
}

// NewWithOptions builds a logger; a file output that cannot be opened falls
// back to stdout and the error is returned alongside the usable logger.
func NewWithOptions(opts Options) (Logger, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var (
		out    io.Writer = os.Stdout
		outErr error
	)
	switch opts.Output {
	case "stderr":
		out = os.Stderr
	case "file":
		f, err := openLogFile(opts.FilePath)
		if err != nil {
			outErr = err
		} else {
			out = f
		}
	}

	if opts.Format == "text" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.Output == "file",
		}
	}

	return FromWriter(out, opts.Level), outErr
}

// FromWriter is used by tests to capture output.
func FromWriter(w io.Writer, level string) Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		l = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(l).With().Timestamp().Logger()
	return &zeroLogger{logger: z}
}

func Nop() Logger {
	return &zeroLogger{logger: zerolog.Nop()}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("log output is file but file_path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (l *zeroLogger) Debug(msg string, keyvals ...interface{}) {
	l.log(l.logger.Debug(), msg, keyvals...)
}

func (l *zeroLogger) Info(msg string, keyvals ...interface{}) {
	l.log(l.logger.Info(), msg, keyvals...)
}

func (l *zeroLogger) Warn(msg string, keyvals ...interface{}) {
	l.log(l.logger.Warn(), msg, keyvals...)
}

func (l *zeroLogger) Error(msg string, keyvals ...interface{}) {
	l.log(l.logger.Error(), msg, keyvals...)
}

func (l *zeroLogger) Fatal(msg string, keyvals ...interface{}) {
	l.log(l.logger.Fatal(), msg, keyvals...)
}

func (l *zeroLogger) With(keyvals ...interface{}) Logger {
	ctx := l.logger.With()
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			ctx = ctx.Interface(key, keyvals[i+1])
		}
	}
	return &zeroLogger{logger: ctx.Logger()}
}

func (l *zeroLogger) log(e *zerolog.Event, msg string, keyvals ...interface{}) {
	if e == nil {
		return
	}

	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			key, ok := keyvals[i].(string)
			if !ok {
				continue
			}
			// errors marshal to {} through Interface
			if err, isErr := keyvals[i+1].(error); isErr {
				e.AnErr(key, err)
				continue
			}
			e.Interface(key, keyvals[i+1])
		}
	}

	e.Msg(msg)
}
