package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. Its level can change while running; every
// child logger derived from GetZerolog follows the change.
type Logger struct {
	logger   zerolog.Logger
	gate     *levelGate
	file     *os.File
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string    // trace, debug, info, warn, error
	File      string    // log file path, appended to
	Console   bool      // write to Output
	Pretty    bool      // human-readable console lines
	Redaction bool      // mask credentials before writing
	Output    io.Writer // console destination, stderr when nil
}

// New builds a logger from cfg and installs it as the zerolog global.
// Unknown levels fall back to info.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var writers []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
		} else {
			writers = append(writers, out)
		}
	}

	file, err := openLogFile(cfg.File)
	if err != nil {
		return nil, err
	}
	if file != nil {
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = out
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	gate := &levelGate{w: writer}
	gate.set(level)

	logger := zerolog.New(gate).
		Level(zerolog.TraceLevel).
		With().
		Timestamp().
		Logger()
	log.Logger = logger

	return &Logger{
		logger:   logger,
		gate:     gate,
		file:     file,
		redactor: redactor,
	}, nil
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// SetLevel changes the minimum level written by this logger and all of its
// children.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return fmt.Errorf("invalid log level: %q", level)
	}
	l.gate.set(lvl)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() zerolog.Level {
	return l.gate.get()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

func (l *Logger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// With creates a child logger context.
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
	}
}

// levelGate drops events below an adjustable level.
type levelGate struct {
	w     io.Writer
	level atomic.Int32
}

func (g *levelGate) set(l zerolog.Level) { g.level.Store(int32(l)) }

func (g *levelGate) get() zerolog.Level { return zerolog.Level(g.level.Load()) }

func (g *levelGate) Write(p []byte) (int, error) {
	return g.w.Write(p)
}

func (g *levelGate) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < g.get() {
		return len(p), nil
	}
	return g.w.Write(p)
}
