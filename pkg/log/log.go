package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	logFile *os.File
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level Level

	// FilePath is the well-known run log. Empty disables the file sink.
	FilePath string

	// Truncate resets the log file instead of appending. Full update runs
	// truncate; check mode never does.
	Truncate bool

	// ConsoleOut defaults to os.Stdout.
	ConsoleOut io.Writer
}

// lineWriter renders events as "[YYYY-MM-DD HH:MM:SS] [LEVEL] message",
// the one-line shape both sinks share.
func lineWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: "2006-01-02 15:04:05",
		FormatTimestamp: func(i interface{}) string {
			ts, ok := i.(string)
			if !ok {
				return fmt.Sprintf("[%v]", i)
			}
			parsed, err := time.Parse(zerolog.TimeFieldFormat, ts)
			if err != nil {
				return "[" + ts + "]"
			}
			return "[" + parsed.Format("2006-01-02 15:04:05") + "]"
		},
		FormatLevel: func(i interface{}) string {
			lvl, _ := i.(string)
			switch lvl {
			case "warn":
				return "[WARNING]"
			case "":
				return "[INFO]"
			}
			return "[" + strings.ToUpper(lvl) + "]"
		},
	}
}

// Init initializes the global logger. When cfg.FilePath is set every line is
// written to both the console and the log file.
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := cfg.ConsoleOut
	if console == nil {
		console = os.Stdout
	}

	writers := []io.Writer{lineWriter(console)}

	if cfg.FilePath != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if cfg.Truncate {
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}
		f, err := os.OpenFile(cfg.FilePath, flags, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		writers = append(writers, lineWriter(f))
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

// Close releases the log file handle, if any.
func Close() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithModule creates a child logger with module field
func WithModule(module string) zerolog.Logger {
	return Logger.With().Str("module", module).Logger()
}

// WithRunID creates a child logger with run_id field
func WithRunID(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
