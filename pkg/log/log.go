// Package log provides structured logging shared across the Manager,
// Tester, and Controller roles, wrapping zerolog with component- and
// entity-scoped child loggers (WithComponent, WithWorker, WithBug,
// WithHost) so a given log line carries consistent field names regardless
// of which subsystem emitted it.
package log

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/arthurzam/tattoo/pkg/tattootypes"
)

// Logger is the process-wide logger every package-level helper and
// child-logger constructor below builds from.
var Logger zerolog.Logger

// Config controls Init. Level is parsed with zerolog's own grammar
// (zerolog.ParseLevel) rather than a bespoke enum, so "debug"/"info"/
// "warn"/"error" and zerolog's own aliases are all accepted.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init sets up the global logger, writing to stderr unless cfg.Output says
// otherwise. JSONOutput true always forces the JSON encoder; left false,
// Init still switches to JSON automatically when the output isn't a
// terminal (the common case under systemd, per §6, or when stderr is piped
// into a log collector), since the console writer's ANSI coloring only
// helps an interactive viewer. Lines carry no timestamp when NOTIFY_SOCKET
// is set, since the service manager stamps each line itself.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	jsonOutput := cfg.JSONOutput
	if f, ok := output.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
		jsonOutput = true
	}

	writer := output
	if !jsonOutput {
		writer = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	logCtx := zerolog.New(writer).With()
	if os.Getenv("NOTIFY_SOCKET") == "" {
		logCtx = logCtx.Timestamp()
	}
	Logger = logCtx.Logger()
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker creates a child logger with worker name/arch fields.
func WithWorker(w tattootypes.Worker) zerolog.Logger {
	return Logger.With().Str("worker", w.Name).Str("arch", w.Arch).Logger()
}

// WithBug creates a child logger with a bug_no field.
func WithBug(bugNo int) zerolog.Logger {
	return Logger.With().Int("bug_no", bugNo).Logger()
}

// WithHost creates a child logger with a host field, for Controller
// fan-out where each goroutine talks to one remote Manager.
func WithHost(host string) zerolog.Logger {
	return Logger.With().Str("host", host).Logger()
}

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
