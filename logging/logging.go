// Package logging provides structured logging for agentxd on top of log/slog.
//
// # Basic Usage
//
// Initialize the global logger once at startup:
//
//	if err := logging.Init(logging.Config{Level: "info", Format: "logfmt"}); err != nil {
//		return err
//	}
//	defer logging.Shutdown()
//
//	logging.Info("master agent started", "listen", "unix:/var/agentx/master")
//
// # Component-Aware Logging
//
// Every long-lived part of the daemon logs through a component logger, so
// each line carries component and component_type fields:
//
//	log := logging.NewComponentLogger("router", "core")
//	log.Debug("dispatch", "backend", b.Name(), "varbinds", n)
//	// Output: ... component=router component_type=core backend=... varbinds=3
//
// # Context-Aware Logging
//
// AgentX identifiers stored with WithSession, WithTransaction and
// WithRequest are added to every *Context call automatically:
//
//	ctx = logging.WithSession(ctx, 12)
//	log.InfoContext(ctx, "region registered", "oid", o)
//	// Output: ... session_id=12 oid=1.3.6.1.2.1.1
//
// # Dynamic Level Changes
//
// SetLevel changes the level of the global logger at runtime, which is how
// the daemon applies a hot-reloaded log.level:
//
//	logging.SetLevel("debug")
//
// # Testing
//
// Code that accepts a Logger can be handed Nop() in tests.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log formats.
const (
	// FormatLogfmt writes key=value lines.
	FormatLogfmt = "logfmt"
	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"
)

// Config holds the logger configuration settings.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Default "info".
	Level string `json:"level" yaml:"level"`

	// Format is "logfmt" or "json". Default "logfmt".
	Format string `json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or a file path. Default "stdout".
	// Parent directories of a file path are created.
	Output string `json:"output" yaml:"output"`

	// AddSource includes the source location of each call.
	AddSource bool `json:"add_source" yaml:"add_source"`
}

// DefaultConfig returns info level logfmt logging to stdout.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatLogfmt,
		Output: "stdout",
	}
}

var (
	globalLogger   *slog.Logger
	globalCloser   io.Closer
	globalLevelVar *slog.LevelVar
)

// New creates a logger that does not affect the global one.
//
// The returned io.Closer is non-nil only when Output names a file and must
// be closed when the logger is no longer used.
func New(config Config) (*slog.Logger, io.Closer, error) {
	logger, closer, _, err := build(config)
	return logger, closer, err
}

func build(config Config) (*slog.Logger, io.Closer, *slog.LevelVar, error) {
	if config.Level == "" {
		config.Level = LevelInfo
	}
	if !ValidateLevel(config.Level) {
		return nil, nil, nil, fmt.Errorf("invalid log level: %q, must be one of: %s, %s, %s, %s",
			config.Level, LevelDebug, LevelInfo, LevelWarn, LevelError)
	}
	if config.Format != "" && !ValidateFormat(config.Format) {
		return nil, nil, nil, fmt.Errorf("invalid log format: %q, must be one of: %s, %s",
			config.Format, FormatLogfmt, FormatJSON)
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(parseLevel(config.Level))

	var writer io.Writer
	var closer io.Closer
	switch strings.ToLower(config.Output) {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := openLogFile(config.Output)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		writer, closer = file, file
	}

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == FormatJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(&contextHandler{Handler: handler}), closer, levelVar, nil
}

// Init replaces the global logger. A file opened by a previous Init is
// closed.
func Init(config Config) error {
	logger, closer, levelVar, err := build(config)
	if err != nil {
		return err
	}
	if err := Shutdown(); err != nil {
		_ = err // the previous file is unusable either way
	}

	globalLogger = logger
	globalCloser = closer
	globalLevelVar = levelVar
	slog.SetDefault(globalLogger)
	return nil
}

// Shutdown closes the global logger's file, if any. It is safe to call more
// than once.
func Shutdown() error {
	if globalCloser != nil {
		err := globalCloser.Close()
		globalCloser = nil
		return err
	}
	return nil
}

// SetLevel changes the level of the global logger.
func SetLevel(level string) error {
	if !ValidateLevel(level) {
		return fmt.Errorf("invalid log level: %q, must be one of: %s, %s, %s, %s",
			level, LevelDebug, LevelInfo, LevelWarn, LevelError)
	}
	if globalLevelVar != nil {
		globalLevelVar.Set(parseLevel(level))
	}
	return nil
}

// parseLevel maps a level name to slog, accepting "warning" for "warn".
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateLevel reports whether level is a valid log level string.
func ValidateLevel(level string) bool {
	switch strings.ToLower(level) {
	case LevelDebug, LevelInfo, LevelWarn, "warning", LevelError:
		return true
	default:
		return false
	}
}

// ValidateFormat reports whether format is a valid log format string.
func ValidateFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatLogfmt, FormatJSON:
		return true
	default:
		return false
	}
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *slog.Logger {
	if globalLogger == nil {
		if err := Init(DefaultConfig()); err != nil {
			return slog.Default()
		}
	}
	return globalLogger
}

// Debug logs at debug level using the global logger.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Info logs at info level using the global logger.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs at warn level using the global logger.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs at error level using the global logger.
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// Logger is the logging interface accepted by agentxd components.
//
// The *Context methods add the AgentX identifiers stored in ctx.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	// With returns a Logger that adds args to every record.
	With(args ...any) Logger
}

// NewLogger creates a Logger from the provided configuration.
func NewLogger(config Config) (Logger, io.Closer, error) {
	logger, closer, err := New(config)
	if err != nil {
		return nil, closer, err
	}
	return Wrap(logger), closer, nil
}

// Wrap adapts an *slog.Logger to the Logger interface.
func Wrap(logger *slog.Logger) Logger {
	return &slogWrapper{logger: logger}
}

// GetLogger returns the global logger as a Logger.
func GetLogger() Logger {
	return Wrap(Get())
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return Wrap(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})))
}

type slogWrapper struct {
	logger *slog.Logger
}

func (s *slogWrapper) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }
func (s *slogWrapper) Info(msg string, args ...any)  { s.logger.Info(msg, args...) }
func (s *slogWrapper) Warn(msg string, args ...any)  { s.logger.Warn(msg, args...) }
func (s *slogWrapper) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

func (s *slogWrapper) DebugContext(ctx context.Context, msg string, args ...any) {
	s.logger.DebugContext(ctx, msg, args...)
}

func (s *slogWrapper) InfoContext(ctx context.Context, msg string, args ...any) {
	s.logger.InfoContext(ctx, msg, args...)
}

func (s *slogWrapper) WarnContext(ctx context.Context, msg string, args ...any) {
	s.logger.WarnContext(ctx, msg, args...)
}

func (s *slogWrapper) ErrorContext(ctx context.Context, msg string, args ...any) {
	s.logger.ErrorContext(ctx, msg, args...)
}

func (s *slogWrapper) With(args ...any) Logger {
	return &slogWrapper{logger: s.logger.With(args...)}
}

// ComponentLogger is a Logger that tags each record with the component name
// and type.
type ComponentLogger struct {
	Logger
	component     string
	componentType string
}

// NewComponentLogger derives a component logger from the global logger.
//
//	log := logging.NewComponentLogger("master", "listener")
//	log.Info("accepted connection", "peer", addr)
//	// Output: ... component=master component_type=listener peer=...
func NewComponentLogger(component, componentType string) *ComponentLogger {
	return ForComponent(GetLogger(), component, componentType)
}

// ForComponent derives a component logger from base.
func ForComponent(base Logger, component, componentType string) *ComponentLogger {
	if base == nil {
		base = GetLogger()
	}
	return &ComponentLogger{
		Logger:        base.With("component", component, "component_type", componentType),
		component:     component,
		componentType: componentType,
	}
}

// Component returns the component name.
func (cl *ComponentLogger) Component() string { return cl.component }

// ComponentType returns the component type.
func (cl *ComponentLogger) ComponentType() string { return cl.componentType }

type contextKey int

const (
	sessionKey contextKey = iota
	transactionKey
	requestKey
	peerKey
)

// WithSession stores an AgentX session id in ctx.
func WithSession(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// WithTransaction stores an AgentX transaction id in ctx.
func WithTransaction(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, transactionKey, id)
}

// WithRequest stores an SNMP request id in ctx.
func WithRequest(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// WithPeer stores the remote address of a connection in ctx.
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// contextHandler adds the identifiers stored in the record's context.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if v, ok := ctx.Value(sessionKey).(uint32); ok {
			r.AddAttrs(slog.Uint64("session_id", uint64(v)))
		}
		if v, ok := ctx.Value(transactionKey).(uint32); ok {
			r.AddAttrs(slog.Uint64("transaction_id", uint64(v)))
		}
		if v, ok := ctx.Value(requestKey).(uint32); ok {
			r.AddAttrs(slog.Uint64("request_id", uint64(v)))
		}
		if v, ok := ctx.Value(peerKey).(string); ok {
			r.AddAttrs(slog.String("peer", v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// openLogFile opens a log file for appending, creating parent directories.
// Symlinks and non-regular files are refused.
func openLogFile(filePath string) (*os.File, error) {
	if filePath == "" {
		return nil, errors.New("log file path cannot be empty")
	}

	cleanPath := filepath.Clean(filePath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid log file path: contains directory traversal: %s", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	if info, err := os.Lstat(cleanPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("refusing to open symlink for log file: %s", cleanPath)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("log path must be a regular file: %s", cleanPath)
		}
	}

	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", cleanPath, err)
	}
	return file, nil
}
