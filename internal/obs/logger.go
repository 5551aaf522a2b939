// Package obs provides the leveled logger used across the CLI driver and
// session handlers: a sync.Once-guarded global with Debug/Info/Warn/Error
// helpers over the standard library's log.Logger, writing to stdout or a
// configured file.
package obs

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/auroradata-ai/psi-engine/internal/config"
)

// Level is a logging verbosity threshold.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Logger writes leveled log lines prefixed with a session tag.
type Logger struct {
	level      Level
	mainLogger *log.Logger
	mu         sync.RWMutex
	sessionID  string
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Init sets up the process-wide logger from cfg, tagged with sessionID.
func Init(cfg *config.Config, sessionID string) error {
	var err error
	globalOnce.Do(func() {
		global, err = New(cfg, sessionID)
	})
	return err
}

// Get returns the process-wide logger, falling back to a stdout logger at
// Info level if Init was never called.
func Get() *Logger {
	if global == nil {
		return &Logger{level: Info, mainLogger: log.New(os.Stdout, "[psi-engine] ", log.LstdFlags), sessionID: "default"}
	}
	return global
}

// New builds a standalone logger, independent of the process-wide global.
func New(cfg *config.Config, sessionID string) (*Logger, error) {
	l := &Logger{level: parseLevel(cfg.Logging.Level), sessionID: sessionID}

	var w io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, fmt.Errorf("obs: create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("obs: open log file: %w", err)
		}
		w = f
	}

	l.mainLogger = log.New(w, fmt.Sprintf("[psi-engine-%s] ", sessionID), log.LstdFlags)
	return l, nil
}

func parseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.logAt(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logAt(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logAt(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logAt(Error, format, args...) }

func (l *Logger) logAt(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.mainLogger.Printf("[%s] %s", levelString(level), fmt.Sprintf(format, args...))
}

func levelString(l Level) string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func Debugf(format string, args ...any) { Get().Debugf(format, args...) }
func Infof(format string, args ...any)  { Get().Infof(format, args...) }
func Warnf(format string, args ...any)  { Get().Warnf(format, args...) }
func Errorf(format string, args ...any) { Get().Errorf(format, args...) }
