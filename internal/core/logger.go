package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

// LogLevel представляет уровень логирования
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// LogOutput определяет куда выводить логи
type LogOutput int

const (
	LogOutputNone LogOutput = iota
	LogOutputConsole
	LogOutputFile
	LogOutputBoth
)

// logFileName - имя файла логов внутри директории логов
const logFileName = "tormesh.log"

// rootSubsystem - подсистема для глобальных функций Info/Warn/...
const rootSubsystem = "tormesh"

// ParseLogLevel преобразует строку из конфигурации в LogLevel
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "none", "off":
		return LogLevelSilent, nil
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "", "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("неизвестный уровень логирования: %q", s)
	}
}

// ParseLogOutput преобразует строку из конфигурации в LogOutput
func ParseLogOutput(s string) (LogOutput, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return LogOutputNone, nil
	case "", "console":
		return LogOutputConsole, nil
	case "file":
		return LogOutputFile, nil
	case "both":
		return LogOutputBoth, nil
	default:
		return LogOutputConsole, fmt.Errorf("неизвестный вывод логов: %q", s)
	}
}

// zapLevel отображает наш уровень на уровень go-log
func (l LogLevel) zapLevel() logging.LogLevel {
	switch l {
	case LogLevelSilent:
		return logging.LevelFatal
	case LogLevelError:
		return logging.LevelError
	case LogLevelWarn:
		return logging.LevelWarn
	case LogLevelDebug:
		return logging.LevelDebug
	default:
		return logging.LevelInfo
	}
}

// Logger управляет логированием одной подсистемы.
// Все логгеры пишут в общие sinks go-log, те же, что использует libp2p.
type Logger struct {
	subsystem string
	zl        *logging.ZapEventLogger
}

// NewLogger создает логгер для подсистемы (mesh, tor, health, ...)
func NewLogger(subsystem string) *Logger {
	return &Logger{
		subsystem: subsystem,
		zl:        logging.Logger(subsystem),
	}
}

// Subsystem возвращает имя подсистемы
func (l *Logger) Subsystem() string {
	return l.subsystem
}

// Zap возвращает структурированный логгер подсистемы с теми же sinks
func (l *Logger) Zap() *zap.Logger {
	return l.zl.Desugar()
}

// Debug логирует отладочное сообщение
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debugf(format, args...)
}

// Info логирует информационное сообщение
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Infof(format, args...)
}

// Warn логирует предупреждение
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warnf(format, args...)
}

// Error логирует ошибку
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Errorf(format, args...)
}

var (
	setupMu      sync.Mutex
	globalLogger *Logger
	currentLevel = LogLevelInfo
)

// InitGlobalLogger настраивает вывод и уровень всех логгеров процесса.
// Уровень применяется ко всем подсистемам, включая подсистемы libp2p.
func InitGlobalLogger(level LogLevel, output LogOutput, logDir string) error {
	setupMu.Lock()
	defer setupMu.Unlock()

	cfg := logging.Config{
		Format: logging.PlaintextOutput,
		Level:  level.zapLevel(),
	}

	switch output {
	case LogOutputConsole:
		cfg.Stderr = true
	case LogOutputFile, LogOutputBoth:
		if logDir == "" {
			logDir = "logs"
		}
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("не удалось создать директорию логов: %w", err)
		}
		cfg.File = filepath.Join(logDir, logFileName)
		cfg.Stderr = output == LogOutputBoth
	}

	logging.SetupLogging(cfg)

	// libp2p слишком разговорчив на info, оставляем его подсистемы на warn
	if level == LogLevelInfo {
		for _, subsystem := range []string{"dht", "swarm2", "basichost", "pubsub", "mdns", "autorelay"} {
			_ = logging.SetLogLevel(subsystem, "warn")
		}
	}

	currentLevel = level
	globalLogger = NewLogger(rootSubsystem)
	return nil
}

// CurrentLevel возвращает уровень, установленный InitGlobalLogger
func CurrentLevel() LogLevel {
	setupMu.Lock()
	defer setupMu.Unlock()
	return currentLevel
}

// GetGlobalLogger возвращает глобальный логгер
func GetGlobalLogger() *Logger {
	setupMu.Lock()
	defer setupMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(rootSubsystem)
	}
	return globalLogger
}

// Глобальные функции для удобства
func Debug(format string, args ...interface{}) {
	GetGlobalLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetGlobalLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetGlobalLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetGlobalLogger().Error(format, args...)
}
