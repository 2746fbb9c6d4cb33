// Package logger предоставляет логирование с префиксом сервиса поверх zap.
// Поддерживается логирование времени выполнения функций.
package logger

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(levelFromEnv())
	sugar = build("")
)

func levelFromEnv() zapcore.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func build(name string) *zap.SugaredLogger {
	var cfg zap.Config
	if os.Getenv("APP_ENV") == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	}
	cfg.Level = level
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		z = zap.NewNop()
	}
	if name != "" {
		z = z.Named(name)
	}
	return z.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "api", "push").
func SetPrefix(p string) {
	mu.Lock()
	defer mu.Unlock()
	sugar = build(p)
}

// SetLevel переключает уровень логирования на лету (значения как у LOG_LEVEL).
func SetLevel(l string) {
	switch l {
	case "debug", "trace":
		level.SetLevel(zapcore.DebugLevel)
	case "warn":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Sync сбрасывает буферы; вызывать в defer в main.
func Sync() {
	_ = current().Sync()
}

func Info(v ...any) { current().Info(v...) }

func Infof(format string, v ...any) { current().Infof(format, v...) }

func Warnf(format string, v ...any) { current().Warnf(format, v...) }

func Error(v ...any) { current().Error(v...) }

func Errorf(format string, v ...any) { current().Errorf(format, v...) }

// Debugw пишет структурированное сообщение уровня debug.
func Debugw(msg string, kv ...any) { current().Debugw(msg, kv...) }

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if level.Enabled(zapcore.DebugLevel) || elapsed >= 100*time.Millisecond {
		current().Infow("duration", "fn", fn, "duration_ms", elapsed.Milliseconds())
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
