package logs

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var (
	mu       sync.RWMutex
	logLevel = LevelInfo
	sugar    *zap.SugaredLogger
)

// Logger is the injectable form of the package-level functions.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

func init() {
	if err := Init("info", false); err != nil {
		sugar = zap.NewNop().Sugar()
	}
}

// Init rebuilds the global zap backend. JSON output is meant for
// collectors, console output for terminals.
func Init(level string, json bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapcore.DebugLevel),
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if json {
		cfg.Encoding = "json"
	} else {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	l, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(2))
	if err != nil {
		return err
	}

	mu.Lock()
	if sugar != nil {
		_ = sugar.Sync()
	}
	sugar = l.Sugar()
	logLevel = lvl
	mu.Unlock()
	return nil
}

// ParseLevel maps a level name to one of the Level constants.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func SetLevel(level int) {
	mu.Lock()
	logLevel = level
	mu.Unlock()
}

func Enabled(level int) bool {
	mu.RLock()
	defer mu.RUnlock()
	return logLevel <= level
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = sugar.Sync()
}

func emit(level int, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if logLevel > level {
		return
	}
	switch level {
	case LevelTrace, LevelDebug, LevelVerbose:
		sugar.Debugf(format, v...)
	case LevelInfo:
		sugar.Infof(format, v...)
	case LevelWarning:
		sugar.Warnf(format, v...)
	default:
		sugar.Errorf(format, v...)
	}
}

// 包级别的日志方法
func Trace(format string, v ...interface{})   { emit(LevelTrace, format, v...) }
func Debug(format string, v ...interface{})   { emit(LevelDebug, format, v...) }
func Verbose(format string, v ...interface{}) { emit(LevelVerbose, format, v...) }
func Info(format string, v ...interface{})    { emit(LevelInfo, format, v...) }
func Warn(format string, v ...interface{})    { emit(LevelWarning, format, v...) }
func Error(format string, v ...interface{})   { emit(LevelError, format, v...) }

type named struct{ prefix string }

// Named returns a Logger that prefixes every line with "[name] ".
func Named(name string) Logger { return named{prefix: "[" + name + "] "} }

func (n named) Debug(format string, v ...interface{}) { emit(LevelDebug, n.prefix+format, v...) }
func (n named) Info(format string, v ...interface{})  { emit(LevelInfo, n.prefix+format, v...) }
func (n named) Warn(format string, v ...interface{})  { emit(LevelWarning, n.prefix+format, v...) }
func (n named) Error(format string, v ...interface{}) { emit(LevelError, n.prefix+format, v...) }

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(string, ...interface{}) {}
func (Nop) Info(string, ...interface{})  {}
func (Nop) Warn(string, ...interface{})  {}
func (Nop) Error(string, ...interface{}) {}
