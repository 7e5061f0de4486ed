package logs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
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
	logLevel = LevelInfo // 全局日志级别
	logger   = newLogger(os.Stdout, "", false)
)

// Logger 节点级日志器，携带节点标识
type Logger struct {
	zl zerolog.Logger
}

func newLogger(out io.Writer, node string, jsonOut bool) *Logger {
	var w io.Writer = out
	if !jsonOut {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMicro}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if node != "" {
		ctx = ctx.Str("node", node)
	}
	return &Logger{zl: ctx.Logger().Level(zerolog.TraceLevel)}
}

// NewNodeLogger 创建带节点地址字段的日志器
func NewNodeLogger(address string) *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return &Logger{zl: logger.zl.With().Str("node", address).Logger()}
}

// SetOutput 替换全局输出（json=true 输出结构化 JSON）
func SetOutput(out io.Writer, json bool) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(out, "", json)
}

// SetLevel 设置全局日志级别：trace|debug|verbose|info|warn|error
func SetLevel(level string) {
	lvl := LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		lvl = LevelTrace
	case "debug":
		lvl = LevelDebug
	case "verbose":
		lvl = LevelVerbose
	case "warn", "warning":
		lvl = LevelWarning
	case "error":
		lvl = LevelError
	}
	mu.Lock()
	logLevel = lvl
	mu.Unlock()
}

func enabled(level int) bool {
	mu.RLock()
	defer mu.RUnlock()
	return logLevel <= level
}

func global() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// 包级别的日志方法
func Trace(format string, v ...interface{})   { global().Trace(format, v...) }
func Debug(format string, v ...interface{})   { global().Debug(format, v...) }
func Verbose(format string, v ...interface{}) { global().Verbose(format, v...) }
func Info(format string, v ...interface{})    { global().Info(format, v...) }
func Warn(format string, v ...interface{})    { global().Warn(format, v...) }
func Error(format string, v ...interface{})   { global().Error(format, v...) }

func (l *Logger) Trace(format string, v ...interface{}) {
	if l != nil && enabled(LevelTrace) {
		l.zl.Trace().Msgf(format, v...)
	}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if l != nil && enabled(LevelDebug) {
		l.zl.Debug().Msgf(format, v...)
	}
}

// Verbose zerolog 没有独立的 verbose 级别，按 debug 输出并打标记
func (l *Logger) Verbose(format string, v ...interface{}) {
	if l != nil && enabled(LevelVerbose) {
		l.zl.Debug().Bool("verbose", true).Msgf(format, v...)
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	if l != nil && enabled(LevelInfo) {
		l.zl.Info().Msgf(format, v...)
	}
}

func (l *Logger) Warn(format string, v ...interface{}) {
	if l != nil && enabled(LevelWarning) {
		l.zl.Warn().Msgf(format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	if l != nil && enabled(LevelError) {
		l.zl.Error().Msgf(format, v...)
	}
}
