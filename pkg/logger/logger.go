package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// Config 日志配置
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // json, console
	Output io.Writer // 默认 os.Stdout
}

// fixedWidthColorLevelEncoder 固定宽度（5字符）的彩色日志等级编码器
func fixedWidthColorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := level.CapitalString()
	for len(s) < 5 {
		s += " "
	}
	switch level {
	case zapcore.DebugLevel:
		s = "\x1b[35m" + s + "\x1b[0m" // 紫色
	case zapcore.InfoLevel:
		s = "\x1b[34m" + s + "\x1b[0m" // 蓝色
	case zapcore.WarnLevel:
		s = "\x1b[33m" + s + "\x1b[0m" // 黄色
	case zapcore.ErrorLevel:
		s = "\x1b[31m" + s + "\x1b[0m" // 红色
	case zapcore.FatalLevel, zapcore.PanicLevel, zapcore.DPanicLevel:
		s = "\x1b[31;1m" + s + "\x1b[0m" // 红色加粗
	}
	enc.AppendString(s)
}

// Init 初始化全局日志器，只有第一次调用生效
func Init(level, format string) error {
	return InitWithConfig(Config{Level: level, Format: format})
}

// InitWithConfig 同 Init，可指定输出
func InitWithConfig(cfg Config) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		if l, err = build(cfg); err == nil {
			globalLogger.Store(l)
		}
	})
	return err
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func build(cfg Config) (*zap.Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "time"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.TimeKey = "time"
		ec.EncodeLevel = fixedWidthColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05]")
		ec.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			const width = 28
			s := caller.TrimmedPath()
			if len(s) < width {
				s += strings.Repeat(" ", width-len(s))
			}
			enc.AppendString(s)
		}
		ec.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(ec)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Set 替换全局 Logger (测试中常用 zap.NewNop())
func Set(l *zap.Logger) {
	once.Do(func() {})
	globalLogger.Store(l)
}

// Get 获取全局 Logger
func Get() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	_ = Init("info", "console")
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Sugar 获取 SugaredLogger
func Sugar() *zap.SugaredLogger {
	return Get().Sugar()
}

// Sync 刷新日志缓冲
func Sync() {
	l := globalLogger.Load()
	if l == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = l.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

// Debug 记录调试信息
func Debug(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 记录信息
func Info(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 记录警告
func Warn(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 记录错误
func Error(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// With 创建带字段的 Logger
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// Named 创建命名 Logger
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// SPI 以十六进制输出 SPI
func SPI(spi uint32) zap.Field {
	return zap.String("spi", fmt.Sprintf("0x%08x", spi))
}

// 便捷字段函数 (从 zap 导出)
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Bool     = zap.Bool
	Duration = zap.Duration
	Err      = zap.Error
	Any      = zap.Any
	Stringer = zap.Stringer
)
