// Package log is the gateway's structured logger: a process-wide zap
// SugaredLogger with a runtime-adjustable level and an optional rotated file
// sink.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is usable before Init is called; it starts as a console logger at
// info level so packages can log during tests without any setup.
var Logger *zap.SugaredLogger

var atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:       "time",
	LevelKey:      "level",
	MessageKey:    "msg",
	CallerKey:     "caller",
	StacktraceKey: "stacktrace",
	EncodeLevel:   zapcore.CapitalLevelEncoder,
	EncodeTime:    zapcore.RFC3339TimeEncoder,
	EncodeCaller:  zapcore.ShortCallerEncoder,
}

// Options controls Init.
type Options struct {
	Level string // debug, info, warn, error
	File  string // optional path; rotated by lumberjack when set
}

func init() {
	Logger = build(zapcore.AddSync(os.Stdout), nil)
}

// Init rebuilds the logger from config. It is called once at startup from
// the serve command.
func Init(opts Options) {
	SetLevel(opts.Level)

	var file zapcore.WriteSyncer
	if opts.File != "" {
		file = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	Logger = build(zapcore.AddSync(os.Stdout), file)
}

func build(console zapcore.WriteSyncer, file zapcore.WriteSyncer) *zap.SugaredLogger {
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), console, atomicLevel),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), file, atomicLevel))
	}
	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

// SetLevel changes the level at runtime. Unknown level names are ignored.
func SetLevel(level string) {
	if level == "" {
		return
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return
	}
	atomicLevel.SetLevel(lvl)
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() {
	_ = Logger.Sync()
}

func Debugf(template string, args ...any) {
	Logger.Debugf(template, args...)
}

func Infof(template string, args ...any) {
	Logger.Infof(template, args...)
}

func Warnf(template string, args ...any) {
	Logger.Warnf(template, args...)
}

func Errorf(template string, args ...any) {
	Logger.Errorf(template, args...)
}

// Infow logs a message with structured key/value pairs.
func Infow(msg string, keysAndValues ...any) {
	Logger.Infow(msg, keysAndValues...)
}

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) {
	Logger.Debugw(msg, keysAndValues...)
}
