// Package logging builds the zap loggers the commands run with.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	// Level is one of debug, info, warn and error.
	Level string `json:"level"`

	// Console writes human readable logs to stderr.
	Console bool `json:"console"`

	// File, when set, also writes JSON logs there, rotated.
	File string `json:"file"`

	// MaxSize is the size in megabytes a log file is rotated at.
	MaxSize int `json:"max_size"`

	// MaxBackups is how many rotated files are kept.
	MaxBackups int `json:"max_backups"`

	// MaxAge is how many days rotated files are kept.
	MaxAge int `json:"max_age"`
}

// DefaultOptions logs info and above to the console.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Console:    true,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	}
}

func fileWriter(opts Options) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge,
		Compress:   true,
	}), nil
}

// New returns a logger writing to the console, to a file or both. With
// neither it discards everything.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	var cores []zapcore.Core
	if opts.Console {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), atom))
	}
	if opts.File != "" {
		w, err := fileWriter(opts)
		if err != nil {
			return nil, err
		}
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, atom))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
