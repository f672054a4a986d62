package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory builds the root logger and hands out named module loggers.
type LoggerFactory struct {
	config     Config
	level      zap.AtomicLevel
	rootLogger *zap.Logger
	closers    []func() error

	loggersMu sync.RWMutex
	loggers   map[string]*zap.Logger
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config Config) (*LoggerFactory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	level, _ := zap.ParseAtomicLevel(config.Level)

	f := &LoggerFactory{
		config:  config,
		level:   level,
		loggers: make(map[string]*zap.Logger),
	}

	core, err := f.buildCore()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger core: %w", err)
	}
	f.rootLogger = zap.New(core, f.buildOptions()...)
	return f, nil
}

// Logger returns the root logger.
func (f *LoggerFactory) Logger() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)
	if levelStr, ok := f.config.ModuleLevels[module]; ok {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			logger = logger.WithOptions(zap.IncreaseLevel(level))
		}
	}
	f.loggers[module] = logger
	return logger
}

// SetLevel changes the root level at runtime.
func (f *LoggerFactory) SetLevel(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	f.level.SetLevel(l)
	return nil
}

// Level returns the current root level.
func (f *LoggerFactory) Level() zapcore.Level {
	return f.level.Level()
}

// Sync flushes buffered entries and closes rotated files.
func (f *LoggerFactory) Sync() error {
	var firstErr error
	if err := f.rootLogger.Sync(); err != nil && !isIgnorableSyncError(err) {
		firstErr = err
	}
	for _, closeFn := range f.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isIgnorableSyncError reports errors from syncing a terminal, which
// fsync does not support.
func isIgnorableSyncError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Path == "/dev/stdout" || pathErr.Path == "/dev/stderr"
	}
	return false
}

func (f *LoggerFactory) writerFor(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotation := f.config.Rotation
	fileWriter := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAge,
		Compress:   rotation.Compress,
		LocalTime:  rotation.LocalTime,
	}
	f.closers = append(f.closers, fileWriter.Close)
	return zapcore.AddSync(fileWriter), nil
}

func (f *LoggerFactory) buildCore() (zapcore.Core, error) {
	encoderConfig := f.config.buildEncoderConfig()

	newEncoder := func() zapcore.Encoder {
		if f.config.Format == "console" {
			return zapcore.NewConsoleEncoder(encoderConfig)
		}
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	out, err := f.writerFor(f.config.OutputPath)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(), out, f.level)

	if f.config.ErrorOutputPath != "" && f.config.ErrorOutputPath != f.config.OutputPath {
		errOut, err := f.writerFor(f.config.ErrorOutputPath)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewTee(core, zapcore.NewCore(newEncoder(), errOut, zapcore.ErrorLevel))
	}

	if s := f.config.Sampling; s.Enabled && s.Initial > 0 {
		thereafter := s.Thereafter
		if thereafter <= 0 {
			thereafter = 1
		}
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, thereafter)
	}
	return core, nil
}

func (f *LoggerFactory) buildOptions() []zap.Option {
	var options []zap.Option
	if f.config.EnableCaller {
		options = append(options, zap.AddCaller())
	}
	if f.config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if f.config.Development {
		options = append(options, zap.Development())
	}

	if len(f.config.InitialFields) > 0 {
		fields := make([]zap.Field, 0, len(f.config.InitialFields))
		for k, v := range f.config.InitialFields {
			fields = append(fields, zap.Any(k, v))
		}
		options = append(options, zap.Fields(fields...))
	}
	return options
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithRequestID adds request tracking
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}
