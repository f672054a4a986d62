package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config defines all settings for logging.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `yaml:"level"`

	// Format specifies the log output format. Can be "json" or "console".
	Format string `yaml:"format"`

	// OutputPath is "stdout", "stderr", or a file path rotated by lumberjack.
	OutputPath string `yaml:"output_path"`

	// ErrorOutputPath receives a copy of error-level entries. Empty disables it.
	ErrorOutputPath string `yaml:"error_output_path"`

	Rotation RotationConfig `yaml:"rotation"`

	// ModuleLevels raises the level of named module loggers.
	ModuleLevels map[string]string `yaml:"module_levels"`

	EnableCaller     bool `yaml:"enable_caller"`
	EnableStacktrace bool `yaml:"enable_stacktrace"`

	// Development enables colored console output.
	Development bool `yaml:"development"`

	Sampling SamplingConfig `yaml:"sampling"`

	InitialFields map[string]interface{} `yaml:"initial_fields"`
}

// RotationConfig defines the settings for log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size_mb"`
	MaxAge     int  `yaml:"max_age_days"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// SamplingConfig defines the settings for log sampling.
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Initial is the number of identical messages logged per second before
	// sampling kicks in.
	Initial int `yaml:"initial"`
	// Thereafter logs every n-th identical message after Initial.
	Thereafter int `yaml:"thereafter"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
			LocalTime:  true,
		},
		ModuleLevels:     map[string]string{},
		EnableCaller:     true,
		EnableStacktrace: true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Initial:    100,
			Thereafter: 100,
		},
		InitialFields: map[string]interface{}{
			"service": "qrguard",
		},
	}
}

// Validate checks the level, format and module levels.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	for module, level := range c.ModuleLevels {
		if _, err := zapcore.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level %q for module %s: %w", level, module, err)
		}
	}
	return nil
}

// buildEncoderConfig creates a zapcore.EncoderConfig from the logger config.
func (c Config) buildEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if !c.EnableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}
	return encoderConfig
}
