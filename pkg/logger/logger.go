// Package logger configures the process-wide logrus logger. Component
// packages obtain their own entries via logrus.WithField("component", ...)
// and inherit the configuration applied here.
package logger

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // optional; empty logs to stderr only
	MaxSize    int    // megabytes per file before rotation
	MaxBackups int    // rotated files to keep
	MaxAge     int    // days to keep rotated files
	Compress   bool
}

// Init applies config to the logrus standard logger.
func Init(config Config) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", config.Level)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	})

	var out io.Writer = os.Stderr
	if config.OutputFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	logrus.SetOutput(out)
	return nil
}
