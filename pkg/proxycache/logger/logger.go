/*
Copyright proxycache Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logger provides the proxy's process-wide structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logSubsys = "subsys"

var (
	defaultLogFile  = envOr("LOG_FILE", "proxycache.log")
	defaultLogLevel = parseLevel(envOr("LOG_LEVEL", "info"))

	defaultLogFormat = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
		FullTimestamp:    true,
	}

	defaultLogger  = initDefaultLogger()
	fileOnlyLogger = initFileLogger()

	loggerMap = map[string]*logrus.Logger{
		"default":  defaultLogger,
		"fileOnly": fileOnlyLogger,
	}
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// SetLoggerLevel changes the level of a registered logger at runtime.
func SetLoggerLevel(loggerName string, level logrus.Level) error {
	l, exists := loggerMap[loggerName]
	if !exists || l == nil {
		return fmt.Errorf("logger %s does not exist", loggerName)
	}
	l.SetLevel(level)
	return nil
}

// GetLoggerLevel returns the current level of a registered logger.
func GetLoggerLevel(loggerName string) (logrus.Level, error) {
	l, exists := loggerMap[loggerName]
	if !exists || l == nil {
		return 0, fmt.Errorf("logger %s does not exist", loggerName)
	}
	return l.Level, nil
}

func initDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(defaultLogFormat)
	l.SetLevel(defaultLogLevel)
	return l
}

func initFileLogger() *logrus.Logger {
	l := initDefaultLogger()
	logFilePath := defaultLogFile
	dir, fileName := filepath.Split(logFilePath)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.Warnf("failed to create log directory: %v, falling back to working directory", err)
			logFilePath = fileName
		}
	}

	rotating := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    200, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	l.SetOutput(io.Writer(rotating))
	return l
}

// NewLogger allocates a log entry tagged with the given subsystem name.
func NewLogger(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField(logSubsys, subsys)
}

// NewFileLogger returns a log entry that only writes to the rotating file sink.
func NewFileLogger(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(fileOnlyLogger)
	}
	return fileOnlyLogger.WithField(logSubsys, subsys)
}
