// Package log configures the logrus loggers of git-remote-ledger. Standard output carries the
// remote helper protocol, so nothing is ever logged there.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LogTimestampFormat defines the timestamp format in log files
const LogTimestampFormat = "2006-01-02T15:04:05.000Z"

var (
	defaultLogger = logrus.StandardLogger()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger}
)

func init() {
	// Log statements which occur before the configuration has been loaded must not end up in
	// the protocol stream.
	for _, l := range Loggers {
		l.Out = os.Stderr
	}
}

// Configure sets the format and level on all loggers.
func Configure(loggers []*logrus.Logger, format string, level string) {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		logrus.WithField("format", format).Fatal("invalid logger format")
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		l.SetLevel(logrusLevel)

		if formatter != nil {
			l.Formatter = formatter
		}
	}
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }
