// Package common provides shared logging infrastructure for the FlowKit
// services. Error-level lines are routed to stderr while everything else goes
// to stdout, so container platforms and scripts can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr depending on
// their level. It inspects the already-formatted output, so it works with both
// the text and JSON formatters.
type OutputSplitter struct{}

// Write sends error-level lines to stderr and everything else to stdout.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Services configure it once at startup via
// ConfigureLogging and then attach fields per component.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&OutputSplitter{})
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// ConfigureLogging applies the configured level and format to the global
// logger. Level is one of debug|info|warning|error; format is json or text.
// Unknown values fall back to info / text.
func ConfigureLogging(level, format string) {
	switch strings.ToLower(level) {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warning", "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if strings.ToLower(format) == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
