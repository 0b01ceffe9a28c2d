// Package dreshard holds the types shared by the resharding coordinator and its
// participants: the persisted operation documents, the catalog entries they
// publish, the error taxonomy and the wire protocol spoken between the
// orchestrator and the data nodes.
package dreshard

import (
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LogError LogLevel = iota
	LogWarning
	LogInfo
	LogDebug
)

type Logger interface {
	Log(level LogLevel, message string)
}

var StdLogInstance = &StdLogger{Level: LogInfo}

// StdLogger is the default Logger, it forwards to logrus using the matching logrus level
type StdLogger struct {
	Level LogLevel

	// Prefix is prepended to every message, typically the node id
	Prefix string
}

func (stdl *StdLogger) Log(level LogLevel, message string) {
	if stdl.Level < level {
		return
	}

	if stdl.Prefix != "" {
		message = "[" + stdl.Prefix + "] " + message
	}

	switch level {
	case LogError:
		logrus.Error(message)
	case LogWarning:
		logrus.Warn(message)
	case LogInfo:
		logrus.Info(message)
	case LogDebug:
		logrus.Debug(message)
	}
}

// ParseLogLevel parses the names used by the command line flags
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "error", "erro":
		return LogError
	case "warn", "warning":
		return LogWarning
	case "debug", "debg":
		return LogDebug
	}

	return LogInfo
}

// LogrusLevel maps a LogLevel onto the logrus level with the same meaning
func (l LogLevel) LogrusLevel() logrus.Level {
	switch l {
	case LogError:
		return logrus.ErrorLevel
	case LogWarning:
		return logrus.WarnLevel
	case LogDebug:
		return logrus.DebugLevel
	}

	return logrus.InfoLevel
}
