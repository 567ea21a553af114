package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logg *logrus.Logger

// init runs after the .env load in database.go.
func init() {
	logg = newLogger()
}

func GetLogger() *logrus.Logger {
	return logg
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "message", logrus.FieldKeyLevel: "severity"},
	})
	l.SetLevel(levelFromEnv())
	return l
}

// levelFromEnv reads LOG_LEVEL. DD_DEBUG=true forces debug so unmatched
// records show up in the log.
func levelFromEnv() logrus.Level {
	if envBool("DD_DEBUG", false) {
		return logrus.DebugLevel
	}
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); err == nil {
		return lvl
	}
	return logrus.InfoLevel
}

// LogError logs err with the component and step it came from.
func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
