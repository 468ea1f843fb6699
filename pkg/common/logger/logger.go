package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func init() {
	// Packages log before main calls Init (tests, library use).
	Log = logrus.New()
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.WarnLevel)
}

func Init() {
	Log = logrus.New()
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithTrial scopes an entry to one trial-matching request.
func WithTrial(trialID, requestID string) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"trial_id":   trialID,
		"request_id": requestID,
	})
}
