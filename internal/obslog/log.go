// Package obslog builds the single logrus.Entry that every component in
// this module threads through its constructors rather than resolving from an
// ambient global.
package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger entry tagged with the running build's identity.
// Debug mode (or LOG_LEVEL/DEBUG env vars) writes JSON lines to stderr;
// otherwise only errors are kept, discarding everything else.
func New(debug bool, version, commit, buildDate string) *logrus.Entry {
	var log *logrus.Logger
	if debug || os.Getenv("DEBUG") == "TRUE" {
		log = newDevelopmentLogger()
	} else {
		log = newProductionLogger()
	}

	log.Formatter = &logrus.JSONFormatter{}

	return log.WithFields(logrus.Fields{
		"debug":     debug,
		"version":   version,
		"commit":    commit,
		"buildDate": buildDate,
	})
}

func getLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel())
	log.SetOutput(os.Stderr)
	return log
}

func newProductionLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.SetLevel(logrus.ErrorLevel)
	return log
}
