// Package logging wires up the structured logger shared by the sender
// and receiver state machines. It replaces the teacher's hand-rolled
// level/writer plumbing with logrus, the logging library used by the
// other domain repos in this corpus.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.FieldLogger writing to stderr with the given
// level name (debug, info, warn, error); an unrecognized level falls
// back to info. Never a package-global logger — callers thread the
// returned logger through the sender/receiver constructors.
func New(levelName string) logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
