// Package logging builds the tryfix/log loggers shared by boxlink components.
package logging

import (
	"strings"

	"github.com/tryfix/log"
)

// New returns a logger filtering below level (FATAL, ERROR, WARN, INFO,
// DEBUG or TRACE). Unknown levels fall back to INFO.
func New(level string) log.Logger {
	return log.Constructor.Log(
		log.WithColors(false),
		levelOption(level),
		log.WithFilePath(true),
	)
}

// Quiet returns a logger that only reports fatal errors, for tests.
func Quiet() log.Logger { return New("FATAL") }

func levelOption(level string) log.Option {
	switch strings.ToUpper(level) {
	case "FATAL":
		return log.WithLevel("FATAL")
	case "ERROR":
		return log.WithLevel("ERROR")
	case "WARN":
		return log.WithLevel("WARN")
	case "DEBUG":
		return log.WithLevel("DEBUG")
	case "TRACE":
		return log.WithLevel("TRACE")
	default:
		return log.WithLevel("INFO")
	}
}
