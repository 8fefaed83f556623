// Package logging holds the key/value logger the reactor and ring code report through.
package logging

import (
	"fmt"
	"strings"

	"github.com/juju/loggo"
)

// Logger is a key/value logger. The "level" and "msg" keys are recognised by the
// loggo backed implementation, everything else is rendered as key=value.
type Logger interface {
	Log(keyvals ...interface{}) error
}

type nopLogger struct {
}

func (n *nopLogger) Log(keyvals ...interface{}) error {
	return nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &nopLogger{}
}

type loggoLogger struct {
	logger loggo.Logger
}

// New returns a Logger writing to the loggo module with the given name.
func New(module string) Logger {
	return &loggoLogger{logger: loggo.GetLogger(module)}
}

// Log implements Logger.
func (l *loggoLogger) Log(keyvals ...interface{}) error {
	level := loggo.INFO
	var msg string
	var b strings.Builder

	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		var val interface{} = "(MISSING)"
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}

		switch key {
		case "level":
			level = parseLevel(fmt.Sprint(val))
		case "msg":
			msg = fmt.Sprint(val)
		default:
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%v", key, val)
		}
	}

	line := msg
	if b.Len() > 0 {
		if line != "" {
			line += " "
		}
		line += b.String()
	}

	switch level {
	case loggo.CRITICAL:
		l.logger.Criticalf("%s", line)
	case loggo.ERROR:
		l.logger.Errorf("%s", line)
	case loggo.WARNING:
		l.logger.Warningf("%s", line)
	case loggo.DEBUG:
		l.logger.Debugf("%s", line)
	case loggo.TRACE:
		l.logger.Tracef("%s", line)
	default:
		l.logger.Infof("%s", line)
	}
	return nil
}

func parseLevel(s string) loggo.Level {
	switch strings.ToLower(s) {
	case "critical":
		return loggo.CRITICAL
	case "error":
		return loggo.ERROR
	case "warn", "warning":
		return loggo.WARNING
	case "debug":
		return loggo.DEBUG
	case "trace":
		return loggo.TRACE
	default:
		return loggo.INFO
	}
}
