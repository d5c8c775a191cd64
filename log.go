// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "github.com/sirupsen/logrus"

// Logger is the narrow logging seam both engines consult, matching the
// teacher's logf(format, ...) convention (see serial.go) but widened to an
// interface so the default implementation can be swapped for
// sirupsen/logrus, in line with the rest of the pack's structured-logging
// convention (see channono-ModbusBaby-go).
type Logger interface {
	Debugf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}

// logrusLogger adapts a *logrus.Logger (or the package-level std logger)
// to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l, tagging every line with the given component
// name so RTU and TCP engine traffic can be told apart in shared output.
func NewLogrusLogger(l *logrus.Logger, component string) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: l.WithField("component", component)}
}

func (l *logrusLogger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}
