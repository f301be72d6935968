/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

// Logger exposes the logging interface used by the socket packages. The
// logrus-backed ContextLogger implements it, and tests may substitute their
// own implementation.
type Logger interface {
	WithTrace() LogTrace
	WithTraceFields(fields LogFields) LogTrace
	LogMetric(metric string, fields LogFields)
}

// LogTrace is interface-compatible with *logrus.Entry.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields is type-compatible with logrus.Fields.
type LogFields map[string]interface{}

// Add copies log fields from b to a, skipping fields which already exist,
// regardless of value, in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		_, ok := a[name]
		if !ok {
			a[name] = value
		}
	}
}

// NopLogger discards all logs. It's used when no Logger is configured.
type NopLogger struct{}

func (NopLogger) WithTrace() LogTrace {
	return nopLogTrace{}
}

func (NopLogger) WithTraceFields(_ LogFields) LogTrace {
	return nopLogTrace{}
}

func (NopLogger) LogMetric(_ string, _ LogFields) {
}

type nopLogTrace struct{}

func (nopLogTrace) Debug(_ ...interface{})   {}
func (nopLogTrace) Info(_ ...interface{})    {}
func (nopLogTrace) Warning(_ ...interface{}) {}
func (nopLogTrace) Error(_ ...interface{})   {}

// LoggerOrNop returns logger, or a NopLogger when logger is nil.
func LoggerOrNop(logger Logger) Logger {
	if logger == nil {
		return NopLogger{}
	}
	return logger
}
