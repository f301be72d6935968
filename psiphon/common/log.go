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

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/sirupsen/logrus"
)

// ContextLogger is a Logger backed by logrus. Each trace log carries a
// "trace" field containing the caller's function name and source line.
type ContextLogger struct {
	*logrus.Logger
}

// NewContextLogger creates a ContextLogger emitting JSON lines to writer at
// the given level ("debug", "info", "warning", "error"). When writer is nil,
// logs are written to stderr.
func NewContextLogger(level string, writer io.Writer) (*ContextLogger, error) {

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if writer == nil {
		writer = os.Stderr
	}

	return &ContextLogger{
		&logrus.Logger{
			Out:       writer,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logLevel,
		},
	}, nil
}

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() LogTrace {
	return logger.WithFields(
		logrus.Fields{
			"trace": errors.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function name
// and source file line number. Any existing "trace" field is renamed to
// "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) LogTrace {
	logFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logFields[name] = value
	}
	if trace, ok := logFields["trace"]; ok {
		logFields["fields.trace"] = trace
	}
	logFields["trace"] = errors.GetParentFunctionName()
	return logger.WithFields(logFields)
}

// LogMetric logs the metric fields, with an "event_name" field, omitting
// the stock "msg" and "level" fields.
func (logger *ContextLogger) LogMetric(metric string, fields LogFields) {
	logFields := make(logrus.Fields, len(fields)+1)
	for name, value := range fields {
		logFields[name] = value
	}
	logFields["event_name"] = metric
	logger.WithFields(logFields).Info(customJSONFormatterLogRawFieldsWithTimestamp)
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
//
// The changes are:
// - "time" is renamed to "timestamp"
// - there's an option to omit the standard "msg" and "level" fields
type CustomJSONFormatter struct {
}

const customJSONFormatterLogRawFieldsWithTimestamp = "CustomJSONFormatter.LogRawFieldsWithTimestamp"

// Format implements logrus.Formatter.
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if entry.Message != customJSONFormatterLogRawFieldsWithTimestamp {

		if m, ok := data["msg"]; ok {
			data["fields.msg"] = m
		}

		if l, ok := data["level"]; ok {
			data["fields.level"] = l
		}

		data["msg"] = entry.Message
		data["level"] = entry.Level.String()
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}
