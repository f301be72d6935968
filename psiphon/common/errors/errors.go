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

/*

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages, and the error kinds used to
classify socket failures.

A kind is attached with TraceKind, TraceKindNew or TraceKindf and survives
any number of subsequent Trace wraps:

	err = errors.TraceKindf(errors.KindConnect, "connect: %v", err)
	...
	if errors.KindOf(err) == errors.KindConnect {
		...
	}

Kind implements error, so the standard library errors.Is also works:
std_errors.Is(err, errors.KindConnect).

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota

	// KindResolution indicates a name could not be resolved, or no candidate
	// address matched the requested domain and kind.
	KindResolution

	KindBind
	KindListen
	KindConnect
	KindAccept

	// KindIO is a transport-level send or receive failure.
	KindIO

	// KindSessionInit indicates the TLS session object could not be created
	// or bound to the descriptor.
	KindSessionInit

	KindHandshake

	// KindHandshakeRejected indicates the peer gracefully declined the
	// handshake. The socket is unusable but the condition is not fatal to
	// the listener.
	KindHandshakeRejected

	KindNoCertificate
	KindCertificateVerification

	// KindProtocol is a post-handshake secure channel failure.
	KindProtocol

	// KindWouldBlock is a control flow signal, not a fault. The socket
	// operations report would-block as a Result status rather than as an
	// error; the kind exists for callers adapting results to errors.
	KindWouldBlock

	// KindState indicates an operation was invoked in the wrong lifecycle
	// state.
	KindState
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindResolution:              "resolution error",
	KindBind:                    "bind error",
	KindListen:                  "listen error",
	KindConnect:                 "connect error",
	KindAccept:                  "accept error",
	KindIO:                      "I/O error",
	KindSessionInit:             "session init error",
	KindHandshake:               "handshake error",
	KindHandshakeRejected:       "handshake rejected",
	KindNoCertificate:           "no certificate",
	KindCertificateVerification: "certificate verification error",
	KindProtocol:                "protocol error",
	KindWouldBlock:              "would block",
	KindState:                   "state error",
}

func (kind Kind) String() string {
	name, ok := kindNames[kind]
	if !ok {
		return fmt.Sprintf("kind(%d)", int(kind))
	}
	return name
}

// Error implements error, allowing a Kind to be the target of errors.Is.
func (kind Kind) Error() string {
	return kind.String()
}

// kindError attaches a Kind to a wrapped error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() error {
	return e.err
}

func (e *kindError) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.kind
}

// KindOf returns the kind of the outermost classified error in the err
// chain, or KindUnknown when err is nil or unclassified.
func KindOf(err error) Kind {
	var e *kindError
	if std_errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// IsKind is shorthand for KindOf(err) == kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	err := fmt.Errorf("%s", message)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", GetFunctionName(pc), line, err)
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", GetFunctionName(pc), line, err)
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", GetFunctionName(pc), line, err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s: %w", GetFunctionName(pc), line, message, err)
}

// TraceKind classifies err with kind and wraps it with the caller stack
// frame information. A nil err yields nil.
func TraceKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("%s#%d: %s: %w", GetFunctionName(pc), line, kind, err),
	}
}

// TraceKindNew returns a new error of the given kind with the given message,
// wrapped with the caller stack frame information.
func TraceKindNew(kind Kind, message string) error {
	pc, _, line, _ := runtime.Caller(1)
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("%s#%d: %s: %s", GetFunctionName(pc), line, kind, message),
	}
}

// TraceKindf returns a new error of the given kind with the given formatted
// message, wrapped with the caller stack frame information. As with
// fmt.Errorf, a %w verb in format wraps the corresponding argument.
func TraceKindf(kind Kind, format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	pc, _, line, _ := runtime.Caller(1)
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("%s#%d: %s: %w", GetFunctionName(pc), line, kind, err),
	}
}

// GetFunctionName is a helper that extracts a simple function name from
// full name returned by runtime.Func.Name(). This is used to declutter
// error and log messages containing function names.
func GetFunctionName(pc uintptr) string {
	funcName := runtime.FuncForPC(pc).Name()
	index := strings.LastIndex(funcName, "/")
	if index != -1 {
		funcName = funcName[index+1:]
	}
	return funcName
}

// GetParentFunctionName returns the caller's parent function name and source
// file line number.
func GetParentFunctionName() string {
	pc, _, line, _ := runtime.Caller(2)
	return fmt.Sprintf("%s#%d", GetFunctionName(pc), line)
}
