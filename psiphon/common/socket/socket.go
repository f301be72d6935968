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

Package socket implements a socket abstraction layer over OS descriptors:
connection-oriented and connectionless endpoints (TCPSocket, UDPSocket and
TLSSocket over TCP) sharing one lifecycle state machine, blocking and
non-blocking I/O semantics, and a readiness Poller for driving many sockets
from one goroutine.

Descriptors are always non-blocking and close-on-exec at the OS level.
Blocking mode is implemented by waiting for readiness with poll(2) in
bounded intervals, so that Close unblocks any goroutine waiting in Connect,
Accept, Send or Recv, and so that Connect honors its context.

Would-block and "no pending connection" are not errors. Send and Recv
return a Result with a Status, and a non-blocking Accept with no pending
connection returns a nil socket and nil error.

*/
package socket

import (
	"context"
	std_errors "errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

const (
	DEFAULT_BACKLOG = 128

	// pollInterval bounds each blocking wait so that waiters observe Close.
	pollInterval = 250 * time.Millisecond
)

// State is the lifecycle state of a socket.
type State int32

const (
	StateUndefined State = iota
	StateInstantiated
	StateOpen
	StateConnected
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateInstantiated:
		return "instantiated"
	case StateOpen:
		return "open"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "undefined"
}

// Mode selects blocking or non-blocking I/O semantics.
type Mode int32

const (
	ModeBlocking Mode = iota
	ModeNonBlocking
)

func (mode Mode) String() string {
	if mode == ModeNonBlocking {
		return "non-blocking"
	}
	return "blocking"
}

// Status qualifies the byte count of a Result.
type Status int

const (
	// StatusOK indicates N bytes were transferred.
	StatusOK Status = iota

	// StatusWouldBlock indicates a non-blocking operation could not make
	// progress. N is 0.
	StatusWouldBlock

	// StatusClosed indicates the socket, or the peer side of the
	// connection, is closed. N bytes, possibly 0, were transferred before
	// the close was observed.
	StatusClosed
)

func (status Status) String() string {
	switch status {
	case StatusWouldBlock:
		return "would-block"
	case StatusClosed:
		return "closed"
	}
	return "ok"
}

// Result is the outcome of a Send or Recv.
type Result struct {
	N      int
	Status Status
}

// Socket is the capability set shared by TCPSocket, UDPSocket and
// TLSSocket. The variant specific Accept is not part of Socket.
type Socket interface {

	// Fd returns the OS descriptor, or -1 once the socket is closed. The
	// descriptor remains owned by the socket.
	Fd() int

	State() State
	Mode() Mode
	SetMode(mode Mode)
	Domain() Domain
	Kind() Kind

	// Address returns the address the socket was created for: the peer
	// address of client and accepted sockets, or the bind address of
	// listening sockets.
	Address() Address

	// LocalAddress returns the address the descriptor is bound to.
	LocalAddress() Address

	// Connect transitions Instantiated to Connected.
	Connect(ctx context.Context) error

	// Service binds, and for stream sockets listens, transitioning
	// Instantiated to Open.
	Service(backlog int) error

	Send(b []byte) (Result, error)
	Recv(b []byte) (Result, error)

	// Close releases the descriptor. Close is idempotent and always returns
	// nil; teardown failures are logged.
	Close() error
}

var errSocketClosing = std_errors.New("socket closing")

// socket is the descriptor owner and state machine shared by all variants.
//
// Send and receive paths hold sendMutex and recvMutex, respectively, while
// using the descriptor; Connect and Service hold lifecycleMutex. Close
// acquires all three before releasing the descriptor, which happens
// exactly once.
type socket struct {
	logger  common.Logger
	address Address
	fd      atomic.Int64
	mode    atomic.Int32
	state   atomic.Int32
	closing atomic.Bool

	lifecycleMutex sync.Mutex
	sendMutex      sync.Mutex
	recvMutex      sync.Mutex
	closeOnce      sync.Once

	unlinkPath    string
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

func newSocket(config *Config, address Address, mode Mode) (*socket, error) {

	switch address.Domain {
	case DomainIPv4, DomainIPv6, DomainUnix:
	default:
		return nil, errors.TraceKindf(errors.KindResolution, "unsupported domain: %s", address.Domain)
	}

	fd, err := sysSocket(address.Domain.family(), address.Kind.sotype(), 0)
	if err != nil {
		return nil, errors.TraceKind(errors.KindIO, err)
	}

	return initSocket(config.logger(), fd, address, mode, StateInstantiated), nil
}

func initSocket(
	logger common.Logger, fd int, address Address, mode Mode, state State) *socket {

	s := &socket{
		logger:  logger,
		address: address,
	}
	s.fd.Store(int64(fd))
	s.mode.Store(int32(mode))
	s.state.Store(int32(state))
	return s
}

func (s *socket) Fd() int {
	return int(s.fd.Load())
}

func (s *socket) State() State {
	return State(s.state.Load())
}

func (s *socket) Mode() Mode {
	return Mode(s.mode.Load())
}

// SetMode switches between blocking and non-blocking semantics. The switch
// applies to operations started after SetMode returns.
func (s *socket) SetMode(mode Mode) {
	s.mode.Store(int32(mode))
}

func (s *socket) Domain() Domain {
	return s.address.Domain
}

func (s *socket) Kind() Kind {
	return s.address.Kind
}

func (s *socket) Address() Address {
	return s.address
}

func (s *socket) LocalAddress() Address {

	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	fd := s.Fd()
	if fd == -1 {
		return Address{Domain: s.address.Domain, Kind: s.address.Kind}
	}
	sockaddr, err := unix.Getsockname(fd)
	if err != nil {
		return Address{Domain: s.address.Domain, Kind: s.address.Kind}
	}
	return addressFromSockaddr(sockaddr, s.address.Domain, s.address.Kind)
}

// isClosed reports whether Close has started or completed.
func (s *socket) isClosed() bool {
	return s.closing.Load() || s.State() == StateClosed
}

func (s *socket) stateError(operation string) error {
	return errors.TraceKindf(
		errors.KindState, "%s invalid in state %s", operation, s.State())
}

// bind applies the listener socket options and binds the descriptor to the
// socket address. The caller must hold lifecycleMutex.
func (s *socket) bind() error {

	fd := s.Fd()

	if s.address.Domain == DomainIPv6 {
		err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		if err != nil {
			return errors.TraceKind(errors.KindBind, os.NewSyscallError("setsockopt", err))
		}
	}

	if s.address.Kind == KindStream && s.address.Domain != DomainUnix {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err != nil {
			return errors.TraceKind(errors.KindBind, os.NewSyscallError("setsockopt", err))
		}
	}

	sockaddr, err := s.address.sockaddr()
	if err != nil {
		return errors.TraceKind(errors.KindBind, err)
	}

	err = unix.Bind(fd, sockaddr)
	if err != nil {
		return errors.TraceKind(errors.KindBind, os.NewSyscallError("bind", err))
	}

	if s.address.Domain == DomainUnix {
		s.unlinkPath = s.address.Path
	}

	return nil
}

// connect initiates a connection and, when the connection is in progress,
// waits for it to complete or for ctx to be done. The caller must hold
// lifecycleMutex.
func (s *socket) connect(ctx context.Context) error {

	fd := s.Fd()

	sockaddr, err := s.address.sockaddr()
	if err != nil {
		return errors.TraceKind(errors.KindConnect, err)
	}

	err = unix.Connect(fd, sockaddr)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
	default:
		return errors.TraceKind(errors.KindConnect, os.NewSyscallError("connect", err))
	}

	err = s.waitReady(ctx, fd, unix.POLLOUT, time.Time{})
	if err != nil {
		if err == errSocketClosing {
			err = net.ErrClosed
		}
		return errors.TraceKind(errors.KindConnect, err)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.TraceKind(errors.KindConnect, os.NewSyscallError("getsockopt", err))
	}
	if soErr != 0 {
		return errors.TraceKind(errors.KindConnect, os.NewSyscallError("connect", unix.Errno(soErr)))
	}

	return nil
}

// waitReady blocks until fd reports any of events, or an error condition.
// The wait ends early with errSocketClosing when the socket is closed, with
// ctx.Err() when ctx is done, and with os.ErrDeadlineExceeded when a
// non-zero deadline passes.
func (s *socket) waitReady(
	ctx context.Context, fd int, events int16, deadline time.Time) error {

	if ctxDeadline, ok := ctx.Deadline(); ok {
		if deadline.IsZero() || ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
	}

	pollFds := []unix.PollFd{{Fd: int32(fd)}}

	for {
		if s.closing.Load() {
			return errSocketClosing
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return os.ErrDeadlineExceeded
			}
			if remaining < timeout {
				timeout = remaining
			}
		}

		pollFds[0].Events = events
		pollFds[0].Revents = 0
		n, err := unix.Poll(pollFds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n > 0 {
			return nil
		}
	}
}

// streamWrite writes b to a stream descriptor. In blocking mode it waits for
// writability until all of b is written; otherwise it makes a single
// attempt. The caller must hold sendMutex.
func (s *socket) streamWrite(
	ctx context.Context, b []byte, blocking bool, deadline time.Time) (Result, error) {

	fd := s.Fd()
	if fd == -1 || s.closing.Load() {
		return Result{Status: StatusClosed}, nil
	}

	written := 0
	for written < len(b) {
		n, err := unix.Write(fd, b[written:])
		if n > 0 {
			written += n
			s.bytesSent.Add(int64(n))
		}
		switch err {
		case nil:
			continue
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !blocking {
				if written > 0 {
					return Result{N: written}, nil
				}
				return Result{Status: StatusWouldBlock}, nil
			}
			err = s.waitReady(ctx, fd, unix.POLLOUT, deadline)
			if err == errSocketClosing {
				return Result{N: written, Status: StatusClosed}, nil
			}
			if err != nil {
				return Result{N: written}, errors.Trace(err)
			}
			continue
		case unix.EPIPE, unix.ECONNRESET:
			return Result{N: written, Status: StatusClosed}, nil
		default:
			return Result{N: written}, errors.TraceKind(
				errors.KindIO, os.NewSyscallError("write", err))
		}
	}

	return Result{N: written}, nil
}

// streamRead reads into b from a stream descriptor. In blocking mode it
// waits for readability; with fill set it continues until b is full,
// otherwise it returns after the first successful read. In non-blocking
// mode it makes a single attempt. The caller must hold recvMutex.
func (s *socket) streamRead(
	ctx context.Context, b []byte, blocking, fill bool, deadline time.Time) (Result, error) {

	fd := s.Fd()
	if fd == -1 || s.closing.Load() {
		return Result{Status: StatusClosed}, nil
	}

	read := 0
	for read < len(b) {
		n, err := unix.Read(fd, b[read:])
		switch err {
		case nil:
			if n == 0 {
				return Result{N: read, Status: StatusClosed}, nil
			}
			read += n
			s.bytesReceived.Add(int64(n))
			if !blocking || !fill {
				return Result{N: read}, nil
			}
			continue
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !blocking {
				return Result{Status: StatusWouldBlock}, nil
			}
			err = s.waitReady(ctx, fd, unix.POLLIN, deadline)
			if err == errSocketClosing {
				return Result{N: read, Status: StatusClosed}, nil
			}
			if err != nil {
				return Result{N: read}, errors.Trace(err)
			}
			continue
		case unix.ECONNRESET:
			return Result{N: read, Status: StatusClosed}, nil
		default:
			return Result{N: read}, errors.TraceKind(
				errors.KindIO, os.NewSyscallError("read", err))
		}
	}

	return Result{N: read}, nil
}

// Close shuts down and releases the descriptor. Close is idempotent, may be
// called concurrently with any other operation, and never returns an
// error: shutdown and close failures are logged as warnings.
func (s *socket) Close() error {
	s.closeOnce.Do(s.close)
	return nil
}

func (s *socket) close() {

	s.closing.Store(true)

	fd := s.Fd()
	state := s.State()

	// Shutdown wakes any peer and any local waiter before the descriptor
	// is released. ENOTCONN is expected for unconnected sockets.
	if fd != -1 && (state == StateOpen || state == StateConnected) {
		err := unix.Shutdown(fd, unix.SHUT_RDWR)
		if err != nil && err != unix.ENOTCONN {
			s.logger.WithTraceFields(common.LogFields{
				"address": s.address.String(),
				"error":   err.Error(),
			}).Warning("shutdown failed")
		}
	}

	s.lifecycleMutex.Lock()
	s.sendMutex.Lock()
	s.recvMutex.Lock()

	if fd != -1 {
		err := unix.Close(fd)
		if err != nil {
			s.logger.WithTraceFields(common.LogFields{
				"address": s.address.String(),
				"error":   err.Error(),
			}).Warning("close failed")
		}
	}
	s.fd.Store(-1)
	s.state.Store(int32(StateClosed))

	if s.unlinkPath != "" {
		err := os.Remove(s.unlinkPath)
		if err != nil && !os.IsNotExist(err) {
			s.logger.WithTraceFields(common.LogFields{
				"path":  s.unlinkPath,
				"error": err.Error(),
			}).Warning("unlink failed")
		}
	}

	s.recvMutex.Unlock()
	s.sendMutex.Unlock()
	s.lifecycleMutex.Unlock()

	if state != StateUndefined && state != StateClosed {
		s.logger.LogMetric("socket_closed", common.LogFields{
			"domain":         s.address.Domain.String(),
			"kind":           s.address.Kind.String(),
			"address":        s.address.String(),
			"state":          state.String(),
			"bytes_sent":     s.bytesSent.Load(),
			"bytes_received": s.bytesReceived.Load(),
		})
	}
}

// establish resolves host and port and tries each candidate address in
// order, creating a socket and applying operation, until one succeeds.
// Each failed socket is closed. When all candidates fail, the last error
// is returned.
func establish[S Socket](
	ctx context.Context,
	config *Config,
	host string,
	port uint16,
	domain Domain,
	kind Kind,
	create func(Address) (S, error),
	operation func(S) error) (S, error) {

	var zero S

	addresses, err := Resolve(ctx, config, host, port, domain, kind)
	if err != nil {
		return zero, errors.Trace(err)
	}

	var lastErr error
	for _, address := range addresses {
		s, err := create(address)
		if err != nil {
			lastErr = err
			continue
		}
		err = operation(s)
		if err != nil {
			s.Close()
			lastErr = err
			config.logger().WithTraceFields(common.LogFields{
				"address": address.String(),
				"error":   err.Error(),
			}).Debug("candidate address failed")
			continue
		}
		return s, nil
	}

	return zero, errors.Trace(lastErr)
}
