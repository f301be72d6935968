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

package socket

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

// TCPSocket is a connection-oriented stream socket, over IPv4, IPv6 or a
// Unix domain path.
//
// A TCPSocket is either a client, Instantiated -> Connect -> Connected, or
// a listener, Instantiated -> Service -> Open, which produces Connected
// sockets through Accept.
type TCPSocket struct {
	*socket
}

// NewTCPSocket allocates a stream socket descriptor for address, in the
// Instantiated state.
func NewTCPSocket(config *Config, address Address, mode Mode) (*TCPSocket, error) {
	address.Kind = KindStream
	s, err := newSocket(config, address, mode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &TCPSocket{socket: s}, nil
}

// DialTCP resolves host and port and returns a Connected socket for the
// first candidate address that accepts a connection.
func DialTCP(
	ctx context.Context,
	config *Config,
	host string,
	port uint16,
	domain Domain,
	mode Mode) (*TCPSocket, error) {

	s, err := establish(
		ctx, config, host, port, domain, KindStream,
		func(address Address) (*TCPSocket, error) {
			return NewTCPSocket(config, address, mode)
		},
		func(s *TCPSocket) error {
			return s.Connect(ctx)
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// ServeTCP resolves host and port and returns an Open listening socket for
// the first candidate address that can be bound. An empty host listens on
// all interfaces; port 0 selects an ephemeral port, reported by
// LocalAddress.
func ServeTCP(
	ctx context.Context,
	config *Config,
	host string,
	port uint16,
	domain Domain,
	backlog int,
	mode Mode) (*TCPSocket, error) {

	s, err := establish(
		ctx, config, host, port, domain, KindStream,
		func(address Address) (*TCPSocket, error) {
			return NewTCPSocket(config, address, mode)
		},
		func(s *TCPSocket) error {
			return s.Service(backlog)
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Connect establishes a connection to the socket address. Connect waits for
// the connection to complete, in either mode, and is interrupted when ctx
// is done or the socket is closed. A socket that is not Instantiated fails
// with errors.KindState; all other failures are errors.KindConnect.
func (s *TCPSocket) Connect(ctx context.Context) error {

	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	if s.isClosed() || s.State() != StateInstantiated {
		return s.stateError("connect")
	}

	err := s.connect(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	s.state.Store(int32(StateConnected))

	s.logger.WithTraceFields(common.LogFields{
		"address": s.address.String(),
	}).Debug("connected")

	return nil
}

// Service binds the socket address and listens, with a pending connection
// queue of length backlog. A non-positive backlog selects DEFAULT_BACKLOG.
func (s *TCPSocket) Service(backlog int) error {

	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	if s.isClosed() || s.State() != StateInstantiated {
		return s.stateError("service")
	}

	err := s.bind()
	if err != nil {
		return errors.Trace(err)
	}

	if backlog <= 0 {
		backlog = DEFAULT_BACKLOG
	}

	err = unix.Listen(s.Fd(), backlog)
	if err != nil {
		return errors.TraceKind(errors.KindListen, os.NewSyscallError("listen", err))
	}

	s.state.Store(int32(StateOpen))

	s.logger.WithTraceFields(common.LogFields{
		"address": s.address.String(),
		"backlog": backlog,
	}).Debug("listening")

	return nil
}

// Accept returns a new Connected socket, in the requested mode, owning the
// descriptor of the next pending connection. In non-blocking listener mode,
// Accept returns nil, nil when no connection is pending. In blocking
// listener mode, Accept waits and is interrupted by Close, in which case
// the error wraps net.ErrClosed.
func (s *TCPSocket) Accept(mode Mode) (*TCPSocket, error) {

	s.recvMutex.Lock()
	defer s.recvMutex.Unlock()

	if s.isClosed() || s.State() != StateOpen {
		return nil, s.stateError("accept")
	}

	fd := s.Fd()

	for {
		newFd, sockaddr, err := sysAccept(fd)
		switch err {
		case nil:
			address := addressFromSockaddr(sockaddr, s.address.Domain, KindStream)
			s.logger.WithTraceFields(common.LogFields{
				"address": s.address.String(),
				"peer":    address.String(),
			}).Debug("accepted")
			return &TCPSocket{
				socket: initSocket(s.logger, newFd, address, mode, StateConnected),
			}, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			if s.Mode() == ModeNonBlocking {
				return nil, nil
			}
			err = s.waitReady(context.Background(), fd, unix.POLLIN, time.Time{})
			if err == errSocketClosing {
				err = net.ErrClosed
			}
			if err != nil {
				return nil, errors.TraceKind(errors.KindAccept, err)
			}
		default:
			return nil, errors.TraceKind(errors.KindAccept, os.NewSyscallError("accept", err))
		}
	}
}

// Send writes b to the connection. In blocking mode, Send returns once all
// of b is written or the connection is closed; in non-blocking mode Send
// makes a single attempt, and reports StatusWouldBlock when no bytes could
// be written. A socket that is not Connected fails with errors.KindState.
func (s *TCPSocket) Send(b []byte) (Result, error) {

	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, nil
	}
	if s.State() != StateConnected {
		return Result{}, s.stateError("send")
	}
	if len(b) == 0 {
		return Result{}, nil
	}

	result, err := s.streamWrite(
		context.Background(), b, s.Mode() == ModeBlocking, time.Time{})
	if err != nil {
		return result, errors.Trace(err)
	}
	return result, nil
}

// Recv reads into b. In blocking mode, Recv returns once b is full or the
// peer closes the connection, with StatusClosed and any partial count; in
// non-blocking mode Recv makes a single attempt, and reports
// StatusWouldBlock when no data is available. A socket that is not
// Connected fails with errors.KindState.
func (s *TCPSocket) Recv(b []byte) (Result, error) {

	s.recvMutex.Lock()
	defer s.recvMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, nil
	}
	if s.State() != StateConnected {
		return Result{}, s.stateError("recv")
	}
	if len(b) == 0 {
		return Result{}, nil
	}

	result, err := s.streamRead(
		context.Background(), b, s.Mode() == ModeBlocking, true, time.Time{})
	if err != nil {
		return result, errors.Trace(err)
	}
	return result, nil
}
