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
	"os"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

// UDPSocket is a connectionless datagram socket. Connect fixes the peer for
// Send and Recv; Service binds a local receiving endpoint, after which Send
// replies to the sender of the most recently received datagram. SendTo and
// RecvFrom address datagrams explicitly in either state.
//
// Each Send is exactly one datagram and each Recv yields exactly one
// datagram. A datagram larger than the Recv buffer is truncated.
type UDPSocket struct {
	*socket

	peerMutex sync.Mutex
	peer      unix.Sockaddr
}

// NewUDPSocket allocates a datagram socket descriptor for address, in the
// Instantiated state.
func NewUDPSocket(config *Config, address Address, mode Mode) (*UDPSocket, error) {
	address.Kind = KindDatagram
	s, err := newSocket(config, address, mode)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &UDPSocket{socket: s}, nil
}

// DialUDP resolves host and port and returns a Connected socket for the
// first candidate address.
func DialUDP(
	ctx context.Context,
	config *Config,
	host string,
	port uint16,
	domain Domain,
	mode Mode) (*UDPSocket, error) {

	s, err := establish(
		ctx, config, host, port, domain, KindDatagram,
		func(address Address) (*UDPSocket, error) {
			return NewUDPSocket(config, address, mode)
		},
		func(s *UDPSocket) error {
			return s.Connect(ctx)
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// ServeUDP resolves host and port and returns an Open socket bound to the
// first candidate address that can be bound.
func ServeUDP(
	ctx context.Context,
	config *Config,
	host string,
	port uint16,
	domain Domain,
	mode Mode) (*UDPSocket, error) {

	s, err := establish(
		ctx, config, host, port, domain, KindDatagram,
		func(address Address) (*UDPSocket, error) {
			return NewUDPSocket(config, address, mode)
		},
		func(s *UDPSocket) error {
			return s.Service(0)
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Connect fixes the socket address as the peer. No packets are exchanged.
func (s *UDPSocket) Connect(ctx context.Context) error {

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

	return nil
}

// Service binds the socket address. backlog is ignored.
func (s *UDPSocket) Service(_ int) error {

	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	if s.isClosed() || s.State() != StateInstantiated {
		return s.stateError("service")
	}

	err := s.bind()
	if err != nil {
		return errors.Trace(err)
	}

	s.state.Store(int32(StateOpen))

	s.logger.WithTraceFields(common.LogFields{
		"address": s.address.String(),
	}).Debug("bound")

	return nil
}

// Peer returns the implicit Send destination: the connected peer, or, in
// the Open state, the sender of the most recently received datagram. ok is
// false when no peer is known.
func (s *UDPSocket) Peer() (Address, bool) {
	if s.State() == StateConnected {
		return s.address, true
	}
	s.peerMutex.Lock()
	peer := s.peer
	s.peerMutex.Unlock()
	if peer == nil {
		return Address{}, false
	}
	return addressFromSockaddr(peer, s.address.Domain, KindDatagram), true
}

// Send writes b as one datagram to the implicit peer. Sending on an Open
// socket that has not yet received a datagram fails with errors.KindState.
func (s *UDPSocket) Send(b []byte) (Result, error) {

	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, nil
	}

	var to unix.Sockaddr
	switch s.State() {
	case StateConnected:
	case StateOpen:
		s.peerMutex.Lock()
		to = s.peer
		s.peerMutex.Unlock()
		if to == nil {
			return Result{}, errors.TraceKindNew(errors.KindState, "send with no known peer")
		}
	default:
		return Result{}, s.stateError("send")
	}

	result, err := s.sendDatagram(b, to)
	if err != nil {
		return result, errors.Trace(err)
	}
	return result, nil
}

// SendTo writes b as one datagram to address. The socket must be Open or
// Connected; on Linux, a Connected socket may only send to its peer.
func (s *UDPSocket) SendTo(b []byte, address Address) (Result, error) {

	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, nil
	}

	state := s.State()
	if state != StateOpen && state != StateConnected {
		return Result{}, s.stateError("send")
	}

	to, err := address.sockaddr()
	if err != nil {
		return Result{}, errors.TraceKind(errors.KindIO, err)
	}

	result, err := s.sendDatagram(b, to)
	if err != nil {
		return result, errors.Trace(err)
	}
	return result, nil
}

// Recv reads one datagram into b. In the Open state, the sender becomes
// the implicit peer for Send.
func (s *UDPSocket) Recv(b []byte) (Result, error) {
	result, _, err := s.RecvFrom(b)
	if err != nil {
		return result, errors.Trace(err)
	}
	return result, nil
}

// RecvFrom reads one datagram into b and returns its sender. Zero length
// datagrams are received as a StatusOK result with N 0.
func (s *UDPSocket) RecvFrom(b []byte) (Result, Address, error) {

	s.recvMutex.Lock()
	defer s.recvMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, Address{}, nil
	}

	state := s.State()
	if state != StateOpen && state != StateConnected {
		return Result{}, Address{}, s.stateError("recv")
	}

	fd := s.Fd()

	for {
		n, from, err := unix.Recvfrom(fd, b, 0)
		switch err {
		case nil:
			s.bytesReceived.Add(int64(n))
			if state == StateOpen && from != nil {
				s.peerMutex.Lock()
				s.peer = from
				s.peerMutex.Unlock()
			}
			address := s.address
			if from != nil {
				address = addressFromSockaddr(from, s.address.Domain, KindDatagram)
			}
			return Result{N: n}, address, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if s.Mode() == ModeNonBlocking {
				return Result{Status: StatusWouldBlock}, Address{}, nil
			}
			err = s.waitReady(context.Background(), fd, unix.POLLIN, time.Time{})
			if err == errSocketClosing {
				return Result{Status: StatusClosed}, Address{}, nil
			}
			if err != nil {
				return Result{}, Address{}, errors.TraceKind(errors.KindIO, err)
			}
		default:
			return Result{}, Address{}, errors.TraceKind(
				errors.KindIO, os.NewSyscallError("recvfrom", err))
		}
	}
}

// sendDatagram sends b to the connected peer, when to is nil, or to to.
// The caller must hold sendMutex.
func (s *UDPSocket) sendDatagram(b []byte, to unix.Sockaddr) (Result, error) {

	fd := s.Fd()

	for {
		err := unix.Sendto(fd, b, 0, to)
		switch err {
		case nil:
			s.bytesSent.Add(int64(len(b)))
			return Result{N: len(b)}, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.ENOBUFS:
			if s.Mode() == ModeNonBlocking {
				return Result{Status: StatusWouldBlock}, nil
			}
			err = s.waitReady(context.Background(), fd, unix.POLLOUT, time.Time{})
			if err == errSocketClosing {
				return Result{Status: StatusClosed}, nil
			}
			if err != nil {
				return Result{}, errors.TraceKind(errors.KindIO, err)
			}
		default:
			return Result{}, errors.TraceKind(errors.KindIO, os.NewSyscallError("sendto", err))
		}
	}
}
