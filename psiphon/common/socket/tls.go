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
	"crypto/x509"
	std_errors "errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/tlscontext"
	tls "github.com/Psiphon-Labs/psiphon-tls"
	"golang.org/x/sys/unix"
)

// TLSSocket is a TLS session over a TCPSocket. The TLS context is supplied
// at construction and determines the socket role: client context sockets
// Connect, server context sockets Service and Accept.
//
// Client sockets create their session at construction. Listening sockets
// hold no session; each accepted connection gets its own session, and the
// server handshake runs within Accept.
type TLSSocket struct {
	*TCPSocket

	context           *tlscontext.Context
	conn              *fdConn
	session           *tls.Conn
	handshakeComplete atomic.Bool
	closeOnce         sync.Once
}

// NewTLSSocket allocates a stream socket descriptor for address, in the
// Instantiated state. With a client context, the TLS session is created
// for the server name address.Host, or, when empty, the address IP; session
// creation failure is an error of kind errors.KindSessionInit.
func NewTLSSocket(
	config *Config,
	tlsContext *tlscontext.Context,
	address Address,
	mode Mode) (*TLSSocket, error) {

	if tlsContext == nil {
		return nil, errors.TraceKindNew(errors.KindSessionInit, "missing TLS context")
	}

	tcpSocket, err := NewTCPSocket(config, address, mode)
	if err != nil {
		return nil, errors.Trace(err)
	}

	s := &TLSSocket{
		TCPSocket: tcpSocket,
		context:   tlsContext,
	}

	if tlsContext.Role() == tlscontext.RoleClient {

		serverName := address.Host
		if serverName == "" && address.Domain != DomainUnix {
			serverName = address.AddrPort.Addr().WithZone("").String()
		}

		s.conn = newFDConn(tcpSocket.socket)
		s.session, err = tlsContext.ClientSession(s.conn, serverName)
		if err != nil {
			tcpSocket.Close()
			return nil, errors.Trace(err)
		}
	}

	return s, nil
}

// DialTLS resolves host and port and returns a socket for the first
// candidate address that accepts a connection and completes a verified
// TLS handshake.
func DialTLS(
	ctx context.Context,
	config *Config,
	tlsContext *tlscontext.Context,
	host string,
	port uint16,
	domain Domain,
	mode Mode) (*TLSSocket, error) {

	s, err := establish(
		ctx, config, host, port, domain, KindStream,
		func(address Address) (*TLSSocket, error) {
			return NewTLSSocket(config, tlsContext, address, mode)
		},
		func(s *TLSSocket) error {
			return s.Connect(ctx)
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// ServeTLS resolves host and port and returns an Open listening socket for
// the first candidate address that can be bound. tlsContext must be a
// server context.
func ServeTLS(
	ctx context.Context,
	config *Config,
	tlsContext *tlscontext.Context,
	host string,
	port uint16,
	domain Domain,
	backlog int,
	mode Mode) (*TLSSocket, error) {

	s, err := establish(
		ctx, config, host, port, domain, KindStream,
		func(address Address) (*TLSSocket, error) {
			return NewTLSSocket(config, tlsContext, address, mode)
		},
		func(s *TLSSocket) error {
			return s.Service(backlog)
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Connect establishes the TCP connection and completes the client
// handshake, bounded by ctx and the context handshake timeout. The server
// must present a certificate that verifies against the context trust
// roots: no certificate is an error of kind errors.KindNoCertificate and a
// verification failure is errors.KindCertificateVerification. Other
// handshake failures are errors.KindHandshake.
//
// The socket is closed when the handshake fails.
func (s *TLSSocket) Connect(ctx context.Context) error {

	if s.session == nil {
		return errors.TraceKindNew(errors.KindState, "connect requires a client context")
	}

	err := s.TCPSocket.Connect(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	err = s.handshake(ctx)
	if err != nil {
		s.Close()
		return errors.Trace(err)
	}

	state := s.session.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		s.Close()
		return errors.TraceKindNew(errors.KindNoCertificate, "server presented no certificate")
	}
	if len(state.VerifiedChains) == 0 {
		s.Close()
		return errors.TraceKindNew(
			errors.KindCertificateVerification, "server certificate not verified")
	}

	return nil
}

// Service binds and listens. The handshake is performed per accepted
// connection, by Accept.
func (s *TLSSocket) Service(backlog int) error {

	if s.context.Role() != tlscontext.RoleServer {
		return errors.TraceKindNew(errors.KindState, "service requires a server context")
	}

	err := s.TCPSocket.Service(backlog)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Accept accepts the next pending connection in blocking mode, completes
// the server handshake, bounded by ctx and the context handshake timeout,
// and then switches the new socket to mode.
//
// As with TCPSocket.Accept, a non-blocking listener returns nil, nil when
// no connection is pending. The handshake itself always blocks the calling
// goroutine. A handshake the client aborts, by closing the connection or
// sending an alert, is an error of kind errors.KindHandshakeRejected; other
// handshake failures are errors.KindHandshake. In both cases the accepted
// connection is closed and the listener remains usable.
func (s *TLSSocket) Accept(ctx context.Context, mode Mode) (*TLSSocket, error) {

	if s.context.Role() != tlscontext.RoleServer {
		return nil, errors.TraceKindNew(errors.KindState, "accept requires a server context")
	}

	tcpSocket, err := s.TCPSocket.Accept(ModeBlocking)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if tcpSocket == nil {
		return nil, nil
	}

	conn := newFDConn(tcpSocket.socket)
	session, err := s.context.ServerSession(conn)
	if err != nil {
		tcpSocket.Close()
		return nil, errors.Trace(err)
	}

	accepted := &TLSSocket{
		TCPSocket: tcpSocket,
		context:   s.context,
		conn:      conn,
		session:   session,
	}

	err = accepted.handshake(ctx)
	if err != nil {
		accepted.Close()
		return nil, errors.Trace(err)
	}

	accepted.SetMode(mode)

	return accepted, nil
}

// handshake drives the session handshake to completion in blocking mode,
// and restores the socket mode afterwards.
func (s *TLSSocket) handshake(ctx context.Context) error {

	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	s.recvMutex.Lock()
	defer s.recvMutex.Unlock()

	if s.isClosed() || s.State() != StateConnected {
		return s.stateError("handshake")
	}

	ctx, cancel := context.WithTimeout(ctx, s.context.HandshakeTimeout())
	defer cancel()

	mode := s.Mode()
	s.SetMode(ModeBlocking)
	defer s.SetMode(mode)

	err := s.session.HandshakeContext(ctx)
	if err != nil {
		return s.handshakeError(err)
	}

	s.handshakeComplete.Store(true)

	state := s.session.ConnectionState()
	s.logger.WithTraceFields(common.LogFields{
		"role":    s.context.Role().String(),
		"peer":    s.address.String(),
		"version": tls.VersionName(state.Version),
		"cipher":  tls.CipherSuiteName(state.CipherSuite),
	}).Debug("TLS handshake complete")

	return nil
}

func (s *TLSSocket) handshakeError(err error) error {

	if s.context.Role() == tlscontext.RoleClient {
		var unknownAuthority x509.UnknownAuthorityError
		var certificateInvalid x509.CertificateInvalidError
		var hostname x509.HostnameError
		if std_errors.As(err, &unknownAuthority) ||
			std_errors.As(err, &certificateInvalid) ||
			std_errors.As(err, &hostname) {
			return errors.TraceKind(errors.KindCertificateVerification, err)
		}
		return errors.TraceKind(errors.KindHandshake, err)
	}

	if std_errors.Is(err, io.EOF) ||
		std_errors.Is(err, io.ErrUnexpectedEOF) ||
		std_errors.Is(err, unix.ECONNRESET) ||
		isRemoteAlert(err) {
		return errors.TraceKind(errors.KindHandshakeRejected, err)
	}
	return errors.TraceKind(errors.KindHandshake, err)
}

// isRemoteAlert reports whether err is an alert sent by the peer, which
// the TLS record layer reports as a net.OpError with Op "remote error".
func isRemoteAlert(err error) bool {
	var opErr *net.OpError
	return std_errors.As(err, &opErr) && opErr.Op == "remote error"
}

// ConnectionState returns the negotiated session parameters. The zero value
// is returned for listening sockets.
func (s *TLSSocket) ConnectionState() tls.ConnectionState {
	if s.session == nil {
		return tls.ConnectionState{}
	}
	return s.session.ConnectionState()
}

// Send encrypts and writes b. Send writes complete TLS records, and so
// completes in either mode; it never reports StatusWouldBlock. Failures
// other than a closed connection are errors of kind errors.KindProtocol.
func (s *TLSSocket) Send(b []byte) (Result, error) {

	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, nil
	}
	if s.State() != StateConnected || !s.handshakeComplete.Load() {
		return Result{}, s.stateError("send")
	}
	if len(b) == 0 {
		return Result{}, nil
	}

	n, err := s.session.Write(b)
	if err != nil {
		if isConnectionClosed(err) {
			return Result{N: n, Status: StatusClosed}, nil
		}
		return Result{N: n}, errors.TraceKind(errors.KindProtocol, err)
	}

	return Result{N: n}, nil
}

// Recv reads and decrypts into b. In blocking mode, Recv returns once b is
// full or the peer closes the session. In non-blocking mode, Recv returns
// the plaintext available without waiting, or StatusWouldBlock when none
// is. A peer close is StatusClosed; other failures are errors of kind
// errors.KindProtocol.
func (s *TLSSocket) Recv(b []byte) (Result, error) {

	s.recvMutex.Lock()
	defer s.recvMutex.Unlock()

	if s.isClosed() {
		return Result{Status: StatusClosed}, nil
	}
	if s.State() != StateConnected || !s.handshakeComplete.Load() {
		return Result{}, s.stateError("recv")
	}
	if len(b) == 0 {
		return Result{}, nil
	}

	read := 0
	for read < len(b) {
		n, err := s.session.Read(b[read:])
		read += n
		if err == nil {
			continue
		}
		if std_errors.Is(err, errWouldBlock) {
			if read > 0 {
				return Result{N: read}, nil
			}
			return Result{Status: StatusWouldBlock}, nil
		}
		if isConnectionClosed(err) {
			return Result{N: read, Status: StatusClosed}, nil
		}
		return Result{N: read}, errors.TraceKind(errors.KindProtocol, err)
	}

	return Result{N: read}, nil
}

func isConnectionClosed(err error) bool {
	return std_errors.Is(err, io.EOF) ||
		std_errors.Is(err, io.ErrUnexpectedEOF) ||
		std_errors.Is(err, io.ErrClosedPipe) ||
		std_errors.Is(err, net.ErrClosed)
}

// Close switches the socket to blocking mode, sends the TLS close_notify
// alert when a session is established, and closes the TCP socket. A failed
// close_notify is logged.
func (s *TLSSocket) Close() error {

	s.closeOnce.Do(func() {
		if s.session == nil {
			return
		}
		s.SetMode(ModeBlocking)
		if !s.isClosed() {
			err := s.session.Close()
			if err != nil && s.handshakeComplete.Load() {
				s.logger.WithTraceFields(common.LogFields{
					"peer":  s.address.String(),
					"error": err.Error(),
				}).Warning("TLS shutdown failed")
			}
		}
		s.conn.Close()
	})

	return s.TCPSocket.Close()
}
