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
	std_errors "errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// wouldBlockError is returned by fdConn reads in non-blocking mode. It is a
// temporary net.Error so that the TLS record layer retains any partially
// read record and does not fail the connection.
type wouldBlockError struct{}

func (*wouldBlockError) Error() string   { return "would block" }
func (*wouldBlockError) Timeout() bool   { return true }
func (*wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = &wouldBlockError{}

// fdConn is a net.Conn over a stream socket descriptor, used as the TLS
// session transport. Reads follow the socket mode; writes always complete.
//
// fdConn does not own the descriptor. Close detaches fdConn, failing all
// pending and subsequent operations, and the socket remains responsible
// for releasing the descriptor.
type fdConn struct {
	s      *socket
	ctx    context.Context
	cancel context.CancelFunc

	deadlineMutex sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func newFDConn(s *socket) *fdConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fdConn{
		s:      s,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *fdConn) Read(b []byte) (int, error) {

	if c.ctx.Err() != nil {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	c.deadlineMutex.Lock()
	deadline := c.readDeadline
	c.deadlineMutex.Unlock()

	result, err := c.s.streamRead(
		c.ctx, b, c.s.Mode() == ModeBlocking, false, deadline)
	if err != nil {
		return result.N, c.transportError(err)
	}

	switch result.Status {
	case StatusWouldBlock:
		return 0, errWouldBlock
	case StatusClosed:
		if result.N > 0 {
			return result.N, nil
		}
		return 0, io.EOF
	}
	return result.N, nil
}

func (c *fdConn) Write(b []byte) (int, error) {

	if c.ctx.Err() != nil {
		return 0, net.ErrClosed
	}

	c.deadlineMutex.Lock()
	deadline := c.writeDeadline
	c.deadlineMutex.Unlock()

	result, err := c.s.streamWrite(c.ctx, b, true, deadline)
	if err != nil {
		return result.N, c.transportError(err)
	}
	if result.Status == StatusClosed {
		return result.N, io.ErrClosedPipe
	}
	return result.N, nil
}

// transportError returns the untraced error the TLS record layer expects:
// it type asserts net.Error to distinguish temporary failures.
func (c *fdConn) transportError(err error) error {
	switch {
	case std_errors.Is(err, os.ErrDeadlineExceeded):
		return os.ErrDeadlineExceeded
	case std_errors.Is(err, context.Canceled):
		return net.ErrClosed
	}
	return err
}

func (c *fdConn) Close() error {
	c.cancel()
	return nil
}

func (c *fdConn) LocalAddr() net.Addr {
	return netAddr(c.s.LocalAddress())
}

func (c *fdConn) RemoteAddr() net.Addr {
	return netAddr(c.s.address)
}

func (c *fdConn) SetDeadline(t time.Time) error {
	c.deadlineMutex.Lock()
	defer c.deadlineMutex.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	c.deadlineMutex.Lock()
	defer c.deadlineMutex.Unlock()
	c.readDeadline = t
	return nil
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	c.deadlineMutex.Lock()
	defer c.deadlineMutex.Unlock()
	c.writeDeadline = t
	return nil
}

func netAddr(address Address) net.Addr {
	if address.Domain == DomainUnix {
		return &net.UnixAddr{Name: address.Path, Net: "unix"}
	}
	return net.TCPAddrFromAddrPort(address.AddrPort)
}
