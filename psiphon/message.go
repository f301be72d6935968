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

package psiphon

import (
	"io"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
)

// MAX_MESSAGE_LENGTH is the largest payload the one byte length prefix can
// describe.
const MAX_MESSAGE_LENGTH = 255

// SendMessage sends message using the length-prefixed convention: one byte
// giving the payload length, then the payload, as two separate sends. On
// datagram sockets each part is one datagram.
//
// s should be in blocking mode; a would-block result is an error of kind
// errors.KindWouldBlock.
func SendMessage(s socket.Socket, message []byte) error {

	if len(message) > MAX_MESSAGE_LENGTH {
		return errors.Tracef("message too long: %d", len(message))
	}

	err := send(s, []byte{byte(len(message))})
	if err != nil {
		return errors.Trace(err)
	}

	err = send(s, message)
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// RecvMessage receives one length-prefixed message, as two separate
// receives. When the peer has closed the connection before a message
// starts, RecvMessage returns io.EOF.
func RecvMessage(s socket.Socket) ([]byte, error) {

	var length [1]byte
	n, err := recv(s, length[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n == 0 {
		return nil, io.EOF
	}

	message := make([]byte, length[0])
	n, err = recv(s, message)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n != len(message) && s.Kind() == socket.KindStream {
		return nil, errors.Trace(io.ErrUnexpectedEOF)
	}

	return message[:n], nil
}

func send(s socket.Socket, b []byte) error {
	result, err := s.Send(b)
	if err != nil {
		return errors.Trace(err)
	}
	switch result.Status {
	case socket.StatusWouldBlock:
		return errors.TraceKindNew(errors.KindWouldBlock, "send would block")
	case socket.StatusClosed:
		return errors.Trace(io.ErrClosedPipe)
	}
	if result.N != len(b) {
		return errors.Tracef("short send: %d of %d", result.N, len(b))
	}
	return nil
}

func recv(s socket.Socket, b []byte) (int, error) {
	result, err := s.Recv(b)
	if err != nil {
		return 0, errors.Trace(err)
	}
	switch result.Status {
	case socket.StatusWouldBlock:
		return 0, errors.TraceKindNew(errors.KindWouldBlock, "recv would block")
	case socket.StatusClosed:
		if result.N == 0 && len(b) > 0 {
			return 0, nil
		}
	}
	return result.N, nil
}
