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
	"net/netip"
	"testing"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func loopbackAddress(port uint16) Address {
	return Address{
		AddrPort: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
		Domain:   DomainIPv4,
		Kind:     KindStream,
	}
}

func TestCloseIdempotent(t *testing.T) {

	s, err := NewTCPSocket(nil, loopbackAddress(0), ModeBlocking)
	require.NoError(t, err)
	require.NotEqual(t, -1, s.Fd())
	assert.Equal(t, StateInstantiated, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, -1, s.Fd())

	// The released descriptor number is typically reused by the next
	// socket; a second Close must not release it again.
	other, err := NewTCPSocket(nil, loopbackAddress(0), ModeBlocking)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	_, err = unix.FcntlInt(uintptr(other.Fd()), unix.F_GETFD, 0)
	assert.NoError(t, err)
	assert.Equal(t, StateInstantiated, other.State())
}

func TestUnsupportedDomain(t *testing.T) {

	address := loopbackAddress(0)
	address.Domain = DomainUndefined

	_, err := NewTCPSocket(nil, address, ModeBlocking)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindResolution), "%v", err)

	_, err = NewUDPSocket(nil, address, ModeNonBlocking)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindResolution), "%v", err)
}

func TestIllegalStateTransitions(t *testing.T) {

	ctx := context.Background()
	buffer := make([]byte, 1)

	instantiated, err := NewTCPSocket(nil, loopbackAddress(0), ModeBlocking)
	require.NoError(t, err)
	defer instantiated.Close()

	_, err = instantiated.Send(buffer)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	_, err = instantiated.Recv(buffer)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	_, err = instantiated.Accept(ModeBlocking)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	assert.Equal(t, StateInstantiated, instantiated.State())

	listener, err := NewTCPSocket(nil, loopbackAddress(0), ModeBlocking)
	require.NoError(t, err)
	defer listener.Close()
	require.NoError(t, listener.Service(0))
	assert.Equal(t, StateOpen, listener.State())

	err = listener.Service(0)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	err = listener.Connect(ctx)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	_, err = listener.Send(buffer)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	assert.Equal(t, StateOpen, listener.State())

	client, err := NewTCPSocket(nil, listener.LocalAddress(), ModeBlocking)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(ctx))
	assert.Equal(t, StateConnected, client.State())

	err = client.Connect(ctx)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	err = client.Service(0)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	_, err = client.Accept(ModeBlocking)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)

	client.Close()

	err = client.Connect(ctx)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)
	err = client.Service(0)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)

	// Send and Recv on a closed socket report a closed status, not an
	// error.
	result, err := client.Send(buffer)
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusClosed}, result)
	result, err = client.Recv(buffer)
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusClosed}, result)
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "undefined", StateUndefined.String())
	assert.Equal(t, "non-blocking", ModeNonBlocking.String())
	assert.Equal(t, "would-block", StatusWouldBlock.String())
	assert.Equal(t, "ipv6", DomainIPv6.String())
	assert.Equal(t, "datagram", KindDatagram.String())
}
