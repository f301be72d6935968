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
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerReadable(t *testing.T) {

	listener := serveTCP(t, "127.0.0.1", DomainIPv4, ModeBlocking)

	poller := NewPoller()

	const count = 4
	var clients, servers []*TCPSocket
	for i := 0; i < count; i++ {
		client, server := connectTCP(t, listener, ModeNonBlocking)
		clients = append(clients, client)
		servers = append(servers, server)
		require.NoError(t, poller.Register(server, 0))
	}
	assert.Equal(t, count, poller.Len())

	ready, err := poller.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ready.Empty())

	_, err = clients[2].Send([]byte("x"))
	require.NoError(t, err)

	ready, err = poller.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, ready.Errored)
	assert.Empty(t, ready.Writable)
	require.Len(t, ready.Readable, 1)
	assert.Same(t, servers[2], ready.Readable[0])

	poller.Deregister(servers[2])
	poller.Deregister(servers[2])
	assert.Equal(t, count-1, poller.Len())
}

func TestPollerListener(t *testing.T) {

	listener := serveTCP(t, "127.0.0.1", DomainIPv4, ModeNonBlocking)

	poller := NewPoller()
	require.NoError(t, poller.Register(listener, InterestReadable))

	ready, err := poller.Wait(0)
	require.NoError(t, err)
	assert.True(t, ready.Empty())

	client, err := NewTCPSocket(nil, listener.LocalAddress(), ModeBlocking)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(context.Background()))

	ready, err = poller.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Len(t, ready.Readable, 1)
	assert.Same(t, listener, ready.Readable[0])

	server, err := listener.Accept(ModeNonBlocking)
	require.NoError(t, err)
	require.NotNil(t, server)
	defer server.Close()

	// Registering immediately after accept is valid.
	require.NoError(t, poller.Register(server, InterestReadable|InterestWritable))

	ready, err = poller.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, ready.Readable)
	require.Len(t, ready.Writable, 1)
	assert.Same(t, server, ready.Writable[0])
}

func TestPollerClosedSocket(t *testing.T) {

	listener := serveTCP(t, "127.0.0.1", DomainIPv4, ModeBlocking)
	client, server := connectTCP(t, listener, ModeNonBlocking)

	poller := NewPoller()
	require.NoError(t, poller.Register(server, 0))
	require.NoError(t, poller.Register(client, 0))

	// Closed without deregistration: dropped silently.
	server.Close()

	ready, err := poller.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	for _, s := range append(ready.Readable, ready.Errored...) {
		assert.NotSame(t, server, s)
	}
	assert.Equal(t, 1, poller.Len())

	err = poller.Register(server, 0)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)

	// The client observes the peer close as readable.
	ready, err = poller.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Len(t, ready.Readable, 1)
	assert.Same(t, client, ready.Readable[0])

	result, err := client.Recv(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, result.Status)

	client.Close()
	poller.Deregister(client)
	assert.Equal(t, 0, poller.Len())

	_, err = poller.Wait(-1)
	assert.True(t, errors.IsKind(err, errors.KindState), "%v", err)

	ready, err = poller.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ready.Empty())
}

func TestPollerMixedVariants(t *testing.T) {

	ctx := context.Background()

	udpServer, err := ServeUDP(ctx, nil, "127.0.0.1", 0, DomainIPv4, ModeNonBlocking)
	require.NoError(t, err)
	defer udpServer.Close()

	udpClient, err := DialUDP(ctx, nil, "127.0.0.1", udpServer.LocalAddress().Port(), DomainIPv4, ModeNonBlocking)
	require.NoError(t, err)
	defer udpClient.Close()

	listener := serveTCP(t, "127.0.0.1", DomainIPv4, ModeBlocking)
	_, tcpServer := connectTCP(t, listener, ModeNonBlocking)

	poller := NewPoller()
	require.NoError(t, poller.Register(udpServer, 0))
	require.NoError(t, poller.Register(tcpServer, 0))

	_, err = udpClient.Send([]byte("datagram"))
	require.NoError(t, err)

	ready, err := poller.Wait(5 * time.Second)
	require.NoError(t, err)
	require.Len(t, ready.Readable, 1)
	assert.Same(t, udpServer, ready.Readable[0])
}
