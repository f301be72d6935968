/*
 * Copyright (c) 2025, Psiphon Inc.
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
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messageRecorder struct {
	mutex    sync.Mutex
	messages []string
	received chan struct{}
}

func newMessageRecorder() *messageRecorder {
	return &messageRecorder{received: make(chan struct{}, 100)}
}

func (recorder *messageRecorder) onMessage(_ socket.Address, message []byte) {
	recorder.mutex.Lock()
	recorder.messages = append(recorder.messages, string(message))
	recorder.mutex.Unlock()
	recorder.received <- struct{}{}
}

func (recorder *messageRecorder) get() []string {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return append([]string(nil), recorder.messages...)
}

func (recorder *messageRecorder) wait(t *testing.T) {
	select {
	case <-recorder.received:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestTLSChat(t *testing.T) {

	config := loadTestConfig(t, `{"Port": 0, "PollTimeoutMilliseconds": 100}`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	messages := make(chan []byte, 4)
	messages <- []byte("hello")
	messages <- []byte("")
	messages <- []byte("world")
	messages <- []byte("stop now")

	recorder := newMessageRecorder()

	err := RunTLSChat(ctx, config, nil, messages, recorder.onMessage)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "", "world", "stop now"}, recorder.get())
}

func TestTLSChatServer(t *testing.T) {

	config := loadTestConfig(t, `{"Port": 0, "PollTimeoutMilliseconds": 100, "MaxClients": 1}`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	socketConfig, err := config.NewSocketConfig(nil)
	require.NoError(t, err)
	serverContext, clientContext, err := config.NewTLSContexts()
	require.NoError(t, err)

	recorder := newMessageRecorder()

	server, err := NewTLSChatServer(ctx, config, nil, socketConfig, serverContext, recorder.onMessage)
	require.NoError(t, err)

	runResult := make(chan error, 1)
	go func() {
		runResult <- server.Run(ctx)
	}()

	port := server.Address().Port()

	dial := func() (*socket.TLSSocket, error) {
		return socket.DialTLS(
			ctx, socketConfig, clientContext, "127.0.0.1", port, socket.DomainIPv4, socket.ModeBlocking)
	}

	first, err := dial()
	require.NoError(t, err)
	defer first.Close()

	require.NoError(t, SendMessage(first, []byte("one")))
	recorder.wait(t)

	// At capacity, the server closes new connections without a handshake.
	_, err = dial()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindHandshake), "%v", err)

	// A disconnected client releases its slot.
	first.Close()

	var second *socket.TLSSocket
	require.Eventually(t, func() bool {
		second, err = dial()
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)
	defer second.Close()

	// A plaintext client fails its handshake without stopping the server.
	plain, err := socket.DialTCP(
		ctx, socketConfig, "127.0.0.1", port, socket.DomainIPv4, socket.ModeBlocking)
	require.NoError(t, err)
	_, err = plain.Send([]byte("not a TLS client hello"))
	require.NoError(t, err)
	plain.Close()

	require.NoError(t, SendMessage(second, []byte("two")))
	recorder.wait(t)
	require.NoError(t, SendMessage(second, []byte("stop")))
	recorder.wait(t)

	select {
	case err := <-runResult:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}

	assert.Equal(t, []string{"one", "two", "stop"}, recorder.get())

	// The stopped server no longer accepts connections.
	_, err = dial()
	assert.Error(t, err)
}

func TestTLSChatServerBurst(t *testing.T) {

	config := loadTestConfig(t, `{"Port": 0, "PollTimeoutMilliseconds": 100}`)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	socketConfig, err := config.NewSocketConfig(nil)
	require.NoError(t, err)
	serverContext, clientContext, err := config.NewTLSContexts()
	require.NoError(t, err)

	// A slow first delivery lets well over 64 KiB of messages queue up.
	var mutex sync.Mutex
	received := 0
	var last []byte
	onMessage := func(_ socket.Address, message []byte) {
		mutex.Lock()
		received++
		first := received == 1
		last = message
		mutex.Unlock()
		if first {
			time.Sleep(500 * time.Millisecond)
		}
	}

	server, err := NewTLSChatServer(ctx, config, nil, socketConfig, serverContext, onMessage)
	require.NoError(t, err)

	runResult := make(chan error, 1)
	go func() {
		runResult <- server.Run(ctx)
	}()

	client, err := socket.DialTLS(
		ctx, socketConfig, clientContext, "127.0.0.1", server.Address().Port(),
		socket.DomainIPv4, socket.ModeBlocking)
	require.NoError(t, err)
	defer client.Close()

	messageCount := 300
	message := bytes.Repeat([]byte("x"), MAX_MESSAGE_LENGTH)
	for i := 0; i < messageCount; i++ {
		require.NoError(t, SendMessage(client, message))
	}
	require.NoError(t, SendMessage(client, []byte(STOP_MESSAGE_PREFIX)))

	select {
	case err := <-runResult:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, messageCount+1, received)
	assert.Equal(t, []byte(STOP_MESSAGE_PREFIX), last)
}

func TestTLSChatServerCanceled(t *testing.T) {

	config := loadTestConfig(t, `{"Port": 0, "PollTimeoutMilliseconds": 50}`)

	socketConfig, err := config.NewSocketConfig(nil)
	require.NoError(t, err)
	serverContext, _, err := config.NewTLSContexts()
	require.NoError(t, err)

	server, err := NewTLSChatServer(
		context.Background(), config, nil, socketConfig, serverContext, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = server.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, server.Close())
}

func TestMessageReader(t *testing.T) {

	reader := &messageReader{}
	reader.buffer = []byte{3, 'a', 'b', 'c', 0, 2, 'd'}

	message, ok := reader.next()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), message)

	message, ok = reader.next()
	require.True(t, ok)
	assert.Empty(t, message)

	_, ok = reader.next()
	assert.False(t, ok)

	reader.buffer = append(reader.buffer, 'e')
	message, ok = reader.next()
	require.True(t, ok)
	assert.Equal(t, []byte("de"), message)
}
