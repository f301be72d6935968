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
	"bytes"
	"context"
	"sync"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/tlscontext"
	"github.com/marusama/semaphore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// STOP_MESSAGE_PREFIX is the message prefix that stops a TLSChatServer.
const STOP_MESSAGE_PREFIX = "stop"

// MessageHandler is called with each message a TLSChatServer receives.
type MessageHandler func(peer socket.Address, message []byte)

// TLSChatServer is a single goroutine TLS message server. A non-blocking
// listener and all accepted connections are multiplexed with a
// socket.Poller. Each connection delivers length-prefixed messages; the
// server runs until a client sends a message beginning with
// STOP_MESSAGE_PREFIX.
type TLSChatServer struct {
	config        *Config
	logger        common.Logger
	listener      *socket.TLSSocket
	poller        *socket.Poller
	clients       semaphore.Semaphore
	acceptLimiter *rate.Limiter
	onMessage     MessageHandler
	readers       map[socket.Socket]*messageReader
	closeOnce     sync.Once
}

// NewTLSChatServer creates a TLSChatServer listening on the configured
// address. onMessage may be nil.
func NewTLSChatServer(
	ctx context.Context,
	config *Config,
	logger common.Logger,
	socketConfig *socket.Config,
	serverContext *tlscontext.Context,
	onMessage MessageHandler) (*TLSChatServer, error) {

	domain, err := config.SocketDomain()
	if err != nil {
		return nil, errors.Trace(err)
	}

	listener, err := socket.ServeTLS(
		ctx, socketConfig, serverContext,
		config.Host, config.GetPort(), domain, config.Backlog, socket.ModeNonBlocking)
	if err != nil {
		return nil, errors.Trace(err)
	}

	poller := socket.NewPoller()
	err = poller.Register(listener, socket.InterestReadable|socket.InterestErrorCheck)
	if err != nil {
		listener.Close()
		return nil, errors.Trace(err)
	}

	maxClients := config.MaxClients
	if maxClients <= 0 {
		maxClients = DEFAULT_MAX_CLIENTS
	}

	acceptRate := config.AcceptRatePerSecond
	if acceptRate <= 0 {
		acceptRate = DEFAULT_ACCEPT_RATE_PER_SECOND
	}

	if onMessage == nil {
		onMessage = func(socket.Address, []byte) {}
	}

	return &TLSChatServer{
		config:        config,
		logger:        common.LoggerOrNop(logger),
		listener:      listener,
		poller:        poller,
		clients:       semaphore.New(maxClients),
		acceptLimiter: rate.NewLimiter(rate.Limit(acceptRate), acceptRate),
		onMessage:     onMessage,
		readers:       make(map[socket.Socket]*messageReader),
	}, nil
}

// Address returns the listening address.
func (server *TLSChatServer) Address() socket.Address {
	return server.listener.LocalAddress()
}

// Run accepts connections and receives messages until a stop message is
// received, in which case Run returns nil, or until ctx is done or the
// listener fails. Run closes the server before returning.
func (server *TLSChatServer) Run(ctx context.Context) error {

	defer server.Close()

	server.logger.WithTraceFields(common.LogFields{
		"address": server.Address().String(),
	}).Info("chat server running")

	for {

		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}

		ready, err := server.poller.Wait(server.config.GetPollTimeout())
		if err != nil {
			return errors.Trace(err)
		}

		for _, s := range ready.Errored {
			if s == server.listener {
				return errors.TraceKindNew(errors.KindAccept, "listener failed")
			}
			// Data queued before a reset is still delivered.
			if server.receive(s) {
				server.logger.WithTrace().Info("chat server stopped by client")
				return nil
			}
			server.logger.WithTrace().Debug("client connection errored")
			server.drop(s)
		}

		for _, s := range ready.Readable {
			if s == server.listener {
				err := server.accept(ctx)
				if err != nil {
					return errors.Trace(err)
				}
				continue
			}
			if server.receive(s) {
				server.logger.WithTrace().Info("chat server stopped by client")
				return nil
			}
		}
	}
}

// Close closes the listener and all client connections. Close is
// idempotent and must not be called concurrently with Run.
func (server *TLSChatServer) Close() error {
	server.closeOnce.Do(func() {
		for s := range server.readers {
			server.drop(s)
		}
		server.poller.Deregister(server.listener)
		server.listener.Close()
	})
	return nil
}

func (server *TLSChatServer) accept(ctx context.Context) error {

	err := server.acceptLimiter.Wait(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	if !server.clients.TryAcquire(1) {

		// At capacity: accept and immediately close, without a handshake.
		conn, err := server.listener.TCPSocket.Accept(socket.ModeBlocking)
		if err != nil {
			return errors.Trace(err)
		}
		if conn != nil {
			server.logger.WithTraceFields(common.LogFields{
				"peer": conn.Address().String(),
			}).Warning("max clients exceeded")
			conn.Close()
		}
		return nil
	}

	conn, err := server.listener.Accept(ctx, socket.ModeNonBlocking)
	if err != nil {
		server.clients.Release(1)
		if errors.IsKind(err, errors.KindHandshake) ||
			errors.IsKind(err, errors.KindHandshakeRejected) {

			// A failed client handshake does not stop the server.
			server.logger.WithTraceFields(common.LogFields{
				"error": err.Error(),
			}).Warning("client handshake failed")
			return nil
		}
		return errors.Trace(err)
	}
	if conn == nil {
		server.clients.Release(1)
		return nil
	}

	err = server.poller.Register(conn, socket.InterestReadable|socket.InterestErrorCheck)
	if err != nil {
		server.clients.Release(1)
		conn.Close()
		return errors.Trace(err)
	}
	server.readers[conn] = &messageReader{}

	server.logger.WithTraceFields(common.LogFields{
		"peer":    conn.Address().String(),
		"clients": len(server.readers),
	}).Info("client connected")

	return nil
}

// receive handles a readable client connection and reports whether a stop
// message was received.
func (server *TLSChatServer) receive(s socket.Socket) bool {

	reader, ok := server.readers[s]
	if !ok {
		return false
	}

	// Messages are dispatched after each chunk, so the unparsed remainder
	// never exceeds one frame.
	for {
		status, err := reader.read(s)

		for {
			message, ok := reader.next()
			if !ok {
				break
			}
			server.logger.WithTraceFields(common.LogFields{
				"peer":  s.Address().String(),
				"bytes": len(message),
			}).Debug("message received")

			server.onMessage(s.Address(), message)

			if bytes.HasPrefix(message, []byte(STOP_MESSAGE_PREFIX)) {
				return true
			}
		}

		if err != nil {
			server.logger.WithTraceFields(common.LogFields{
				"peer":  s.Address().String(),
				"error": err.Error(),
			}).Warning("client receive failed")
			server.drop(s)
			return false
		}

		switch status {
		case socket.StatusWouldBlock:
			return false
		case socket.StatusClosed:
			server.logger.WithTraceFields(common.LogFields{
				"peer": s.Address().String(),
			}).Info("client disconnected")
			server.drop(s)
			return false
		}
	}
}

func (server *TLSChatServer) drop(s socket.Socket) {
	server.poller.Deregister(s)
	s.Close()
	if _, ok := server.readers[s]; ok {
		delete(server.readers, s)
		server.clients.Release(1)
	}
}

// messageReader accumulates stream bytes from a non-blocking socket and
// splits them into length-prefixed messages.
type messageReader struct {
	buffer []byte
}

// read receives one chunk and returns the receive status.
func (reader *messageReader) read(s socket.Socket) (socket.Status, error) {
	var chunk [4096]byte
	result, err := s.Recv(chunk[:])
	reader.buffer = append(reader.buffer, chunk[:result.N]...)
	if err != nil {
		return result.Status, errors.Trace(err)
	}
	return result.Status, nil
}

// next returns the next complete message, if any.
func (reader *messageReader) next() ([]byte, bool) {
	if len(reader.buffer) < 1 {
		return nil, false
	}
	length := int(reader.buffer[0])
	if len(reader.buffer) < 1+length {
		return nil, false
	}
	message := append([]byte(nil), reader.buffer[1:1+length]...)
	reader.buffer = reader.buffer[1+length:]
	return message, true
}

// RunTLSChatClient connects to a TLSChatServer at port and sends each
// message received from messages, until messages is closed, a stop message
// is sent, or ctx is done.
func RunTLSChatClient(
	ctx context.Context,
	config *Config,
	logger common.Logger,
	socketConfig *socket.Config,
	clientContext *tlscontext.Context,
	port uint16,
	messages <-chan []byte) error {

	logger = common.LoggerOrNop(logger)

	domain, err := config.SocketDomain()
	if err != nil {
		return errors.Trace(err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.GetClientConnectTimeout())
	defer cancel()

	client, err := socket.DialTLS(
		dialCtx, socketConfig, clientContext, config.Host, port, domain, socket.ModeBlocking)
	if err != nil {
		return errors.Trace(err)
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			err := SendMessage(client, message)
			if err != nil {
				return errors.Trace(err)
			}
			logger.WithTraceFields(common.LogFields{
				"bytes": len(message),
			}).Debug("message sent")
			if bytes.HasPrefix(message, []byte(STOP_MESSAGE_PREFIX)) {
				return nil
			}
		}
	}
}

// RunTLSChat runs the TLS chat example: a TLSChatServer and one client,
// which sends messages. RunTLSChat returns when the server receives a stop
// message, or either side fails.
func RunTLSChat(
	ctx context.Context,
	config *Config,
	logger common.Logger,
	messages <-chan []byte,
	onMessage MessageHandler) error {

	logger = common.LoggerOrNop(logger)

	socketConfig, err := config.NewSocketConfig(logger)
	if err != nil {
		return errors.Trace(err)
	}

	serverContext, clientContext, err := config.NewTLSContexts()
	if err != nil {
		return errors.Trace(err)
	}

	server, err := NewTLSChatServer(ctx, config, logger, socketConfig, serverContext, onMessage)
	if err != nil {
		return errors.Trace(err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// The server stops when groupCtx is done, within one poll timeout.
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	// A client that finishes without error leaves the server running until
	// the stop message arrives.
	group.Go(func() error {
		return RunTLSChatClient(
			groupCtx, config, logger, socketConfig, clientContext,
			server.Address().Port(), messages)
	})

	err = group.Wait()
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}
