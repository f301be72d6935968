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
	"context"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
	"golang.org/x/sync/errgroup"
)

// RunUDPEcho runs the datagram echo example. A server socket is bound to
// the configured address; it receives one length-prefixed message and
// echoes it to the sender. A client socket connected to the server sends
// message and returns the echo.
//
// The unix domain is not supported, as the client socket is unbound.
func RunUDPEcho(
	ctx context.Context, config *Config, logger common.Logger, message []byte) ([]byte, error) {

	domain, err := config.SocketDomain()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if domain == socket.DomainUnix {
		return nil, errors.TraceNew("unix domain datagram echo is not supported")
	}

	logger = common.LoggerOrNop(logger)

	socketConfig, err := config.NewSocketConfig(logger)
	if err != nil {
		return nil, errors.Trace(err)
	}

	server, err := socket.ServeUDP(
		ctx, socketConfig, config.Host, config.GetPort(), domain, socket.ModeBlocking)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer server.Close()

	return runEcho(
		ctx, logger, server, message, config.GetClientConnectTimeout(),
		func() (socket.Socket, error) {
			return server, nil
		},
		func(ctx context.Context) (socket.Socket, error) {
			return socket.DialUDP(
				ctx, socketConfig, config.Host, server.LocalAddress().Port(),
				domain, socket.ModeBlocking)
		})
}

// RunTCPEcho runs the stream echo example. A server socket listens on the
// configured address, accepts one connection, receives one length-prefixed
// message and echoes it. A client socket connects, sends message and
// returns the echo.
func RunTCPEcho(
	ctx context.Context, config *Config, logger common.Logger, message []byte) ([]byte, error) {

	domain, err := config.SocketDomain()
	if err != nil {
		return nil, errors.Trace(err)
	}

	logger = common.LoggerOrNop(logger)

	socketConfig, err := config.NewSocketConfig(logger)
	if err != nil {
		return nil, errors.Trace(err)
	}

	listener, err := socket.ServeTCP(
		ctx, socketConfig, config.Host, config.GetPort(), domain, config.Backlog, socket.ModeBlocking)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer listener.Close()

	return runEcho(
		ctx, logger, listener, message, config.GetClientConnectTimeout(),
		func() (socket.Socket, error) {
			conn, err := listener.Accept(socket.ModeBlocking)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return conn, nil
		},
		func(ctx context.Context) (socket.Socket, error) {
			host := config.Host
			port := listener.LocalAddress().Port()
			if domain == socket.DomainUnix {
				host = listener.LocalAddress().Path
			}
			return socket.DialTCP(ctx, socketConfig, host, port, domain, socket.ModeBlocking)
		})
}

// runEcho runs the echo server on one goroutine and the client on the
// calling goroutine. The server socket and the client socket are closed
// when either side fails or ctx is done, unblocking the other side.
func runEcho(
	ctx context.Context,
	logger common.Logger,
	server socket.Socket,
	message []byte,
	connectTimeout time.Duration,
	serverConn func() (socket.Socket, error),
	dial func(ctx context.Context) (socket.Socket, error)) ([]byte, error) {

	group, groupCtx := errgroup.WithContext(ctx)
	stopServer := context.AfterFunc(groupCtx, func() { server.Close() })
	defer stopServer()

	group.Go(func() error {

		conn, err := serverConn()
		if err != nil {
			return errors.Trace(err)
		}
		defer conn.Close()

		received, err := RecvMessage(conn)
		if err != nil {
			return errors.Trace(err)
		}

		logger.WithTraceFields(common.LogFields{
			"bytes":   len(received),
			"message": string(received),
		}).Info("server received message")

		err = SendMessage(conn, received)
		if err != nil {
			return errors.Trace(err)
		}

		return nil
	})

	var echo []byte

	group.Go(func() error {

		dialCtx, cancel := context.WithTimeout(groupCtx, connectTimeout)
		defer cancel()

		client, err := dial(dialCtx)
		if err != nil {
			return errors.Trace(err)
		}
		defer client.Close()
		stopClient := context.AfterFunc(groupCtx, func() { client.Close() })
		defer stopClient()

		err = SendMessage(client, message)
		if err != nil {
			return errors.Trace(err)
		}

		echo, err = RecvMessage(client)
		if err != nil {
			return errors.Trace(err)
		}

		logger.WithTraceFields(common.LogFields{
			"bytes":   len(echo),
			"message": string(echo),
		}).Info("client received echo")

		return nil
	})

	err := group.Wait()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return echo, nil
}
