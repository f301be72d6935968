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

/*

Package tlscontext provides the TLS context consumed by socket.TLSSocket: a
pre-configured, role-specific bundle of trust roots, certificates and private
keys. A context is created once, explicitly, and passed to every TLS socket
operation that needs it; there is no process-wide TLS state.

*/
package tlscontext

import (
	"crypto/x509"
	"net"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	tls "github.com/Psiphon-Labs/psiphon-tls"
)

const (
	DEFAULT_HANDSHAKE_TIMEOUT = 30 * time.Second
)

// Role is the side of the handshake a Context is configured for.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (role Role) String() string {
	if role == RoleServer {
		return "server"
	}
	return "client"
}

// Config specifies the material for a Context. PEM values take precedence
// over the corresponding filenames.
type Config struct {

	// CertificatePEM/PrivateKeyPEM, or CertificateFilename/PrivateKeyFilename,
	// specify the certificate presented by this side. Required for servers;
	// optional client certificate for clients.
	CertificatePEM      string
	PrivateKeyPEM       string
	CertificateFilename string
	PrivateKeyFilename  string

	// TrustedCACertificatesPEM or TrustedCACertificatesFilename specify the
	// trust roots used to verify the peer. When both are empty, clients use
	// the system roots.
	TrustedCACertificatesPEM      string
	TrustedCACertificatesFilename string

	// ServerName is the name clients verify the server certificate against.
	// When empty, the host name used to resolve the server address is used.
	ServerName string

	// MinVersion is the minimum TLS version. Defaults to TLS 1.2.
	MinVersion uint16

	NextProtos []string

	// RequireClientCertificate makes servers request and verify a client
	// certificate against the trusted CAs.
	RequireClientCertificate bool

	// HandshakeTimeout bounds each handshake. Defaults to
	// DEFAULT_HANDSHAKE_TIMEOUT.
	HandshakeTimeout time.Duration
}

// Context is an immutable, role-specific TLS configuration. A Context may be
// shared by any number of sockets and goroutines.
type Context struct {
	role             Role
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// NewClientContext creates a Context for the client role.
func NewClientContext(config *Config) (*Context, error) {
	return newContext(RoleClient, config)
}

// NewServerContext creates a Context for the server role. A certificate and
// private key are required.
func NewServerContext(config *Config) (*Context, error) {
	return newContext(RoleServer, config)
}

func newContext(role Role, config *Config) (*Context, error) {

	if config == nil {
		config = &Config{}
	}

	tlsConfig := &tls.Config{
		MinVersion: config.MinVersion,
		NextProtos: config.NextProtos,
		ServerName: config.ServerName,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	certificate, ok, err := loadCertificate(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if ok {
		tlsConfig.Certificates = []tls.Certificate{certificate}
	} else if role == RoleServer {
		return nil, errors.TraceNew("server context requires a certificate")
	}

	roots, err := loadTrustedCACertificates(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	switch role {
	case RoleClient:
		tlsConfig.RootCAs = roots
	case RoleServer:
		if config.RequireClientCertificate {
			if roots == nil {
				return nil, errors.TraceNew("client certificate verification requires trusted CAs")
			}
			tlsConfig.ClientCAs = roots
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	handshakeTimeout := config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DEFAULT_HANDSHAKE_TIMEOUT
	}

	return &Context{
		role:             role,
		tlsConfig:        tlsConfig,
		handshakeTimeout: handshakeTimeout,
	}, nil
}

func loadCertificate(config *Config) (tls.Certificate, bool, error) {

	certificatePEM := []byte(config.CertificatePEM)
	privateKeyPEM := []byte(config.PrivateKeyPEM)

	var err error
	if len(certificatePEM) == 0 && config.CertificateFilename != "" {
		certificatePEM, err = os.ReadFile(config.CertificateFilename)
		if err != nil {
			return tls.Certificate{}, false, errors.Trace(err)
		}
	}
	if len(privateKeyPEM) == 0 && config.PrivateKeyFilename != "" {
		privateKeyPEM, err = os.ReadFile(config.PrivateKeyFilename)
		if err != nil {
			return tls.Certificate{}, false, errors.Trace(err)
		}
	}

	if len(certificatePEM) == 0 && len(privateKeyPEM) == 0 {
		return tls.Certificate{}, false, nil
	}

	certificate, err := tls.X509KeyPair(certificatePEM, privateKeyPEM)
	if err != nil {
		return tls.Certificate{}, false, errors.Trace(err)
	}

	return certificate, true, nil
}

func loadTrustedCACertificates(config *Config) (*x509.CertPool, error) {

	caPEM := []byte(config.TrustedCACertificatesPEM)
	if len(caPEM) == 0 && config.TrustedCACertificatesFilename != "" {
		var err error
		caPEM, err = os.ReadFile(config.TrustedCACertificatesFilename)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	if len(caPEM) == 0 {
		return nil, nil
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, errors.TraceNew("no valid trusted CA certificates")
	}

	return roots, nil
}

// Role returns the role the Context was created for.
func (c *Context) Role() Role {
	return c.role
}

// HandshakeTimeout returns the time limit for a single handshake.
func (c *Context) HandshakeTimeout() time.Duration {
	return c.handshakeTimeout
}

// ClientSession creates a client-side TLS session over conn. serverName is
// used for certificate verification unless the Context specifies a
// ServerName. Failures are errors of kind errors.KindSessionInit.
func (c *Context) ClientSession(conn net.Conn, serverName string) (*tls.Conn, error) {

	if c.role != RoleClient {
		return nil, errors.TraceKindNew(errors.KindSessionInit, "context is not a client context")
	}
	if conn == nil {
		return nil, errors.TraceKindNew(errors.KindSessionInit, "missing transport")
	}

	tlsConfig := c.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}
	if tlsConfig.ServerName == "" {
		return nil, errors.TraceKindNew(errors.KindSessionInit, "missing server name")
	}

	return tls.Client(conn, tlsConfig), nil
}

// ServerSession creates a server-side TLS session over conn. Failures are
// errors of kind errors.KindSessionInit.
func (c *Context) ServerSession(conn net.Conn) (*tls.Conn, error) {

	if c.role != RoleServer {
		return nil, errors.TraceKindNew(errors.KindSessionInit, "context is not a server context")
	}
	if conn == nil {
		return nil, errors.TraceKindNew(errors.KindSessionInit, "missing transport")
	}

	return tls.Server(conn, c.tlsConfig), nil
}
