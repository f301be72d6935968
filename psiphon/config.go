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
	"encoding/json"
	"os"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/resolver"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/tlscontext"
)

const (
	DEFAULT_HOST                                = "127.0.0.1"
	DEFAULT_PORT                                = 12345
	DEFAULT_DOMAIN                              = "ipv4"
	DEFAULT_LOG_LEVEL                           = "info"
	DEFAULT_MAX_CLIENTS                         = 64
	DEFAULT_POLL_TIMEOUT_MILLISECONDS           = 1000
	DEFAULT_HANDSHAKE_TIMEOUT_MILLISECONDS      = 30000
	DEFAULT_ACCEPT_RATE_PER_SECOND              = 100
	DEFAULT_DNS_REQUEST_TIMEOUT_MILLISECONDS    = 5000
	DEFAULT_DNS_CACHE_TTL_MILLISECONDS          = 60000
	DEFAULT_CLIENT_CONNECT_TIMEOUT_MILLISECONDS = 10000
)

// Config is the configuration for the example runners and ConsoleSockets.
// Config is loaded from JSON with LoadConfig; unset fields take defaults.
type Config struct {

	// Host is the server host name or IP address, or the socket path when
	// Domain is "unix". Defaults to DEFAULT_HOST.
	Host string

	// Port is the server port. Port 0 selects an ephemeral port. Defaults to
	// DEFAULT_PORT when Port is omitted.
	Port *int

	// Domain is one of "ipv4", "ipv6" or "unix". Defaults to DEFAULT_DOMAIN.
	Domain string

	// Backlog is the listen backlog. Defaults to socket.DEFAULT_BACKLOG.
	Backlog int

	// LogLevel is a logrus level name. Defaults to DEFAULT_LOG_LEVEL.
	LogLevel string

	// DNSServers, when set, are used for hostname resolution instead of the
	// system resolver.
	DNSServers []string

	DNSRequestTimeoutMilliseconds *int
	DNSCacheTTLMilliseconds       *int

	ClientConnectTimeoutMilliseconds *int

	// ServerCertificate/ServerPrivateKey, or the corresponding filenames,
	// specify the TLS server certificate. When neither is set, a self-signed
	// certificate is generated for Host and trusted by the client.
	ServerCertificate         string
	ServerPrivateKey          string
	ServerCertificateFilename string
	ServerPrivateKeyFilename  string

	// TrustedCACertificatesFilename specifies the client trust roots. When
	// unset, the client trusts the server certificate itself.
	TrustedCACertificatesFilename string

	// TLSServerName overrides the name the client verifies the server
	// certificate against.
	TLSServerName string

	HandshakeTimeoutMilliseconds *int

	// MaxClients limits concurrent TLS chat server clients. Defaults to
	// DEFAULT_MAX_CLIENTS.
	MaxClients int

	// AcceptRatePerSecond limits the TLS chat server accept rate. Defaults
	// to DEFAULT_ACCEPT_RATE_PER_SECOND.
	AcceptRatePerSecond int

	PollTimeoutMilliseconds *int
}

// LoadConfig parses and validates a JSON configuration and applies
// defaults.
func LoadConfig(configJson []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJson, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.Host == "" {
		config.Host = DEFAULT_HOST
	}

	if config.Port == nil {
		defaultPort := DEFAULT_PORT
		config.Port = &defaultPort
	}
	if *config.Port < 0 || *config.Port > 65535 {
		return nil, errors.Tracef("invalid port: %d", *config.Port)
	}

	if config.Domain == "" {
		config.Domain = DEFAULT_DOMAIN
	}
	_, err = config.SocketDomain()
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}

	if config.Backlog < 0 {
		return nil, errors.TraceNew("invalid backlog")
	}

	if config.MaxClients < 0 {
		return nil, errors.TraceNew("invalid max clients")
	}
	if config.MaxClients == 0 {
		config.MaxClients = DEFAULT_MAX_CLIENTS
	}

	if config.AcceptRatePerSecond < 0 {
		return nil, errors.TraceNew("invalid accept rate")
	}
	if config.AcceptRatePerSecond == 0 {
		config.AcceptRatePerSecond = DEFAULT_ACCEPT_RATE_PER_SECOND
	}

	if (config.ServerCertificate == "") != (config.ServerPrivateKey == "") {
		return nil, errors.TraceNew("server certificate and private key must be set together")
	}
	if (config.ServerCertificateFilename == "") != (config.ServerPrivateKeyFilename == "") {
		return nil, errors.TraceNew("server certificate and private key filenames must be set together")
	}

	for _, value := range []**int{
		&config.DNSRequestTimeoutMilliseconds,
		&config.DNSCacheTTLMilliseconds,
		&config.ClientConnectTimeoutMilliseconds,
		&config.HandshakeTimeoutMilliseconds,
		&config.PollTimeoutMilliseconds,
	} {
		if *value != nil && **value < 0 {
			return nil, errors.TraceNew("invalid negative timeout")
		}
	}

	return &config, nil
}

// LoadConfigFile reads and loads a JSON configuration file.
func LoadConfigFile(filename string) (*Config, error) {
	configJson, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	config, err := LoadConfig(configJson)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

func milliseconds(value *int, defaultValue int) time.Duration {
	if value == nil {
		return time.Duration(defaultValue) * time.Millisecond
	}
	return time.Duration(*value) * time.Millisecond
}

// GetPort returns the configured port.
func (config *Config) GetPort() uint16 {
	if config.Port == nil {
		return DEFAULT_PORT
	}
	return uint16(*config.Port)
}

// SocketDomain returns the configured socket.Domain.
func (config *Config) SocketDomain() (socket.Domain, error) {
	switch config.Domain {
	case "ipv4", "":
		return socket.DomainIPv4, nil
	case "ipv6":
		return socket.DomainIPv6, nil
	case "unix":
		return socket.DomainUnix, nil
	}
	return socket.DomainUndefined, errors.Tracef("invalid domain: %s", config.Domain)
}

// GetClientConnectTimeout returns the bound on client connection
// establishment.
func (config *Config) GetClientConnectTimeout() time.Duration {
	return milliseconds(
		config.ClientConnectTimeoutMilliseconds, DEFAULT_CLIENT_CONNECT_TIMEOUT_MILLISECONDS)
}

// GetPollTimeout returns the TLS chat server poll timeout.
func (config *Config) GetPollTimeout() time.Duration {
	return milliseconds(config.PollTimeoutMilliseconds, DEFAULT_POLL_TIMEOUT_MILLISECONDS)
}

// NewSocketConfig creates the socket.Config, including the resolver, for
// the configuration.
func (config *Config) NewSocketConfig(logger common.Logger) (*socket.Config, error) {

	logger = common.LoggerOrNop(logger)

	r, err := resolver.NewResolver(&resolver.Config{
		DNSServers: config.DNSServers,
		RequestTimeout: milliseconds(
			config.DNSRequestTimeoutMilliseconds, DEFAULT_DNS_REQUEST_TIMEOUT_MILLISECONDS),
		CacheTTL: milliseconds(
			config.DNSCacheTTLMilliseconds, DEFAULT_DNS_CACHE_TTL_MILLISECONDS),
		LogWarning: func(err error) {
			logger.WithTraceFields(common.LogFields{"error": err.Error()}).Warning("resolver")
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &socket.Config{
		Logger:   logger,
		Resolver: r,
	}, nil
}

// NewTLSContexts creates the TLS server and client contexts for the
// configuration. When no server certificate is configured, a self-signed
// certificate is generated for Host, and the client context trusts it.
func (config *Config) NewTLSContexts() (*tlscontext.Context, *tlscontext.Context, error) {

	handshakeTimeout := milliseconds(
		config.HandshakeTimeoutMilliseconds, DEFAULT_HANDSHAKE_TIMEOUT_MILLISECONDS)

	serverConfig := &tlscontext.Config{
		CertificatePEM:      config.ServerCertificate,
		PrivateKeyPEM:       config.ServerPrivateKey,
		CertificateFilename: config.ServerCertificateFilename,
		PrivateKeyFilename:  config.ServerPrivateKeyFilename,
		HandshakeTimeout:    handshakeTimeout,
	}

	clientConfig := &tlscontext.Config{
		TrustedCACertificatesFilename: config.TrustedCACertificatesFilename,
		ServerName:                    config.TLSServerName,
		HandshakeTimeout:              handshakeTimeout,
	}

	if serverConfig.CertificatePEM == "" && serverConfig.CertificateFilename == "" {

		host := config.Host
		if config.TLSServerName != "" {
			host = config.TLSServerName
		}

		certificate, privateKey, err := tlscontext.GenerateCertificate(host)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		serverConfig.CertificatePEM = certificate
		serverConfig.PrivateKeyPEM = privateKey

	}

	if clientConfig.TrustedCACertificatesFilename == "" {
		clientConfig.TrustedCACertificatesPEM = serverConfig.CertificatePEM
		clientConfig.TrustedCACertificatesFilename = serverConfig.CertificateFilename
	}

	serverContext, err := tlscontext.NewServerContext(serverConfig)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	clientContext, err := tlscontext.NewClientContext(clientConfig)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	return serverContext, clientContext, nil
}
