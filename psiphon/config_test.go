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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/socket"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/tlscontext"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	testDir string
}

func (suite *ConfigTestSuite) SetupTest() {
	suite.testDir = suite.T().TempDir()
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) writeConfigFile(filename string, contents string) string {
	path := filepath.Join(suite.testDir, filename)
	suite.Require().NoError(os.WriteFile(path, []byte(contents), 0600))
	return path
}

// Tests bad config file path
func (suite *ConfigTestSuite) Test_LoadConfigFile_BadPath() {
	_, err := LoadConfigFile(filepath.Join(suite.testDir, "BAADPATH"))
	suite.NotNil(err, "error should be set")
}

// Tests good config file path
func (suite *ConfigTestSuite) Test_LoadConfigFile_GoodPath() {
	filename := suite.writeConfigFile("good.json", `{"Host": "localhost", "Port": 0}`)
	config, err := LoadConfigFile(filename)
	suite.Require().Nil(err, "error should not be set")
	suite.Equal("localhost", config.Host)
	suite.Equal(uint16(0), config.GetPort())
}

// Tests non-JSON file contents
func (suite *ConfigTestSuite) Test_LoadConfig_BadJson() {
	_, err := LoadConfig([]byte(`this is not JSON`))
	suite.NotNil(err, "error should be set")

	_, err = LoadConfig([]byte(`{"Port": "12345"}`))
	suite.NotNil(err, "error should be set for a wrongly typed field")
}

// Tests that omitted fields take their defaults
func (suite *ConfigTestSuite) Test_LoadConfig_Defaults() {
	config, err := LoadConfig([]byte(`{}`))
	suite.Require().Nil(err, "error should not be set")

	suite.Equal(DEFAULT_HOST, config.Host)
	suite.Equal(uint16(DEFAULT_PORT), config.GetPort())
	suite.Equal(DEFAULT_DOMAIN, config.Domain)
	suite.Equal(DEFAULT_LOG_LEVEL, config.LogLevel)
	suite.Equal(DEFAULT_MAX_CLIENTS, config.MaxClients)
	suite.Equal(DEFAULT_ACCEPT_RATE_PER_SECOND, config.AcceptRatePerSecond)
	suite.Equal(
		time.Duration(DEFAULT_POLL_TIMEOUT_MILLISECONDS)*time.Millisecond,
		config.GetPollTimeout())
	suite.Equal(
		time.Duration(DEFAULT_CLIENT_CONNECT_TIMEOUT_MILLISECONDS)*time.Millisecond,
		config.GetClientConnectTimeout())

	domain, err := config.SocketDomain()
	suite.Nil(err)
	suite.Equal(socket.DomainIPv4, domain)
}

// Tests that explicit zero values are kept where they are meaningful
func (suite *ConfigTestSuite) Test_LoadConfig_ExplicitValues() {
	config, err := LoadConfig([]byte(
		`{"Port": 0, "Domain": "ipv6", "PollTimeoutMilliseconds": 0, "ClientConnectTimeoutMilliseconds": 250}`))
	suite.Require().Nil(err, "error should not be set")

	suite.Equal(uint16(0), config.GetPort())
	suite.Equal(time.Duration(0), config.GetPollTimeout())
	suite.Equal(250*time.Millisecond, config.GetClientConnectTimeout())

	domain, err := config.SocketDomain()
	suite.Nil(err)
	suite.Equal(socket.DomainIPv6, domain)

	config, err = LoadConfig([]byte(`{"Domain": "unix", "Host": "/tmp/sockets.sock"}`))
	suite.Require().Nil(err, "error should not be set")
	domain, err = config.SocketDomain()
	suite.Nil(err)
	suite.Equal(socket.DomainUnix, domain)
}

// Tests invalid field values
func (suite *ConfigTestSuite) Test_LoadConfig_Invalid() {
	for _, configJson := range []string{
		`{"Port": -1}`,
		`{"Port": 65536}`,
		`{"Domain": "ipx"}`,
		`{"Backlog": -1}`,
		`{"MaxClients": -1}`,
		`{"AcceptRatePerSecond": -1}`,
		`{"HandshakeTimeoutMilliseconds": -1}`,
		`{"ServerCertificate": "x"}`,
		`{"ServerPrivateKeyFilename": "x"}`,
	} {
		_, err := LoadConfig([]byte(configJson))
		suite.NotNil(err, "error should be set for %s", configJson)
	}
}

func (suite *ConfigTestSuite) Test_NewSocketConfig() {
	config, err := LoadConfig([]byte(`{"DNSServers": ["127.0.0.1:53"]}`))
	suite.Require().Nil(err)

	socketConfig, err := config.NewSocketConfig(nil)
	suite.Require().Nil(err)
	suite.NotNil(socketConfig.Logger)
	suite.NotNil(socketConfig.Resolver)

	config, err = LoadConfig([]byte(`{"DNSServers": ["not an address"]}`))
	suite.Require().Nil(err)
	_, err = config.NewSocketConfig(nil)
	suite.NotNil(err, "error should be set for an invalid DNS server")
}

// Tests the generated self-signed certificate and the default client trust
func (suite *ConfigTestSuite) Test_NewTLSContexts_Generated() {
	config, err := LoadConfig([]byte(`{"HandshakeTimeoutMilliseconds": 2000}`))
	suite.Require().Nil(err)

	serverContext, clientContext, err := config.NewTLSContexts()
	suite.Require().Nil(err)
	suite.Equal(tlscontext.RoleServer, serverContext.Role())
	suite.Equal(tlscontext.RoleClient, clientContext.Role())
	suite.Equal(2*time.Second, serverContext.HandshakeTimeout())
	suite.Equal(2*time.Second, clientContext.HandshakeTimeout())
}

// Tests certificate files
func (suite *ConfigTestSuite) Test_NewTLSContexts_Files() {
	certificate, privateKey, err := tlscontext.GenerateCertificate("127.0.0.1")
	suite.Require().Nil(err)

	certificateFilename := suite.writeConfigFile("server.crt", certificate)
	privateKeyFilename := suite.writeConfigFile("server.key", privateKey)

	config := &Config{
		ServerCertificateFilename: certificateFilename,
		ServerPrivateKeyFilename:  privateKeyFilename,
	}
	_, _, err = config.NewTLSContexts()
	suite.Nil(err)

	config.ServerPrivateKeyFilename = filepath.Join(suite.testDir, "missing.key")
	_, _, err = config.NewTLSContexts()
	suite.NotNil(err, "error should be set for a missing private key file")
}

func (suite *ConfigTestSuite) Test_NewContextLogger() {
	config, err := LoadConfig([]byte(`{"LogLevel": "debug"}`))
	suite.Require().Nil(err)
	logger, err := common.NewContextLogger(config.LogLevel, os.Stderr)
	suite.Nil(err)
	suite.NotNil(logger)

	_, err = common.NewContextLogger("verbose", os.Stderr)
	suite.NotNil(err, "error should be set for an invalid log level")
}
