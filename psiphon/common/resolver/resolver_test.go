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

package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	exampleDomain     = "example.com"
	exampleIPv4       = "93.184.216.34"
	exampleIPv6       = "2606:2800:220:1:248:1893:25c8:1946"
	exampleTTLSeconds = 60
)

func TestResolveIPLiteral(t *testing.T) {

	r, err := NewResolver(nil)
	require.NoError(t, err)

	IPs, err := r.ResolveIP(context.Background(), "ip4", "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, IPs, 1)
	assert.True(t, IPs[0].Equal(net.ParseIP("127.0.0.1")))

	IPs, err = r.ResolveIP(context.Background(), "ip6", "[::1]")
	require.NoError(t, err)
	require.Len(t, IPs, 1)
	assert.True(t, IPs[0].Equal(net.IPv6loopback))

	_, err = r.ResolveIP(context.Background(), "ip6", "127.0.0.1")
	assert.True(t, errors.IsKind(err, errors.KindResolution))

	_, err = r.ResolveIP(context.Background(), "tcp", "127.0.0.1")
	assert.True(t, errors.IsKind(err, errors.KindResolution))
}

func TestInvalidServer(t *testing.T) {
	_, err := NewResolver(&Config{DNSServers: []string{"dns.example.com:53"}})
	assert.Error(t, err)
}

func TestResolveWithServers(t *testing.T) {

	server, err := newTestDNSServer(true)
	require.NoError(t, err)
	defer server.stop()

	r, err := NewResolver(&Config{
		DNSServers:     []string{server.getAddr()},
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	IPs, err := r.ResolveIP(context.Background(), "ip", exampleDomain)
	require.NoError(t, err)
	require.Len(t, IPs, 2)
	assert.True(t, IPs[0].Equal(net.ParseIP(exampleIPv4)))
	assert.True(t, IPs[1].Equal(net.ParseIP(exampleIPv6)))
	assert.Equal(t, 2, server.getRequestCount())

	// The second resolve is served from the cache.
	IPs, err = r.ResolveIP(context.Background(), "ip", exampleDomain)
	require.NoError(t, err)
	assert.Len(t, IPs, 2)
	assert.Equal(t, 2, server.getRequestCount())

	IPs, err = r.ResolveIP(context.Background(), "ip6", exampleDomain)
	require.NoError(t, err)
	require.Len(t, IPs, 1)
	assert.True(t, IPs[0].Equal(net.ParseIP(exampleIPv6)))
	assert.Equal(t, 3, server.getRequestCount())

	r.FlushCache()

	_, err = r.ResolveIP(context.Background(), "ip4", exampleDomain)
	require.NoError(t, err)
	assert.Equal(t, 4, server.getRequestCount())
}

func TestResolveFallsBackToNextServer(t *testing.T) {

	silent, err := newTestDNSServer(false)
	require.NoError(t, err)
	defer silent.stop()

	server, err := newTestDNSServer(true)
	require.NoError(t, err)
	defer server.stop()

	warnings := int32(0)
	r, err := NewResolver(&Config{
		DNSServers:     []string{silent.getAddr(), server.getAddr()},
		RequestTimeout: 200 * time.Millisecond,
		DisableCache:   true,
		LogWarning:     func(error) { atomic.AddInt32(&warnings, 1) },
	})
	require.NoError(t, err)

	IPs, err := r.ResolveIP(context.Background(), "ip4", exampleDomain)
	require.NoError(t, err)
	require.Len(t, IPs, 1)
	assert.True(t, IPs[0].Equal(net.ParseIP(exampleIPv4)))
	assert.Equal(t, 1, silent.getRequestCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&warnings))
}

func TestResolveNoAnswer(t *testing.T) {

	silent, err := newTestDNSServer(false)
	require.NoError(t, err)
	defer silent.stop()

	r, err := NewResolver(&Config{
		DNSServers:     []string{silent.getAddr()},
		RequestTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = r.ResolveIP(context.Background(), "ip4", exampleDomain)
	assert.True(t, errors.IsKind(err, errors.KindResolution))
}

type testDNSServer struct {
	respond      bool
	addr         string
	requestCount int32
	server       *dns.Server
}

func newTestDNSServer(respond bool) (*testDNSServer, error) {

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Trace(err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}

	s := &testDNSServer{
		respond: respond,
		addr:    udpConn.LocalAddr().String(),
	}

	server := &dns.Server{
		PacketConn: udpConn,
		Handler:    s,
	}

	s.server = server

	go server.ActivateAndServe()

	return s, nil
}

func (s *testDNSServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	atomic.AddInt32(&s.requestCount, 1)

	if !s.respond {
		return
	}

	if len(r.Question) != 1 || r.Question[0].Name != dns.Fqdn(exampleDomain) {
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Answer = make([]dns.RR, 1)
	if r.Question[0].Qtype == dns.TypeA {
		m.Answer[0] = &dns.A{
			Hdr: dns.RR_Header{
				Name:   r.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    exampleTTLSeconds},
			A: net.ParseIP(exampleIPv4),
		}
	} else {
		m.Answer[0] = &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   r.Question[0].Name,
				Rrtype: dns.TypeAAAA,
				Class:  dns.ClassINET,
				Ttl:    exampleTTLSeconds},
			AAAA: net.ParseIP(exampleIPv6),
		}
	}

	w.WriteMsg(m)
}

func (s *testDNSServer) getAddr() string {
	return s.addr
}

func (s *testDNSServer) getRequestCount() int {
	return int(atomic.LoadInt32(&s.requestCount))
}

func (s *testDNSServer) stop() {
	s.server.PacketConn.Close()
	s.server.Shutdown()
}
