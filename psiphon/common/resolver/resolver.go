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

// Package resolver implements the name resolution backend used by the socket
// package. Names are resolved either with the system resolver or, when DNS
// servers are configured, with explicit DNS requests to those servers.
// Answers are cached until their TTL expires.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const (
	resolverCacheDefaultTTL       = 1 * time.Minute
	resolverCacheReapFrequency    = 1 * time.Minute
	resolverCacheMaxEntries       = 10000
	resolverDefaultRequestTimeout = 5 * time.Second
	resolverDNSPort               = "53"
	udpPacketBufferSize           = 1232
)

// Config specifies the configuration for a Resolver. The zero value uses the
// system resolver with caching enabled.
type Config struct {

	// DNSServers is a list of DNS server addresses (IP:port, or IP only with
	// port 53 assumed), in priority order. When empty, the system resolver is
	// used.
	DNSServers []string

	// RequestTimeout is the timeout for a single DNS request to a single
	// server. Defaults to 5 seconds.
	RequestTimeout time.Duration

	// CacheTTL is the TTL applied to answers which have no TTL, including all
	// system resolver answers. Defaults to 1 minute.
	CacheTTL time.Duration

	// CacheMaxEntries limits the number of cached hostnames.
	CacheMaxEntries int

	// DisableCache turns off answer caching.
	DisableCache bool

	// LogWarning is an optional callback which is used to log transient
	// errors which would otherwise not be recorded or returned.
	LogWarning func(error)
}

// Resolver resolves hostnames to IP addresses. Resolver is safe for
// concurrent use.
type Resolver struct {
	config  Config
	servers []string
	mutex   sync.Mutex
	cache   *lrucache.Cache
}

// NewResolver creates a new Resolver. A nil config is equivalent to a zero
// value Config.
func NewResolver(config *Config) (*Resolver, error) {

	r := &Resolver{}
	if config != nil {
		r.config = *config
	}

	if r.config.RequestTimeout <= 0 {
		r.config.RequestTimeout = resolverDefaultRequestTimeout
	}
	if r.config.CacheTTL <= 0 {
		r.config.CacheTTL = resolverCacheDefaultTTL
	}
	if r.config.CacheMaxEntries <= 0 {
		r.config.CacheMaxEntries = resolverCacheMaxEntries
	}

	for _, server := range r.config.DNSServers {
		serverAddr, err := normalizeServerAddress(server)
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.servers = append(r.servers, serverAddr)
	}

	if !r.config.DisableCache {
		r.cache = lrucache.NewWithLRU(
			r.config.CacheTTL,
			resolverCacheReapFrequency,
			r.config.CacheMaxEntries)
	}

	return r, nil
}

func normalizeServerAddress(server string) (string, error) {
	if IP := net.ParseIP(server); IP != nil {
		return net.JoinHostPort(IP.String(), resolverDNSPort), nil
	}
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return "", errors.Trace(err)
	}
	if net.ParseIP(host) == nil {
		return "", errors.Tracef("invalid DNS server IP address: %s", host)
	}
	return net.JoinHostPort(host, port), nil
}

// ResolveIP resolves host to a list of IP addresses. network must be "ip",
// "ip4" or "ip6"; for "ip", IPv4 answers precede IPv6 answers. When host is
// an IP literal, it's returned as-is, subject to the network filter.
//
// All failures, including an empty answer, are errors of kind
// errors.KindResolution.
func (r *Resolver) ResolveIP(
	ctx context.Context, network, host string) ([]net.IP, error) {

	switch network {
	case "ip", "ip4", "ip6":
	default:
		return nil, errors.TraceKindf(errors.KindResolution, "unsupported network: %s", network)
	}

	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	if IP := net.ParseIP(host); IP != nil {
		if !matchesNetwork(network, IP) {
			return nil, errors.TraceKindf(
				errors.KindResolution, "address %s does not match network %s", host, network)
		}
		return []net.IP{IP}, nil
	}

	// Convert to punycode.
	hostname, err := idna.ToASCII(host)
	if err != nil {
		return nil, errors.TraceKind(errors.KindResolution, err)
	}
	if hostname == "" {
		return nil, errors.TraceKindNew(errors.KindResolution, "empty hostname")
	}

	cacheKey := network + "/" + hostname

	IPs := r.getCache(cacheKey)
	if IPs != nil {
		return IPs, nil
	}

	var TTLs []time.Duration
	if len(r.servers) > 0 {
		IPs, TTLs, err = r.resolveWithServers(ctx, network, hostname)
	} else {
		IPs, err = defaultResolverLookupIP(ctx, network, hostname)
	}
	if err != nil {
		return nil, errors.TraceKind(errors.KindResolution, err)
	}

	if len(IPs) == 0 {
		return nil, errors.TraceKindf(errors.KindResolution, "no address for %s", hostname)
	}

	r.setCache(cacheKey, IPs, TTLs)

	return IPs, nil
}

// FlushCache discards all cached answers.
func (r *Resolver) FlushCache() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.cache != nil {
		r.cache.Flush()
	}
}

func (r *Resolver) setCache(key string, IPs []net.IP, TTLs []time.Duration) {
	if r.cache == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// The shortest TTL is used. In some cases, a DNS server may omit the TTL
	// or set a 0 TTL, in which case the default is used.
	TTL := r.config.CacheTTL
	for _, answerTTL := range TTLs {
		if answerTTL > 0 && answerTTL < TTL {
			TTL = answerTTL
		}
	}

	r.cache.Set(key, IPs, TTL)
}

func (r *Resolver) getCache(key string) []net.IP {
	if r.cache == nil {
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.cache.Get(key)
	if !ok {
		return nil
	}
	return entry.([]net.IP)
}

func (r *Resolver) logWarning(err error) {
	if r.config.LogWarning != nil {
		r.config.LogWarning(err)
	}
}

// resolveWithServers tries each configured server in order, returning the
// first non-empty answer. The last error is returned when no server answers.
func (r *Resolver) resolveWithServers(
	ctx context.Context, network, hostname string) ([]net.IP, []time.Duration, error) {

	var questionTypes []uint16
	switch network {
	case "ip4":
		questionTypes = []uint16{dns.TypeA}
	case "ip6":
		questionTypes = []uint16{dns.TypeAAAA}
	default:
		questionTypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var lastErr error
	for _, server := range r.servers {

		var IPs []net.IP
		var TTLs []time.Duration
		var serverErr error

		for _, questionType := range questionTypes {
			answerIPs, answerTTLs, err := r.performDNSQuery(ctx, server, questionType, hostname)
			if err != nil {
				serverErr = err
				continue
			}
			IPs = append(IPs, answerIPs...)
			TTLs = append(TTLs, answerTTLs...)
		}

		if len(IPs) > 0 {
			return IPs, TTLs, nil
		}

		if serverErr == nil {
			serverErr = errors.Tracef("empty response from %s", server)
		}
		r.logWarning(serverErr)
		lastErr = serverErr

		if ctx.Err() != nil {
			break
		}
	}

	return nil, nil, errors.Trace(lastErr)
}

func (r *Resolver) performDNSQuery(
	ctx context.Context,
	server string,
	questionType uint16,
	hostname string) ([]net.IP, []time.Duration, error) {

	// SetQuestion initializes request.MsgHdr.Id to a random value
	request := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	request.SetQuestion(dns.Fqdn(hostname), questionType)

	client := &dns.Client{
		Net:     "udp",
		UDPSize: udpPacketBufferSize,
		Timeout: r.config.RequestTimeout,
	}

	response, _, err := client.ExchangeContext(ctx, request, server)
	if err == nil && response.Truncated {
		client.Net = "tcp"
		response, _, err = client.ExchangeContext(ctx, request, server)
	}
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	if len(response.Question) != 1 || response.Question[0].Name != dns.Fqdn(hostname) {
		return nil, nil, errors.TraceNew("unexpected QName")
	}

	// NXDOMAIN for AAAA is coalesced into an empty success, as some servers
	// respond with NXDOMAIN to a AAAA query when only an A record exists.
	if response.Rcode != dns.RcodeSuccess {
		if questionType == dns.TypeAAAA && response.Rcode == dns.RcodeNameError {
			return nil, nil, nil
		}
		errMsg, ok := dns.RcodeToString[response.Rcode]
		if !ok {
			errMsg = fmt.Sprintf("Rcode: %d", response.Rcode)
		}
		return nil, nil, errors.Tracef("unexpected RCode: %v", errMsg)
	}

	var IPs []net.IP
	var TTLs []time.Duration
	for _, answer := range response.Answer {
		switch rr := answer.(type) {
		case *dns.A:
			if questionType == dns.TypeA {
				IPs = append(IPs, rr.A)
				TTLs = append(TTLs, time.Duration(rr.Hdr.Ttl)*time.Second)
			}
		case *dns.AAAA:
			if questionType == dns.TypeAAAA {
				IPs = append(IPs, rr.AAAA)
				TTLs = append(TTLs, time.Duration(rr.Hdr.Ttl)*time.Second)
			}
		}
	}

	return IPs, TTLs, nil
}

func defaultResolverLookupIP(
	ctx context.Context, network, hostname string) ([]net.IP, error) {

	IPs, err := net.DefaultResolver.LookupIP(ctx, network, hostname)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if network == "ip" {
		// Order IPv4 before IPv6, matching resolveWithServers.
		ordered := make([]net.IP, 0, len(IPs))
		for _, IP := range IPs {
			if IP.To4() != nil {
				ordered = append(ordered, IP)
			}
		}
		for _, IP := range IPs {
			if IP.To4() == nil {
				ordered = append(ordered, IP)
			}
		}
		IPs = ordered
	}

	return IPs, nil
}

func matchesNetwork(network string, IP net.IP) bool {
	switch network {
	case "ip4":
		return IP.To4() != nil
	case "ip6":
		return IP.To4() == nil
	}
	return true
}
