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
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/resolver"
	"golang.org/x/sys/unix"
)

// Domain is the address family of a socket.
type Domain int

const (
	DomainUndefined Domain = iota
	DomainIPv4
	DomainIPv6
	DomainUnix
)

func (domain Domain) String() string {
	switch domain {
	case DomainIPv4:
		return "ipv4"
	case DomainIPv6:
		return "ipv6"
	case DomainUnix:
		return "unix"
	}
	return "undefined"
}

func (domain Domain) family() int {
	switch domain {
	case DomainIPv4:
		return unix.AF_INET
	case DomainIPv6:
		return unix.AF_INET6
	case DomainUnix:
		return unix.AF_UNIX
	}
	return unix.AF_UNSPEC
}

// Kind is the transport type of a socket.
type Kind int

const (
	KindStream Kind = iota
	KindDatagram
)

func (kind Kind) String() string {
	if kind == KindDatagram {
		return "datagram"
	}
	return "stream"
}

func (kind Kind) sotype() int {
	if kind == KindDatagram {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

// Address is a resolved socket address. IP domain addresses carry AddrPort;
// Unix domain addresses carry Path. Host is the name the address was
// resolved from, and is used as the default TLS server name.
type Address struct {
	Host     string
	AddrPort netip.AddrPort
	Path     string
	Domain   Domain
	Kind     Kind
}

func (address Address) String() string {
	if address.Domain == DomainUnix {
		return address.Path
	}
	return address.AddrPort.String()
}

// Port returns the port of an IP domain address.
func (address Address) Port() uint16 {
	return address.AddrPort.Port()
}

func (address Address) sockaddr() (unix.Sockaddr, error) {
	switch address.Domain {
	case DomainIPv4:
		addr := address.AddrPort.Addr().Unmap()
		if !addr.Is4() {
			return nil, errors.Tracef("invalid IPv4 address: %s", addr)
		}
		return &unix.SockaddrInet4{
			Port: int(address.AddrPort.Port()),
			Addr: addr.As4(),
		}, nil
	case DomainIPv6:
		addr := address.AddrPort.Addr()
		if !addr.Is6() {
			return nil, errors.Tracef("invalid IPv6 address: %s", addr)
		}
		sockaddr := &unix.SockaddrInet6{
			Port: int(address.AddrPort.Port()),
			Addr: addr.As16(),
		}
		if zone := addr.Zone(); zone != "" {
			if iface, err := net.InterfaceByName(zone); err == nil {
				sockaddr.ZoneId = uint32(iface.Index)
			}
		}
		return sockaddr, nil
	case DomainUnix:
		if address.Path == "" {
			return nil, errors.TraceNew("missing unix socket path")
		}
		return &unix.SockaddrUnix{Name: address.Path}, nil
	}
	return nil, errors.Tracef("unsupported domain: %s", address.Domain)
}

// addressFromSockaddr converts an OS socket address, as returned by
// getsockname, getpeername, accept or recvfrom. A nil or unrecognized
// sockaddr yields an address with only domain and kind set.
func addressFromSockaddr(sockaddr unix.Sockaddr, domain Domain, kind Kind) Address {
	address := Address{Domain: domain, Kind: kind}
	switch sa := sockaddr.(type) {
	case *unix.SockaddrInet4:
		address.AddrPort = netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr = addr.WithZone(iface.Name)
			}
		}
		address.AddrPort = netip.AddrPortFrom(addr, uint16(sa.Port))
	case *unix.SockaddrUnix:
		address.Path = sa.Name
	}
	return address
}

var (
	defaultResolverOnce sync.Once
	defaultResolver     *resolver.Resolver
)

// Config specifies the collaborators used by socket constructors. A nil
// Config, or nil fields, select the defaults: no logging and a caching
// system resolver shared by all sockets.
type Config struct {
	Logger   common.Logger
	Resolver *resolver.Resolver
}

func (config *Config) logger() common.Logger {
	if config == nil {
		return common.NopLogger{}
	}
	return common.LoggerOrNop(config.Logger)
}

func (config *Config) resolver() *resolver.Resolver {
	if config != nil && config.Resolver != nil {
		return config.Resolver
	}
	defaultResolverOnce.Do(func() {
		// NewResolver fails only on invalid DNS servers, and none are set.
		defaultResolver, _ = resolver.NewResolver(nil)
	})
	return defaultResolver
}

// Resolve turns host and port into an ordered list of candidate addresses of
// the specified domain and kind.
//
// For IP domains, host may be an IP literal or a hostname, and an empty host
// selects the unspecified address, for binding on all interfaces. For
// DomainUnix, host is the socket path and port is ignored.
//
// All failures are errors of kind errors.KindResolution.
func Resolve(
	ctx context.Context,
	config *Config,
	host string,
	port uint16,
	domain Domain,
	kind Kind) ([]Address, error) {

	var network string
	switch domain {
	case DomainUnix:
		if host == "" {
			return nil, errors.TraceKindNew(errors.KindResolution, "missing unix socket path")
		}
		return []Address{{Host: host, Path: host, Domain: domain, Kind: kind}}, nil
	case DomainIPv4:
		if host == "" {
			return []Address{{
				AddrPort: netip.AddrPortFrom(netip.IPv4Unspecified(), port),
				Domain:   domain,
				Kind:     kind,
			}}, nil
		}
		network = "ip4"
	case DomainIPv6:
		if host == "" {
			return []Address{{
				AddrPort: netip.AddrPortFrom(netip.IPv6Unspecified(), port),
				Domain:   domain,
				Kind:     kind,
			}}, nil
		}
		network = "ip6"
	default:
		return nil, errors.TraceKindf(errors.KindResolution, "unsupported domain: %s", domain)
	}

	IPs, err := config.resolver().ResolveIP(ctx, network, host)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var addresses []Address
	for _, IP := range IPs {
		addr, ok := netip.AddrFromSlice(IP)
		if !ok {
			continue
		}
		if domain == DomainIPv4 {
			addr = addr.Unmap()
			if !addr.Is4() {
				continue
			}
		} else if !addr.Is6() || addr.Is4In6() {
			continue
		}
		addresses = append(addresses, Address{
			Host:     host,
			AddrPort: netip.AddrPortFrom(addr, port),
			Domain:   domain,
			Kind:     kind,
		})
	}

	if len(addresses) == 0 {
		return nil, errors.TraceKindf(
			errors.KindResolution, "no %s address for %s", domain, host)
	}

	return addresses, nil
}

// ParseHostPort splits a "host:port" string for Resolve.
func ParseHostPort(hostPort string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, errors.TraceKind(errors.KindResolution, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, errors.TraceKind(errors.KindResolution, fmt.Errorf("invalid port: %s", portStr))
	}
	return host, uint16(port), nil
}
