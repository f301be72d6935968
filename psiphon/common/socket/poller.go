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
	"os"
	"sync"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a Poller registration
// reports.
type Interest int

const (
	InterestReadable Interest = 1 << iota
	InterestWritable
	InterestErrorCheck
)

// Ready holds the result of Poller.Wait. A socket appears in at most one of
// Errored and the readable/writable sets; a socket may be both Readable and
// Writable.
type Ready struct {
	Errored  []Socket
	Readable []Socket
	Writable []Socket
}

// Empty reports whether no socket is ready.
func (r Ready) Empty() bool {
	return len(r.Errored) == 0 && len(r.Readable) == 0 && len(r.Writable) == 0
}

type registration struct {
	socket   Socket
	interest Interest
}

// Poller waits for readiness across a set of registered sockets of any
// variant, using poll(2). A Poller does not own its sockets: it never
// closes them, and callers should Deregister a socket before closing it. A
// socket closed while registered is silently dropped from the registration
// set on the next Wait.
//
// Register and Deregister may be called concurrently with Wait; changes
// are observed within one polling interval.
//
// A readable listening socket has a pending connection to Accept; any
// other readable socket has data, or a peer close, to Recv. TLS sockets may
// hold decrypted data that is not visible to poll(2), so non-blocking TLS
// sockets should be received from until StatusWouldBlock.
type Poller struct {
	mutex         sync.Mutex
	registrations []registration
}

func NewPoller() *Poller {
	return &Poller{}
}

// Register adds s with the specified interest, or updates the interest of
// an already registered s. Zero interest selects
// InterestReadable|InterestErrorCheck. Registering a closed socket fails
// with errors.KindState.
func (p *Poller) Register(s Socket, interest Interest) error {

	if s == nil || s.Fd() == -1 || s.State() == StateClosed {
		return errors.TraceKindNew(errors.KindState, "cannot register closed socket")
	}

	if interest == 0 {
		interest = InterestReadable | InterestErrorCheck
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i := range p.registrations {
		if p.registrations[i].socket == s {
			p.registrations[i].interest = interest
			return nil
		}
	}

	p.registrations = append(p.registrations, registration{socket: s, interest: interest})

	return nil
}

// Deregister removes s. Deregistering a socket that is not registered is a
// no-op.
func (p *Poller) Deregister(s Socket) {

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i := range p.registrations {
		if p.registrations[i].socket == s {
			p.registrations = append(p.registrations[:i], p.registrations[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered sockets.
func (p *Poller) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.registrations)
}

// snapshot drops closed sockets and returns a copy of the registrations.
func (p *Poller) snapshot() []registration {

	p.mutex.Lock()
	defer p.mutex.Unlock()

	registrations := p.registrations[:0]
	for _, r := range p.registrations {
		if r.socket.Fd() == -1 || r.socket.State() == StateClosed {
			continue
		}
		registrations = append(registrations, r)
	}
	for i := len(registrations); i < len(p.registrations); i++ {
		p.registrations[i] = registration{}
	}
	p.registrations = registrations

	return append([]registration(nil), registrations...)
}

// Wait blocks until at least one registered socket matches its interest,
// or until timeout elapses, in which case the returned Ready is empty. A
// negative timeout waits indefinitely; Wait with a negative timeout and no
// registered sockets fails with errors.KindState.
func (p *Poller) Wait(timeout time.Duration) (Ready, error) {

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	var pollFds []unix.PollFd

	// Sockets reporting only conditions outside their interest, such as
	// POLLHUP without InterestErrorCheck, are not polled again by this Wait.
	unmatched := make(map[Socket]bool)

	for {

		registrations := p.snapshot()
		if len(registrations) == 0 && deadline.IsZero() {
			return Ready{}, errors.TraceKindNew(errors.KindState, "no registered sockets")
		}

		polled := registrations[:0]
		for _, r := range registrations {
			if !unmatched[r.socket] {
				polled = append(polled, r)
			}
		}
		registrations = polled

		slice := pollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			if remaining < slice {
				slice = remaining
			}
		}

		pollFds = pollFds[:0]
		for _, r := range registrations {
			var events int16
			if r.interest&InterestReadable != 0 {
				events |= unix.POLLIN
			}
			if r.interest&InterestWritable != 0 {
				events |= unix.POLLOUT
			}
			pollFds = append(pollFds, unix.PollFd{Fd: int32(r.socket.Fd()), Events: events})
		}

		n, err := unix.Poll(pollFds, int(slice/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Ready{}, errors.Trace(os.NewSyscallError("poll", err))
		}
		if n > 0 {
			ready := partition(registrations, pollFds)
			if !ready.Empty() {
				return ready, nil
			}
			for i, r := range registrations {
				if pollFds[i].Revents != 0 {
					unmatched[r.socket] = true
				}
			}
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Ready{}, nil
		}
	}
}

// partition assigns each polled socket to at most one of errored or the
// readable/writable sets, according to its interest.
func partition(registrations []registration, pollFds []unix.PollFd) Ready {

	var ready Ready

	for i, r := range registrations {

		revents := pollFds[i].Revents
		if revents == 0 {
			continue
		}

		// A descriptor released after the snapshot reports POLLNVAL.
		if r.socket.Fd() == -1 || r.socket.State() == StateClosed {
			continue
		}

		errored := revents&(unix.POLLERR|unix.POLLNVAL) != 0 ||
			(revents&unix.POLLHUP != 0 && revents&unix.POLLIN == 0)

		if errored && r.interest&InterestErrorCheck != 0 {
			ready.Errored = append(ready.Errored, r.socket)
			continue
		}

		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 &&
			r.interest&InterestReadable != 0 {
			ready.Readable = append(ready.Readable, r.socket)
		}

		if revents&unix.POLLOUT != 0 && r.interest&InterestWritable != 0 {
			ready.Writable = append(ready.Writable, r.socket)
		}
	}

	return ready
}
