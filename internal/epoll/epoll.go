//go:build linux

// Package epoll wraps the Linux epoll interface for single-goroutine event
// loops. Registrations carry a 64-bit token that is handed back with each
// event, so callers can dispatch without keeping an fd index of their own.
package epoll

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// EventSet is a bitmask of readiness conditions.
type EventSet uint32

const (
	In EventSet = 1 << iota
	Out
	HangUp
)

// Has reports whether any event in mask is present.
func (e EventSet) Has(mask EventSet) bool { return e&mask != 0 }

// Empty reports whether no events are present.
func (e EventSet) Empty() bool { return e == 0 }

func (e EventSet) String() string {
	if e.Empty() {
		return "none"
	}
	var parts []string
	if e.Has(In) {
		parts = append(parts, "in")
	}
	if e.Has(Out) {
		parts = append(parts, "out")
	}
	if e.Has(HangUp) {
		parts = append(parts, "hup")
	}
	return strings.Join(parts, "|")
}

func (e EventSet) rawEvents() uint32 {
	var raw uint32
	if e.Has(In) {
		raw |= unix.EPOLLIN
	}
	if e.Has(Out) {
		raw |= unix.EPOLLOUT
	}
	// HangUp and errors are always reported, never registered.
	return raw
}

func eventSetFromRaw(raw uint32) EventSet {
	var e EventSet
	if raw&unix.EPOLLIN != 0 {
		e |= In
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= Out
	}
	if raw&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		e |= HangUp
	}
	return e
}

// Event is a single readiness report.
type Event struct {
	Token  uint64
	Events EventSet
}

// Poller owns an epoll instance. Wait must be called from a single
// goroutine; Update and Kick helpers may be called from any goroutine.
type Poller struct {
	fd  int
	buf [64]unix.EpollEvent
	out []Event
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{fd: fd}, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// Update registers, re-registers, or removes interest in fd. An empty
// interest set removes the registration.
func (p *Poller) Update(token uint64, fd int, interest EventSet) error {
	if interest.Empty() {
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.ENOENT {
			return nil
		}
		if err != nil {
			return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
		}
		return nil
	}

	ev := unix.EpollEvent{Events: interest.rawEvents()}
	packToken(&ev, token)

	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// Remove drops the registration for fd if one exists.
func (p *Poller) Remove(fd int) error {
	return p.Update(0, fd, 0)
}

// Wait blocks for up to timeoutMs milliseconds (-1 blocks indefinitely) and
// returns the pending events. The returned slice is reused across calls.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.fd, p.buf[:], timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		p.out = p.out[:0]
		for i := 0; i < n; i++ {
			p.out = append(p.out, Event{
				Token:  unpackToken(&p.buf[i]),
				Events: eventSetFromRaw(p.buf[i].Events),
			})
		}
		return p.out, nil
	}
}

// The epoll data field is a union; x/sys/unix splits it into Fd and Pad.
func packToken(ev *unix.EpollEvent, token uint64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], token)
	ev.Fd = int32(binary.LittleEndian.Uint32(raw[0:4]))
	ev.Pad = int32(binary.LittleEndian.Uint32(raw[4:8]))
}

func unpackToken(ev *unix.EpollEvent) uint64 {
	var raw [8]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(ev.Fd))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(ev.Pad))
	return binary.LittleEndian.Uint64(raw[:])
}

// EventFD is an eventfd counter used to wake a Poller from other goroutines.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking eventfd.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Fd returns the raw file descriptor for poller registration.
func (e *EventFD) Fd() int { return e.fd }

// Kick increments the counter, waking any poller watching the fd.
func (e *EventFD) Kick() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(e.fd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

// Drain resets the counter after a wakeup.
func (e *EventFD) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

// Close releases the eventfd.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
