//go:build linux
// +build linux

// File: reactor/selector_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) selector with an eventfd(2) for cross-thread wakeups.

package reactor

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type epollSelector struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

// NewSelector constructs the epoll-backed selector.
func NewSelector() (Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	s := &epollSelector{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, 256)}
	if err := s.ctl(unix.EPOLL_CTL_ADD, wakefd, Readable); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *epollSelector) ctl(op, fd int, interest Interest) error {
	ev := &unix.EpollEvent{Fd: int32(fd)}
	if interest&Readable != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(s.epfd, op, fd, ev); err != nil {
		return errors.Wrapf(err, "epoll ctl op=%d fd=%d", op, fd)
	}
	return nil
}

func (s *epollSelector) Add(fd int, interest Interest) error {
	return s.ctl(unix.EPOLL_CTL_ADD, fd, interest)
}

func (s *epollSelector) Modify(fd int, interest Interest) error {
	return s.ctl(unix.EPOLL_CTL_MOD, fd, interest)
}

func (s *epollSelector) Remove(fd int) error {
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "epoll ctl del fd=%d", fd)
	}
	return nil
}

func (s *epollSelector) Select(ready []Ready, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	limit := len(ready)
	if limit > len(s.events) {
		limit = len(s.events)
	}
	if limit == 0 {
		return 0, nil
	}
	n, err := unix.EpollWait(s.epfd, s.events[:limit], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll wait")
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := s.events[i]
		fd := int(ev.Fd)
		if fd == s.wakefd {
			s.drainWakeup()
			continue
		}
		r := Ready{Fd: fd}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			r.Events |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.Events |= Writable
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r.Hangup = true
			r.Events |= Readable | Writable
		}
		ready[out] = r
		out++
	}
	return out, nil
}

func (s *epollSelector) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakefd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (s *epollSelector) Wakeup() error {
	var buf [8]byte
	*(*uint64)(unsafe.Pointer(&buf[0])) = 1
	for {
		_, err := unix.Write(s.wakefd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN: the counter is saturated, a wakeup is already pending
			return nil
		case unix.EINTR:
			continue
		default:
			return errors.Wrap(err, "eventfd write")
		}
	}
}

func (s *epollSelector) Close() error {
	err1 := unix.Close(s.wakefd)
	err2 := unix.Close(s.epfd)
	if err1 != nil {
		return errors.Wrap(err1, "close eventfd")
	}
	return errors.Wrap(err2, "close epoll")
}
