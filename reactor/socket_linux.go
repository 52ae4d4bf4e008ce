//go:build linux
// +build linux

// File: reactor/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking TCP sockets over golang.org/x/sys/unix.

package reactor

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errAgain reports that a non-blocking call would block.
var errAgain = errors.New("reactor: would block")

func sockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6
}

func tcpAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	}
	return nil
}

func newSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket create")
	}
	return fd, nil
}

// listenSocket binds and listens on addr.
func listenSocket(addr *net.TCPAddr, backlog int) (int, net.Addr, error) {
	sa, domain := sockaddr(addr)
	fd, err := newSocket(domain)
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrapf(err, "bind %v", addr)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrapf(err, "listen %v", addr)
	}
	return fd, localAddr(fd), nil
}

// connectSocket starts a connect; done reports synchronous completion.
func connectSocket(addr *net.TCPAddr) (fd int, done bool, err error) {
	sa, domain := sockaddr(addr)
	if fd, err = newSocket(domain); err != nil {
		return -1, false, err
	}
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	switch err {
	case nil:
		return fd, true, nil
	case unix.EINPROGRESS, unix.EALREADY:
		return fd, false, nil
	}
	unix.Close(fd)
	return -1, false, errors.Wrapf(err, "connect %v", addr)
}

// connectResult collects the outcome of a pending connect.
func connectResult(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if soerr != 0 {
		return errors.Wrap(syscall.Errno(soerr), "connect")
	}
	return nil
}

// acceptSocket takes one pending connection; ok is false when none is ready.
func acceptSocket(lfd int) (fd int, ok bool, err error) {
	for {
		fd, _, err = unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return fd, true, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, false, nil
		}
		return -1, false, errors.Wrap(err, "accept")
	}
}

// configureSocket applies the per-connection socket options.
func configureSocket(fd, bufSize int) error {
	opts := []struct {
		level, opt, val int
		name            string
	}{
		{unix.IPPROTO_TCP, unix.TCP_NODELAY, 1, "TCP_NODELAY"},
		{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1, "SO_KEEPALIVE"},
		{unix.SOL_SOCKET, unix.SO_SNDBUF, bufSize, "SO_SNDBUF"},
		{unix.SOL_SOCKET, unix.SO_RCVBUF, bufSize, "SO_RCVBUF"},
	}
	for _, o := range opts {
		if err := unix.SetsockoptInt(fd, o.level, o.opt, o.val); err != nil {
			return errors.Wrapf(err, "setsockopt %s", o.name)
		}
	}
	return nil
}

func setBacklog(lfd, backlog int) error {
	return errors.Wrap(unix.Listen(lfd, backlog), "listen")
}

// readSocket returns io.EOF on orderly shutdown and errAgain when empty.
func readSocket(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, errAgain
		case err != nil:
			return 0, errors.Wrap(err, "read")
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// writeSocket writes what the kernel accepts; a full buffer yields (0, nil).
func writeSocket(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		}
		return 0, errors.Wrap(err, "write")
	}
}

func closeSocket(fd int) error {
	return errors.Wrap(unix.Close(fd), "close")
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return tcpAddr(sa)
}

func remoteAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return tcpAddr(sa)
}

// adoptConn duplicates the descriptor of an established connection and
// closes the original. The copy is switched to non-blocking mode.
func adoptConn(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, errors.Errorf("%T does not expose a file descriptor", nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "syscall conn")
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, errors.Wrap(err, "raw control")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "dup")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	nc.Close()
	return fd, nil
}
