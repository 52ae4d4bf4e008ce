//go:build !linux
// +build !linux

// File: reactor/socket_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"net"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
)

var errAgain = errors.New("reactor: would block")

func listenSocket(*net.TCPAddr, int) (int, net.Addr, error) { return -1, nil, api.ErrNotSupported }
func connectSocket(*net.TCPAddr) (int, bool, error) { return -1, false, api.ErrNotSupported }
func connectResult(int) error { return api.ErrNotSupported }
func acceptSocket(int) (int, bool, error) { return -1, false, api.ErrNotSupported }
func configureSocket(int, int) error { return api.ErrNotSupported }
func setBacklog(int, int) error { return api.ErrNotSupported }
func readSocket(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func writeSocket(int, []byte) (int, error) { return 0, api.ErrNotSupported }
func closeSocket(int) error { return nil }
func localAddr(int) net.Addr { return nil }
func remoteAddr(int) net.Addr { return nil }
func adoptConn(net.Conn) (int, error) { return -1, api.ErrNotSupported }
