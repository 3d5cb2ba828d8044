// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// socket is a thin owning wrapper around a connected TCP file descriptor,
// the Go counterpart of the muduo reference's Socket (out of scope per
// spec.md §1 beyond "low-level socket option setters", but TCPConnection
// still needs somewhere to hang Close/ShutdownWrite).
type socket struct {
	fd int
}

func newSocket(fd int) *socket { return &socket{fd: fd} }

func (s *socket) Fd() int { return s.fd }

func (s *socket) ShutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *socket) Close() error {
	return unix.Close(s.fd)
}

// createNonblockingSocket creates a non-blocking, close-on-exec IPv4 TCP
// socket, mirroring the muduo reference's createNonblocking().
func createNonblockingSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	return fd, nil
}

func setReuseAddr(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

func setReusePort(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

func setTCPKeepAlive(fd int, on bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// socketError reads and clears the pending error on fd via SO_ERROR,
// mirroring handleError's getsockopt(SO_ERROR) read in §4.7.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

func bindAddr(fd int, addr *net.TCPAddr) error {
	sa, err := toSockaddrInet4(addr)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

func toSockaddrInet4(addr *net.TCPAddr) (*unix.SockaddrInet4, error) {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip := addr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}
	default:
		return &net.TCPAddr{}
	}
}

// getsockname resolves the local address bound to fd, used by TCPServer
// when constructing a new connection.
func getsockname(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToTCPAddr(sa), nil
}
