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
	"net"

	"golang.org/x/sys/unix"
)

// NewConnectionCallback hands off an accepted connection's fd and peer
// address to the loop's owner (normally TCPServer.NewConnection).
type NewConnectionCallback func(fd int, peerAddr *net.TCPAddr)

// Acceptor owns the listening socket on the base reactor. On readiness it
// accepts one connection per wakeup and calls the registered
// NewConnectionCallback; if none is set the fd is closed immediately.
type Acceptor struct {
	loop          *EventLoop
	logger        Logger
	listenFd      int
	acceptChannel *Channel
	listening     bool
	idleFd        int // reserved fd for EMFILE recovery; -1 once consumed

	newConnectionCallback NewConnectionCallback
}

// NewAcceptor creates a non-blocking listening socket bound to addr.
// reuseAddr/reusePort request the matching socket options before bind.
// Socket creation/bind failures are fatal bootstrap errors (§7); the
// caller should treat a non-nil err as fatal.
func NewAcceptor(loop *EventLoop, addr *net.TCPAddr, reuseAddr, reusePort bool, logger Logger) (*Acceptor, error) {
	if logger == nil {
		logger = defaultLogger
	}
	fd, err := createNonblockingSocket()
	if err != nil {
		return nil, err
	}
	if reuseAddr {
		if err := setReuseAddr(fd, true); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}
	if reusePort {
		if err := setReusePort(fd, true); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}
	if err := bindAddr(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		idleFd = -1
	}

	a := &Acceptor{
		loop:     loop,
		logger:   logger,
		listenFd: fd,
		idleFd:   idleFd,
	}
	a.acceptChannel = NewChannel(loop, fd)
	a.acceptChannel.SetReadCallback(func(Timestamp) { a.handleRead() })
	return a, nil
}

// SetNewConnectionCallback installs the callback fired on each accepted
// connection.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

// ListenAddr resolves the address actually bound to the listening socket,
// useful when the caller requested an ephemeral port (port 0).
func (a *Acceptor) ListenAddr() (*net.TCPAddr, error) {
	return getsockname(a.listenFd)
}

// Listen issues listen(2) and enables read-readiness on the accept
// channel. Must run on the base loop's thread.
func (a *Acceptor) Listen() error {
	a.listening = true
	if err := unix.Listen(a.listenFd, unix.SOMAXCONN); err != nil {
		return err
	}
	a.acceptChannel.EnableReading()
	return nil
}

// Close disables and removes the accept channel and closes the listening
// socket. Must run on the base loop's thread.
func (a *Acceptor) Close() error {
	a.acceptChannel.DisableAll()
	a.acceptChannel.Remove()
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		a.idleFd = -1
	}
	return unix.Close(a.listenFd)
}

func (a *Acceptor) handleRead() {
	nfd, sa, err := unix.Accept4(a.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		a.logger.Errorf("reactor: accept: %v", err)
		if err == unix.EMFILE {
			a.logger.Errorf("reactor: per-process fd limit reached, recovering")
			a.recoverFromEMFILE()
		}
		return
	}
	peerAddr := sockaddrToTCPAddr(sa)
	if a.newConnectionCallback != nil {
		a.newConnectionCallback(nfd, peerAddr)
	} else {
		_ = unix.Close(nfd)
	}
}

// recoverFromEMFILE implements the idle-fd trick flagged as an open
// question in spec.md §9: close a reserved idle fd to free one slot,
// accept-and-immediately-close the pending connection to drain it off the
// listen backlog (so it doesn't spin the loop re-triggering readiness),
// then reopen the idle fd for next time.
func (a *Acceptor) recoverFromEMFILE() {
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
	}
	if nfd, _, err := unix.Accept4(a.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC); err == nil {
		_ = unix.Close(nfd)
	}
	if fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); err == nil {
		a.idleFd = fd
	} else {
		a.idleFd = -1
	}
}
