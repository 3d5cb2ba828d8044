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

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/thecxx/runpoint"
)

// connState is TCPConnection's lifecycle state, spec.md §3:
// Connecting -> Connected -> Disconnecting? -> Disconnected. Transitions
// only ever move forward along that chain; see property 2 in spec.md §8.
type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// TCPConnection mediates a single accepted socket's entire lifetime on the
// worker EventLoop it was constructed on. All mutation happens on that
// loop's thread; Send, Shutdown and ForceClose are safe to call from any
// goroutine, and bounce onto the owning loop when called elsewhere.
type TCPConnection struct {
	loop   *EventLoop
	logger Logger

	name string
	sock *socket
	ch   *Channel

	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr

	state     atomic.Int32
	destroyed atomic.Bool // flipped once, in connectDestroyed; backs the channel's weak tie
	reading   bool

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCallback      ConnectionCallback
	connectionCallbackAt    *runpoint.PCounter
	messageCallback         MessageCallback
	messageCallbackAt       *runpoint.PCounter
	writeCompleteCallback   WriteCompleteCallback
	writeCompleteCallbackAt *runpoint.PCounter
	highWaterMarkCallback   HighWaterMarkCallback
	highWaterMarkCallbackAt *runpoint.PCounter
	closeCallback           closeCallback
}

// NewTCPConnection constructs a connection bound to loop for an
// already-accepted, non-blocking fd. It does not touch the channel or
// buffers beyond allocating them; call ConnectEstablished on loop's thread
// to actually start servicing it.
func NewTCPConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr *net.TCPAddr, logger Logger) *TCPConnection {
	if logger == nil {
		logger = defaultLogger
	}
	c := &TCPConnection{
		loop:          loop,
		logger:        logger,
		name:          name,
		sock:          newSocket(fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: 64 * 1024 * 1024,
		reading:       true,
	}
	c.state.Store(int32(stateConnecting))
	c.ch = NewChannel(loop, fd)
	c.ch.SetReadCallback(c.handleRead)
	c.ch.SetWriteCallback(c.handleWrite)
	c.ch.SetCloseCallback(c.handleClose)
	c.ch.SetErrorCallback(c.handleError)
	return c
}

// Loop returns the EventLoop this connection is pinned to.
func (c *TCPConnection) Loop() *EventLoop { return c.loop }

// Name returns the connection's unique, server-assigned name.
func (c *TCPConnection) Name() string { return c.name }

// LocalAddr returns the locally bound address.
func (c *TCPConnection) LocalAddr() *net.TCPAddr { return c.localAddr }

// PeerAddr returns the remote peer's address.
func (c *TCPConnection) PeerAddr() *net.TCPAddr { return c.peerAddr }

// Connected reports whether the connection is presently in the Connected
// state; this is the one public observable derived from the state machine.
func (c *TCPConnection) Connected() bool {
	return connState(c.state.Load()) == stateConnected
}

// Fd returns the underlying file descriptor.
func (c *TCPConnection) Fd() int { return c.sock.Fd() }

// SetConnectionCallback installs the establish/close notification callback.
func (c *TCPConnection) SetConnectionCallback(cb ConnectionCallback) {
	c.connectionCallback = cb
	c.connectionCallbackAt = callSite(1)
}

// SetMessageCallback installs the inbound-data callback.
func (c *TCPConnection) SetMessageCallback(cb MessageCallback) {
	c.messageCallback = cb
	c.messageCallbackAt = callSite(1)
}

// SetWriteCompleteCallback installs the output-drained callback.
func (c *TCPConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
	c.writeCompleteCallbackAt = callSite(1)
}

// SetHighWaterMarkCallback installs the backpressure callback and its
// threshold, in bytes of pending output.
func (c *TCPConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMarkCallbackAt = callSite(1)
	c.highWaterMark = highWaterMark
}

func (c *TCPConnection) setCloseCallback(cb closeCallback) { c.closeCallback = cb }

func (c *TCPConnection) setState(s connState) { c.state.Store(int32(s)) }

// ConnectEstablished must run on the owning loop. It ties the channel's
// dispatch to this connection's liveness, enables reading, and delivers
// the establish notification.
func (c *TCPConnection) ConnectEstablished() {
	c.setState(stateConnected)
	c.ch.Tie(func() bool { return !c.destroyed.Load() })
	c.ch.EnableReading()
	if c.connectionCallback != nil {
		safeCall(c.logger, c.connectionCallbackAt, "connection", func() { c.connectionCallback(c) })
	}
}

// ConnectDestroyed must run on the owning loop, after RemoveConnection has
// already erased this connection from the server's table. Idempotent: the
// fd is closed exactly once, guarded by destroyed, since unlike the
// reference's shared_ptr/unique_ptr chain Go has no destructor to rely on
// for that.
func (c *TCPConnection) ConnectDestroyed() error {
	if connState(c.state.Load()) == stateConnected {
		c.setState(stateDisconnected)
		c.ch.DisableAll()
		if c.connectionCallback != nil {
			safeCall(c.logger, c.connectionCallbackAt, "connection", func() { c.connectionCallback(c) })
		}
	}
	if c.destroyed.Swap(true) {
		return nil
	}
	c.ch.Remove()
	return c.sock.Close()
}

// handleRead is the channel's read-ready callback.
func (c *TCPConnection) handleRead(recvTime Timestamp) {
	n, err := c.inputBuffer.ReadFd(c.Fd())
	switch {
	case err == nil && n > 0:
		if c.messageCallback != nil {
			safeCall(c.logger, c.messageCallbackAt, "message", func() { c.messageCallback(c, c.inputBuffer, recvTime) })
		}
	case err == nil && n == 0:
		c.handleClose()
	default:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.logger.Errorf("reactor: conn %s read error: %v", c.name, err)
		c.handleError()
	}
}

// handleWrite is the channel's write-ready callback: it drains the output
// buffer, and once empty disables writing (so the loop stops spinning on
// write-readiness) and fires the write-complete callback exactly once per
// non-empty-to-empty transition (spec.md §8 property 5).
func (c *TCPConnection) handleWrite() {
	if !c.ch.IsWriting() {
		return
	}
	n, err := c.outputBuffer.WriteFd(c.Fd())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.logger.Errorf("reactor: conn %s write error: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.ch.DisableWriting()
		if c.writeCompleteCallback != nil {
			safeCall(c.logger, c.writeCompleteCallbackAt, "write-complete", func() { c.writeCompleteCallback(c) })
		}
		if connState(c.state.Load()) == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose tears the connection down through the close path: disable
// all events, mark Disconnected, notify the application (connected() is
// now false) and then the framework's own close trampoline
// (TCPServer.RemoveConnection).
func (c *TCPConnection) handleClose() {
	c.setState(stateDisconnected)
	c.ch.DisableAll()

	if c.connectionCallback != nil {
		safeCall(c.logger, c.connectionCallbackAt, "connection", func() { c.connectionCallback(c) })
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

// handleError logs the pending socket error. It never closes the
// connection directly; a subsequent HUP or a zero-length read will drive
// handleClose (spec.md §4.7).
func (c *TCPConnection) handleError() {
	if err := socketError(c.Fd()); err != nil {
		c.logger.Errorf("reactor: conn %s socket error: %v", c.name, err)
	}
}

// Send queues data for delivery. If called from the owning loop's thread
// it writes synchronously where possible; otherwise it bounces onto that
// loop.
func (c *TCPConnection) Send(data []byte) {
	if connState(c.state.Load()) == stateDisconnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
	} else {
		buf := append([]byte(nil), data...)
		c.loop.QueueInLoop(func() { c.sendInLoop(buf) })
	}
}

func (c *TCPConnection) sendInLoop(data []byte) {
	if connState(c.state.Load()) == stateDisconnected {
		c.logger.Warnf("reactor: conn %s sendInLoop after disconnected, dropping %d bytes", c.name, len(data))
		return
	}

	var (
		nwrote   int
		faultErr bool
	)

	if !c.ch.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.Fd(), data)
		switch {
		case err == nil:
			nwrote = n
			if nwrote == len(data) && c.writeCompleteCallback != nil {
				// Dispatched inline, on this reactor thread, matching
				// handleWrite's discipline: write-complete and high-water-mark
				// callbacks never defer via QueueInLoop (SPEC_FULL.md §4).
				safeCall(c.logger, c.writeCompleteCallbackAt, "write-complete", func() { c.writeCompleteCallback(c) })
			}
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			nwrote = 0
		default:
			nwrote = 0
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultErr = true
			} else {
				c.logger.Errorf("reactor: conn %s write error: %v", c.name, err)
			}
		}
	}

	if faultErr {
		return
	}

	remaining := len(data) - nwrote
	if remaining <= 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	newLen := oldLen + remaining
	if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		safeCall(c.logger, c.highWaterMarkCallbackAt, "high-water-mark", func() { c.highWaterMarkCallback(c, newLen) })
	}
	c.outputBuffer.Append(data[nwrote:])
	if !c.ch.IsWriting() {
		c.ch.EnableWriting()
	}
}

// Shutdown half-closes the write side once pending output has drained. If
// called from a foreign goroutine it bounces onto the owning loop first.
func (c *TCPConnection) Shutdown() {
	if connState(c.state.Load()) == stateConnected {
		c.setState(stateDisconnecting)
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TCPConnection) shutdownInLoop() {
	if !c.ch.IsWriting() {
		_ = c.sock.ShutdownWrite()
	}
}

// ForceClose closes the connection immediately regardless of pending
// output. If called from a foreign goroutine it bounces onto the owning
// loop first.
func (c *TCPConnection) ForceClose() {
	if connState(c.state.Load()) <= stateDisconnecting {
		c.loop.RunInLoop(func() {
			if connState(c.state.Load()) != stateDisconnected {
				c.handleClose()
			}
		})
	}
}
