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

import "golang.org/x/sys/unix"

// Poller channel-state indices, mirroring EPollPoller's kNew/kAdded/kDeleted.
const (
	channelNew     = -1
	channelAdded   = 1
	channelDeleted = 2
)

const (
	eventNone  uint32 = 0
	eventRead  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	eventWrite uint32 = unix.EPOLLOUT
)

// ReadEventCallback is invoked on readiness with a read or priority event.
type ReadEventCallback func(recvTime Timestamp)

// EventCallback is invoked on write-readiness, close or error.
type EventCallback func()

// Channel binds one file descriptor to an interest-event mask and the four
// event callbacks the poller dispatches to. A Channel is owned by exactly
// one EventLoop and must only be touched from that loop's thread.
type Channel struct {
	loop *EventLoop
	fd   int

	events  uint32 // interest events requested
	revents uint32 // events the poller last reported
	index   int    // poller bookkeeping: channelNew/channelAdded/channelDeleted

	tieCheck func() bool // nil, or reports whether the tied owner is still alive
	tied     bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

// NewChannel binds fd to loop with no interest events set.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: channelNew}
}

// Fd returns the bound file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the current interest-event mask.
func (c *Channel) Events() uint32 { return c.events }

// SetRevents records the events the poller reported for this fd; called
// only by the owning EventLoop's Poller implementation.
func (c *Channel) SetRevents(revents uint32) { c.revents = revents }

// Index returns the poller's bookkeeping state for this channel.
func (c *Channel) Index() int { return c.index }

// SetIndex sets the poller's bookkeeping state for this channel.
func (c *Channel) SetIndex(index int) { c.index = index }

// OwnerLoop returns the EventLoop this channel is bound to.
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// SetReadCallback installs the read-ready callback.
func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }

// SetWriteCallback installs the write-ready callback.
func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }

// SetCloseCallback installs the close callback.
func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }

// SetErrorCallback installs the error callback.
func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

// Tie binds the channel's dispatch to the liveness of some owner, checked
// via alive before every HandleEvent. This is the Go rendering of muduo's
// Channel::tie(shared_ptr<void>): instead of promoting a weak_ptr, the
// channel calls a closure the owner controls directly (typically reading
// an atomic "destroyed" flag flipped in connectDestroyed). If alive
// reports false, HandleEvent silently drops the event.
func (c *Channel) Tie(alive func() bool) {
	c.tieCheck = alive
	c.tied = true
}

// EnableReading adds EPOLLIN|EPOLLPRI to the interest mask and pushes an update.
func (c *Channel) EnableReading() {
	c.events |= eventRead
	c.update()
}

// DisableReading removes EPOLLIN|EPOLLPRI from the interest mask.
func (c *Channel) DisableReading() {
	c.events &^= eventRead
	c.update()
}

// EnableWriting adds EPOLLOUT to the interest mask.
func (c *Channel) EnableWriting() {
	c.events |= eventWrite
	c.update()
}

// DisableWriting removes EPOLLOUT from the interest mask.
func (c *Channel) DisableWriting() {
	c.events &^= eventWrite
	c.update()
}

// DisableAll clears the interest mask entirely.
func (c *Channel) DisableAll() {
	c.events = eventNone
	c.update()
}

// IsNoneEvent reports whether the interest mask is empty.
func (c *Channel) IsNoneEvent() bool { return c.events == eventNone }

// IsWriting reports whether EPOLLOUT is in the interest mask.
func (c *Channel) IsWriting() bool { return c.events&eventWrite != 0 }

// IsReading reports whether EPOLLIN|EPOLLPRI is in the interest mask.
func (c *Channel) IsReading() bool { return c.events&eventRead != 0 }

// Remove detaches the channel from its owning loop's poller. Must be
// called on the owning loop's thread, after DisableAll.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// HandleEvent dispatches on c.revents in the order the spec requires:
// (HUP && !IN) -> close; ERR -> error; (IN||PRI) -> read; OUT -> write.
// Read is dispatched before write so a socket with a pending EOF still
// delivers its last bytes to the application.
func (c *Channel) HandleEvent(recvTime Timestamp) {
	if c.tied {
		if c.tieCheck == nil || !c.tieCheck() {
			return
		}
	}
	c.handleEventWithGuard(recvTime)
}

func (c *Channel) handleEventWithGuard(recvTime Timestamp) {
	if c.revents&uint32(unix.EPOLLHUP) != 0 && c.revents&eventRead == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&uint32(unix.EPOLLERR) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&eventRead != 0 {
		if c.readCallback != nil {
			c.readCallback(recvTime)
		}
	}
	if c.revents&eventWrite != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
