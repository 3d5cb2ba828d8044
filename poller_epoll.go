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

	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// epollPoller is the default Linux Poller, a thin wrapper over
// epoll_create1/epoll_ctl/epoll_wait. It mirrors EPollPoller from the
// muduo reference: a fd->Channel table plus an epoll_event scratch array
// that doubles whenever a Poll call fills it completely.
type epollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
	logger   Logger
}

// NewEpollPoller creates an epoll instance. Fatal bootstrap error (§7): the
// caller is expected to treat a non-nil err as unrecoverable.
func NewEpollPoller(logger Logger) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	if logger == nil {
		logger = defaultLogger
	}
	return &epollPoller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
		logger:   logger,
	}, nil
}

func (p *epollPoller) Poll(timeoutMs int, active *[]*Channel) (Timestamp, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			continue
		}
		ch.SetRevents(p.events[i].Events)
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(ch *Channel) error {
	index := ch.Index()
	switch index {
	case channelNew, channelDeleted:
		if index == channelNew {
			p.channels[ch.Fd()] = ch
		}
		ch.SetIndex(channelAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	default:
		if ch.IsNoneEvent() {
			if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
				p.logger.Errorf("reactor: epoll_ctl del fd=%d: %v", ch.Fd(), err)
			}
			ch.SetIndex(channelDeleted)
			return nil
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) error {
	delete(p.channels, ch.Fd())
	if ch.Index() == channelAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, ch); err != nil {
			p.logger.Errorf("reactor: epoll_ctl del fd=%d: %v", ch.Fd(), err)
		}
	}
	ch.SetIndex(channelNew)
	return nil
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	got, ok := p.channels[ch.Fd()]
	return ok && got == ch
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

// ctl issues epoll_ctl. ADD/MOD errors are fatal invariant violations per
// §7 (the caller should abort); DEL errors are logged and swallowed since
// the kernel may already have dropped the fd.
func (p *epollPoller) ctl(op int, ch *Channel) error {
	ev := unix.EpollEvent{Events: ch.Events(), Fd: int32(ch.Fd())}
	err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev)
	if err != nil && op != unix.EPOLL_CTL_DEL {
		return fmt.Errorf("reactor: epoll_ctl op=%d fd=%d: %w", op, ch.Fd(), err)
	}
	return err
}
