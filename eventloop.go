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
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// kPollTimeMs is the default Poller timeout, matching the muduo reference.
const kPollTimeMs = 10000

// boundThreads tracks which EventLoop currently owns each OS thread id, so
// bind can detect the §4.4/§7 fatal invariant: two EventLoops must never
// end up bound to the same OS thread. runtime.LockOSThread pins a looping
// goroutine to its thread for the goroutine's whole life, so in the
// ordinary case a tid is never seen twice; the registry exists for the
// case a locked goroutine's thread has terminated and the kernel recycles
// its tid onto a new OS thread before this process notices.
var (
	boundThreadsMu sync.Mutex
	boundThreads   = make(map[int]*EventLoop)
)

// Functor is a unit of cross-thread work posted to an EventLoop.
type Functor func()

// EventLoop is a thread-pinned event loop driven by a level-triggered
// Poller. Every EventLoop must run its Loop method from a single goroutine
// for its entire life; RunInLoop, QueueInLoop, Wakeup and Quit are the only
// thread-safe entry points (spec.md §5).
type EventLoop struct {
	poller Poller
	logger Logger

	looping atomic.Bool
	quit    atomic.Bool
	calling atomic.Bool // currently draining pendingFunctors

	threadID int // cached unix.Gettid() of the goroutine running Loop
	bound    atomic.Bool

	wakeupFd      int
	wakeupChannel *Channel

	activeChannels []*Channel
	pollReturnTime Timestamp

	mu      sync.Mutex
	pending []Functor
}

// NewEventLoop constructs an EventLoop with a fresh epoll Poller and
// self-notify eventfd. It does not start looping; call Loop on the
// goroutine that will own it.
func NewEventLoop(logger Logger) (*EventLoop, error) {
	if logger == nil {
		logger = defaultLogger
	}
	poller, err := NewEpollPoller(logger)
	if err != nil {
		return nil, err
	}
	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	loop := &EventLoop{
		poller:   poller,
		logger:   logger,
		wakeupFd: wakeupFd,
	}
	loop.wakeupChannel = NewChannel(loop, wakeupFd)
	loop.wakeupChannel.SetReadCallback(func(Timestamp) { loop.handleWakeupRead() })
	loop.wakeupChannel.EnableReading()
	return loop, nil
}

// bind locks the calling goroutine to its OS thread and caches its tid,
// mirroring CurrentThread::cacheTid() in the muduo reference. It is the Go
// rendering of "at most one EventLoop per OS thread": runtime.LockOSThread
// gives this goroutine exclusive, permanent ownership of one OS thread, so
// comparing unix.Gettid() is a direct, not approximate, translation. If
// another live EventLoop is already registered under this tid, that
// invariant has been violated and bind fails with ErrAnotherLoopInThread
// rather than silently letting two loops share a thread.
func (loop *EventLoop) bind() error {
	runtime.LockOSThread()
	tid := unix.Gettid()

	boundThreadsMu.Lock()
	defer boundThreadsMu.Unlock()
	if existing, ok := boundThreads[tid]; ok && existing != loop {
		return ErrAnotherLoopInThread
	}
	loop.threadID = tid
	loop.bound.Store(true)
	boundThreads[tid] = loop
	return nil
}

// unbind removes this loop's tid registration, called once Loop returns.
func (loop *EventLoop) unbind() {
	boundThreadsMu.Lock()
	defer boundThreadsMu.Unlock()
	if boundThreads[loop.threadID] == loop {
		delete(boundThreads, loop.threadID)
	}
}

// IsInLoopThread reports whether the calling goroutine is the one running
// Loop. Before Loop has called bind, this always reports false.
func (loop *EventLoop) IsInLoopThread() bool {
	return loop.bound.Load() && unix.Gettid() == loop.threadID
}

// PollReturnTime returns the wall-clock time of the most recent Poll call.
func (loop *EventLoop) PollReturnTime() Timestamp { return loop.pollReturnTime }

// Loop runs the reactor loop: poll, dispatch ready channels, run pending
// cross-thread tasks, repeat. It must be called from the goroutine that
// will own this EventLoop for its entire life and blocks until Quit.
func (loop *EventLoop) Loop() error {
	if !loop.looping.CompareAndSwap(false, true) {
		return ErrLoopAlreadyRunning
	}
	if err := loop.bind(); err != nil {
		loop.looping.Store(false)
		return err
	}
	defer loop.unbind()
	loop.quit.Store(false)
	loop.logger.Infof("reactor: event loop %p started on thread %d", loop, loop.threadID)

	for !loop.quit.Load() {
		loop.activeChannels = loop.activeChannels[:0]
		returnTime, err := loop.poller.Poll(kPollTimeMs, &loop.activeChannels)
		if err != nil {
			loop.logger.Errorf("reactor: poller error: %v", err)
			continue
		}
		loop.pollReturnTime = returnTime
		for _, ch := range loop.activeChannels {
			ch.HandleEvent(returnTime)
		}
		loop.doPendingFunctors()
	}

	loop.logger.Infof("reactor: event loop %p stopped", loop)
	loop.looping.Store(false)
	return nil
}

// Quit asks the loop to stop after its current iteration. If called from a
// different goroutine than the one running Loop, it also wakes the loop so
// it notices promptly instead of waiting out the remainder of the current
// poll timeout.
func (loop *EventLoop) Quit() {
	loop.quit.Store(true)
	if !loop.IsInLoopThread() {
		loop.Wakeup()
	}
}

// RunInLoop runs f synchronously if called from the owning thread,
// otherwise queues it to run on the next loop iteration.
func (loop *EventLoop) RunInLoop(f Functor) {
	if loop.IsInLoopThread() {
		f()
	} else {
		loop.QueueInLoop(f)
	}
}

// QueueInLoop enqueues f to run on the owning loop's thread at the end of
// its current or next iteration. It wakes the loop if the caller isn't the
// owning thread, or if the loop is presently mid-drain of a previous
// batch (so f would otherwise wait for a whole extra poll before being
// seen).
func (loop *EventLoop) QueueInLoop(f Functor) {
	loop.mu.Lock()
	loop.pending = append(loop.pending, f)
	loop.mu.Unlock()

	if !loop.IsInLoopThread() || loop.calling.Load() {
		loop.Wakeup()
	}
}

// Wakeup writes one 8-byte word to the self-notify eventfd so a blocked
// Poll call returns promptly.
func (loop *EventLoop) Wakeup() {
	one := uint64(1)
	if err := writeUint64(loop.wakeupFd, one); err != nil {
		loop.logger.Errorf("reactor: wakeup write failed: %v", err)
	}
}

func (loop *EventLoop) handleWakeupRead() {
	if _, err := readUint64(loop.wakeupFd); err != nil {
		loop.logger.Errorf("reactor: wakeup read failed: %v", err)
	}
}

// doPendingFunctors swaps the pending queue under lock, then runs the
// swapped-out tasks with the lock released. The swap-then-run idiom bounds
// the critical section to a slice swap and lets a task re-enter
// QueueInLoop without deadlocking.
func (loop *EventLoop) doPendingFunctors() {
	loop.calling.Store(true)
	defer loop.calling.Store(false)

	loop.mu.Lock()
	functors := loop.pending
	loop.pending = nil
	loop.mu.Unlock()

	for _, f := range functors {
		f()
	}
}

// updateChannel forwards to the owned Poller. Must run on the owning thread.
func (loop *EventLoop) updateChannel(ch *Channel) {
	if err := loop.poller.UpdateChannel(ch); err != nil {
		loop.logger.Fatalf("reactor: %v", err)
	}
}

// removeChannel forwards to the owned Poller. Must run on the owning thread.
func (loop *EventLoop) removeChannel(ch *Channel) {
	if err := loop.poller.RemoveChannel(ch); err != nil {
		loop.logger.Errorf("reactor: remove channel fd=%d: %v", ch.Fd(), err)
	}
}

// HasChannel forwards to the owned Poller.
func (loop *EventLoop) HasChannel(ch *Channel) bool {
	return loop.poller.HasChannel(ch)
}

// Close releases the wakeup channel and the owned poller. Call only after
// Loop has returned.
func (loop *EventLoop) Close() error {
	loop.wakeupChannel.DisableAll()
	loop.wakeupChannel.Remove()
	_ = unix.Close(loop.wakeupFd)
	return loop.poller.Close()
}
