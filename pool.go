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

// EventLoopThreadPool owns the subordinate worker reactors a TCPServer
// dispatches accepted connections to. With zero workers it degenerates to
// single-threaded mode: GetNextLoop always returns the base loop.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	logger   Logger

	numThreads int
	threads    []*EventLoopThread
	loops      []*EventLoop
	next       int

	started bool
}

// NewEventLoopThreadPool builds a pool bound to baseLoop. Call SetThreadNum
// before Start to request worker loops; the default is zero (degenerate).
func NewEventLoopThreadPool(baseLoop *EventLoop, logger Logger) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, logger: logger}
}

// SetThreadNum sets how many worker EventLoops Start will create.
func (p *EventLoopThreadPool) SetThreadNum(n int) {
	p.numThreads = n
}

// Start creates numThreads workers, running initCb on each worker's loop
// before it starts looping. Must be called on the base loop's thread.
func (p *EventLoopThreadPool) Start(initCb ThreadInitCallback) {
	p.started = true
	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(initCb, p.logger)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
	if p.numThreads == 0 && initCb != nil {
		initCb(p.baseLoop)
	}
}

// GetNextLoop round-robins over the worker loops, or returns the base loop
// when the pool has no workers. Must only be called on the base loop's
// thread, since p.next is unsynchronized (spec.md §5: the round-robin
// index is only read/written on the base reactor).
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// AllLoops returns the worker loops, or a single-element slice containing
// the base loop in degenerate mode.
func (p *EventLoopThreadPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Started reports whether Start has been called.
func (p *EventLoopThreadPool) Started() bool { return p.started }
