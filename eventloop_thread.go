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

import "sync"

// ThreadInitCallback runs once on a worker's EventLoop, on that loop's own
// thread, right before it starts looping.
type ThreadInitCallback func(loop *EventLoop)

// EventLoopThread owns one goroutine running exactly one EventLoop.
type EventLoopThread struct {
	logger  Logger
	initCb  ThreadInitCallback
	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	started bool
}

// NewEventLoopThread constructs a worker thread wrapper. Call StartLoop to
// actually spawn the goroutine and obtain the EventLoop.
func NewEventLoopThread(initCb ThreadInitCallback, logger Logger) *EventLoopThread {
	t := &EventLoopThread{logger: logger, initCb: initCb}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the worker goroutine, blocks until it has published its
// EventLoop, and returns it. The worker goroutine never returns from Loop
// until the loop's Quit is called.
func (t *EventLoopThread) StartLoop() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *EventLoopThread) threadFunc() {
	loop, err := NewEventLoop(t.logger)
	if err != nil {
		if t.logger != nil {
			t.logger.Fatalf("reactor: worker failed to create event loop: %v", err)
		}
		return
	}

	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.started = true
	t.mu.Unlock()
	t.cond.Signal()

	_ = loop.Loop()
}
