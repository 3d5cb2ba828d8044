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

// Poller is the level-triggered readiness multiplexer abstraction. The
// default implementation (poller_epoll.go) wraps Linux epoll; a second
// backend (kqueue, poll(2)) can implement the same five-method contract
// without touching EventLoop.
type Poller interface {
	// Poll blocks for up to timeoutMs milliseconds and appends every
	// channel with a reported event to active. It returns the wall-clock
	// time the call returned.
	Poll(timeoutMs int, active *[]*Channel) (Timestamp, error)

	// UpdateChannel registers ch if new, or pushes its updated interest
	// mask if already registered. Must run on the owning loop's thread.
	UpdateChannel(ch *Channel) error

	// RemoveChannel unregisters ch entirely. Must run on the owning loop's
	// thread, and ch must already be disabled (IsNoneEvent).
	RemoveChannel(ch *Channel) error

	// HasChannel reports whether ch is currently registered.
	HasChannel(ch *Channel) bool

	// Close releases the poller's own resources (e.g. the epoll fd).
	Close() error
}
