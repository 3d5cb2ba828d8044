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

import "errors"

var (
	// ErrLoopAlreadyRunning is returned by EventLoop.Loop when the loop is
	// already looping on another call.
	ErrLoopAlreadyRunning = errors.New("reactor: event loop is already running")

	// ErrAnotherLoopInThread is the fatal-invariant violation: EventLoop.Loop
	// returns it when another live EventLoop is already bound to the calling
	// OS thread. Constructing an EventLoop does not check this.
	ErrAnotherLoopInThread = errors.New("reactor: another event loop already exists in this thread")

	// ErrNotInLoopThread names an operation attempted off its owning loop's
	// thread. No function in this package returns it.
	ErrNotInLoopThread = errors.New("reactor: operation attempted off the owning loop thread")

	// ErrAcceptorClosed names use of an Acceptor after Close. No function in
	// this package returns it; Acceptor.Listen does not check for a closed
	// Acceptor.
	ErrAcceptorClosed = errors.New("reactor: acceptor is closed")

	// ErrServerStarted names a repeated TCPServer.Start. No function in this
	// package returns it; Start is idempotent and returns nothing.
	ErrServerStarted = errors.New("reactor: server already started")

	// ErrConnectionClosed names use of a connection that has reached the
	// Disconnected state. No function in this package returns it; Send and
	// Shutdown return nothing and silently do nothing on such a connection.
	ErrConnectionClosed = errors.New("reactor: connection is closed")

	// ErrBaseLoopRequired is returned when TCPServer is constructed with a
	// nil base loop.
	ErrBaseLoopRequired = errors.New("reactor: base event loop must not be nil")
)
