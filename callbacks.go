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

// ConnectionCallback fires on establish and on close; distinguish the two
// via conn.Connected().
type ConnectionCallback func(conn *TCPConnection)

// MessageCallback fires when bytes arrive. The handler must drain
// whatever it consumes from buf via buf.Retrieve/RetrieveAllAsString.
type MessageCallback func(conn *TCPConnection, buf *Buffer, recvTime Timestamp)

// WriteCompleteCallback fires once each time the output buffer drains from
// non-empty to empty, and once for each Send whose data is written to the
// socket in full without passing through the output buffer.
type WriteCompleteCallback func(conn *TCPConnection)

// HighWaterMarkCallback fires on the transition of the output buffer's
// size from below highWaterMark to at-or-above it.
type HighWaterMarkCallback func(conn *TCPConnection, outputBufferSize int)

// closeCallback is the framework-internal trampoline installed by
// TCPServer (TCPServer.RemoveConnection); it is not part of the public
// per-connection API applications configure.
type closeCallback func(conn *TCPConnection)
