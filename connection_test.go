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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

func newTestConnectionPair(t *testing.T, loop *EventLoop) (conn *TCPConnection, peerFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	dummy := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	conn = NewTCPConnection(loop, "test-conn", fds[0], dummy, dummy, nopLogger{})
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return conn, fds[1]
}

func TestConnectionEstablishedDeliversMessage(t *testing.T) {
	loop := startTestLoop(t)
	conn, peerFd := newTestConnectionPair(t, loop)

	var (
		mu  sync.Mutex
		got string
	)
	conn.SetMessageCallback(func(c *TCPConnection, buf *Buffer, _ Timestamp) {
		mu.Lock()
		got = buf.RetrieveAllAsString()
		mu.Unlock()
	})

	loop.QueueInLoop(conn.ConnectEstablished)
	require.Eventually(t, func() bool { return conn.Connected() }, time.Second, time.Millisecond)

	_, err := unix.Write(peerFd, []byte("hello\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "hello\n"
	}, time.Second, time.Millisecond)
}

func TestConnectionStateMachineNeverGoesBackward(t *testing.T) {
	loop := startTestLoop(t)
	conn, _ := newTestConnectionPair(t, loop)

	transitions := make(chan connState, 4)
	conn.SetConnectionCallback(func(c *TCPConnection) {
		transitions <- connState(c.state.Load())
	})

	done := make(chan struct{})
	loop.QueueInLoop(func() {
		conn.ConnectEstablished()
		conn.handleClose()
		close(done)
	})
	<-done

	assert.Equal(t, stateConnected, <-transitions)
	assert.Equal(t, stateDisconnected, <-transitions)
	assert.False(t, conn.Connected())
}

func TestConnectionWriteCompleteFiresExactlyOnce(t *testing.T) {
	loop := startTestLoop(t)
	conn, peerFd := newTestConnectionPair(t, loop)

	var calls atomic.Int32
	conn.SetWriteCompleteCallback(func(c *TCPConnection) {
		calls.Add(1)
	})

	loop.QueueInLoop(conn.ConnectEstablished)
	require.Eventually(t, func() bool { return conn.Connected() }, time.Second, time.Millisecond)

	loop.QueueInLoop(func() { conn.Send([]byte("small payload")) })

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, _ := unix.Read(peerFd, buf)
		return n > 0
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

// TestConnectionHighWaterMarkFiresOnEdgeOnly drives enough unread data
// through a non-blocking socketpair that sendInLoop is forced to queue the
// remainder into the output buffer (property 6: the hwm callback fires
// only on the transition across the threshold from below, never again
// while already above it).
func TestConnectionHighWaterMarkFiresOnEdgeOnly(t *testing.T) {
	loop := startTestLoop(t)
	conn, _ := newTestConnectionPair(t, loop)

	const threshold = 1024
	var hwmCalls atomic.Int32
	conn.SetHighWaterMarkCallback(func(c *TCPConnection, size int) {
		hwmCalls.Add(1)
		assert.GreaterOrEqual(t, size, threshold)
	}, threshold)

	loop.QueueInLoop(conn.ConnectEstablished)
	require.Eventually(t, func() bool { return conn.Connected() }, time.Second, time.Millisecond)

	payload := make([]byte, 4*1024*1024) // far larger than any default socket buffer
	done := make(chan struct{})
	loop.QueueInLoop(func() {
		conn.sendInLoop(payload) // crosses the threshold from below
		conn.sendInLoop(payload) // already above: must not fire again
		close(done)
	})
	<-done

	require.Eventually(t, func() bool { return hwmCalls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), hwmCalls.Load())

	_ = unix.Close(conn.Fd())
}

func TestConnectDestroyedIsIdempotentAndClosesFd(t *testing.T) {
	loop := startTestLoop(t)
	conn, _ := newTestConnectionPair(t, loop)

	done := make(chan struct{})
	loop.QueueInLoop(func() {
		conn.ConnectEstablished()
		require.NoError(t, conn.ConnectDestroyed())
		_, err := unix.FcntlInt(uintptr(conn.Fd()), unix.F_GETFD, 0)
		assert.ErrorIs(t, err, unix.EBADF, "fd must be closed")
		// second call must be a no-op, not double-close the fd.
		assert.NoError(t, conn.ConnectDestroyed())
		close(done)
	})
	<-done
}

func TestLateCallbackSafetyAfterDestruction(t *testing.T) {
	loop := startTestLoop(t)
	conn, peerFd := newTestConnectionPair(t, loop)

	var messageCalls atomic.Int32
	conn.SetMessageCallback(func(*TCPConnection, *Buffer, Timestamp) {
		messageCalls.Add(1)
	})

	done := make(chan struct{})
	loop.QueueInLoop(func() {
		conn.ConnectEstablished()
		require.NoError(t, conn.ConnectDestroyed())
		close(done)
	})
	<-done

	_, _ = unix.Write(peerFd, []byte("too late"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), messageCalls.Load())
}
