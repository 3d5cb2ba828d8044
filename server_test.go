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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestServer starts a TCPServer with numWorkers worker loops on an
// ephemeral port, running its base loop in the background. configure, if
// non-nil, installs callbacks before Start is called, matching the
// framework's configure-then-start idiom. Cleanup closes the server and
// stops and closes the base loop; the worker loops are left running.
func newTestServer(t *testing.T, numWorkers int, configure func(*TCPServer), opts ...ServerOption) (*TCPServer, *net.TCPAddr) {
	t.Helper()

	baseLoop, err := NewEventLoop(nopLogger{})
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	srv, err := NewTCPServer(baseLoop, addr, "echotest", NoReusePort, opts...)
	require.NoError(t, err)
	srv.SetThreadNum(numWorkers)
	if configure != nil {
		configure(srv)
	}

	baseDone := make(chan struct{})
	go func() {
		_ = baseLoop.Loop()
		close(baseDone)
	}()
	require.Eventually(t, func() bool { return baseLoop.bound.Load() }, time.Second, time.Millisecond)

	srv.Start()
	require.Eventually(t, func() bool { return srv.acceptor.Listening() }, time.Second, time.Millisecond)

	listenAddr, err := srv.ListenAddr()
	require.NoError(t, err)
	listenAddr.IP = net.IPv4(127, 0, 0, 1)

	t.Cleanup(func() {
		_ = srv.Close()
		baseLoop.Quit()
		<-baseDone
		_ = baseLoop.Close()
	})
	return srv, listenAddr
}

// S1: echo.
func TestScenarioEcho(t *testing.T) {
	_, addr := newTestServer(t, 1, func(srv *TCPServer) {
		srv.SetMessageCallback(func(c *TCPConnection, buf *Buffer, _ Timestamp) {
			c.Send([]byte(buf.RetrieveAllAsString()))
		})
	})

	conn, err := net.DialTCP("tcp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(buf[:n]))
}

// S3: peer half-close delivers the message then exactly one disconnection
// notification, and the server erases the connection from its table.
func TestScenarioPeerHalfClose(t *testing.T) {
	messages := make(chan string, 1)
	disconnects := make(chan struct{}, 2)

	srv, addr := newTestServer(t, 1, func(srv *TCPServer) {
		srv.SetMessageCallback(func(c *TCPConnection, buf *Buffer, _ Timestamp) {
			messages <- buf.RetrieveAllAsString()
		})
		srv.SetConnectionCallback(func(c *TCPConnection) {
			if !c.Connected() {
				disconnects <- struct{}{}
			}
		})
	})

	conn, err := net.DialTCP("tcp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	select {
	case msg := <-messages:
		assert.Equal(t, "ping", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnection callback never fired")
	}

	select {
	case <-disconnects:
		t.Fatal("disconnection callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}

	require.Eventually(t, func() bool { return len(srv.Connections()) == 0 }, time.Second, 10*time.Millisecond)
}

// WithTCPKeepAlive sets SO_KEEPALIVE on every accepted socket.
func TestWithTCPKeepAliveSetsSocketOption(t *testing.T) {
	fdCh := make(chan int, 1)
	_, addr := newTestServer(t, 1, func(srv *TCPServer) {
		srv.SetConnectionCallback(func(c *TCPConnection) {
			if c.Connected() {
				fdCh <- c.Fd()
			}
		})
	}, WithTCPKeepAlive(true))

	conn, err := net.DialTCP("tcp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case fd := <-fdCh:
		v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE)
		require.NoError(t, err)
		assert.NotEqual(t, 0, v)
	case <-time.After(2 * time.Second):
		t.Fatal("connection never established")
	}
}

// S5: a send issued from a foreign goroutine is delivered, and the actual
// write happens on the connection's owning worker loop.
func TestScenarioCrossThreadSend(t *testing.T) {
	conns := make(chan *TCPConnection, 1)
	writeOnOwningThread := make(chan bool, 1)

	_, addr := newTestServer(t, 4, func(srv *TCPServer) {
		srv.SetConnectionCallback(func(c *TCPConnection) {
			if c.Connected() {
				conns <- c
			}
		})
		srv.SetWriteCompleteCallback(func(c *TCPConnection) {
			writeOnOwningThread <- c.Loop().IsInLoopThread()
		})
	})

	conn, err := net.DialTCP("tcp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	var serverConn *TCPConnection
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never established")
	}

	// Foreign goroutine: neither the base loop nor any worker loop.
	go serverConn.Send([]byte("X"))

	select {
	case onLoop := <-writeOnOwningThread:
		assert.True(t, onLoop, "write must happen on the connection's owning worker thread")
	case <-time.After(2 * time.Second):
		t.Fatal("write-complete never fired")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "X", string(buf[:n]))
}

// S6: with n workers and k*n sequential connections, round-robin dispatch
// assigns each worker exactly k connections in cyclic order.
func TestScenarioRoundRobinDispatch(t *testing.T) {
	const workers = 4
	const perWorker = 2

	assigned := make(chan int, workers*perWorker)
	loopIndex := make(map[*EventLoop]int)

	srv, addr := newTestServer(t, workers, func(srv *TCPServer) {
		srv.SetConnectionCallback(func(c *TCPConnection) {
			if c.Connected() {
				assigned <- loopIndex[c.Loop()]
			}
		})
	})
	for i, loop := range srv.threadPool.AllLoops() {
		loopIndex[loop] = i
	}

	var clients []*net.TCPConn
	for i := 0; i < workers*perWorker; i++ {
		c, err := net.DialTCP("tcp", nil, addr)
		require.NoError(t, err)
		clients = append(clients, c)

		select {
		case idx := <-assigned:
			assert.Equal(t, i%workers, idx, "connection %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never dispatched", i)
		}
	}
	for _, c := range clients {
		_ = c.Close()
	}
}
