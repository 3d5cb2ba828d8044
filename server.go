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
	"net"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// PortReuse selects whether TCPServer's listening socket sets
// SO_REUSEPORT, mirroring the muduo reference's TcpServer::Option.
type PortReuse int

const (
	NoReusePort PortReuse = iota
	ReusePort
)

// ServerOption configures a TCPServer at construction time, in the spirit
// of the teacher's functional-option pattern (voltron.go's VoltronOption,
// service.go's RunOption).
type ServerOption func(*TCPServer)

// WithLogger overrides the server's (and every connection's) Logger.
func WithLogger(l Logger) ServerOption {
	return func(s *TCPServer) { s.logger = l }
}

// WithTCPKeepAlive sets SO_KEEPALIVE on every accepted connection's socket,
// so a peer that vanishes without a FIN/RST (a pulled cable, a frozen VM)
// is eventually reaped by the kernel instead of lingering in the
// connection table forever.
func WithTCPKeepAlive(on bool) ServerOption {
	return func(s *TCPServer) { s.tcpKeepAlive = on }
}

// TCPServer is the public façade: it owns the Acceptor on the base loop,
// the worker thread pool, and the table of live connections.
type TCPServer struct {
	baseLoop *EventLoop
	logger   Logger

	name         string
	ipPort       string
	reuse        PortReuse
	tcpKeepAlive bool
	started      atomic.Int32

	acceptor   *Acceptor
	threadPool *EventLoopThreadPool

	mu          sync.Mutex
	connections map[string]*TCPConnection
	nextConnID  int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMark         int
	highWaterMarkCallback HighWaterMarkCallback
	threadInitCallback    ThreadInitCallback
}

// NewTCPServer constructs a TCPServer listening on addr, using baseLoop as
// the reactor that runs the Acceptor. baseLoop must not be nil.
func NewTCPServer(baseLoop *EventLoop, addr *net.TCPAddr, name string, reuse PortReuse, opts ...ServerOption) (*TCPServer, error) {
	if baseLoop == nil {
		return nil, ErrBaseLoopRequired
	}
	s := &TCPServer{
		baseLoop:      baseLoop,
		logger:        defaultLogger,
		name:          name,
		ipPort:        addr.String(),
		reuse:         reuse,
		connections:   make(map[string]*TCPConnection),
		nextConnID:    1,
		highWaterMark: 64 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}

	acceptor, err := NewAcceptor(baseLoop, addr, true, reuse == ReusePort, s.logger)
	if err != nil {
		return nil, err
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	s.acceptor = acceptor
	s.threadPool = NewEventLoopThreadPool(baseLoop, s.logger)
	return s, nil
}

// SetThreadNum sets the number of worker loops started by Start.
func (s *TCPServer) SetThreadNum(n int) { s.threadPool.SetThreadNum(n) }

// SetConnectionCallback installs the callback forwarded to every connection.
func (s *TCPServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback installs the callback forwarded to every connection.
func (s *TCPServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback installs the callback forwarded to every connection.
func (s *TCPServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback installs the backpressure callback and
// threshold forwarded to every connection.
func (s *TCPServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = highWaterMark
}

// SetThreadInitCallback installs the per-worker-loop init hook run once
// before each worker starts looping.
func (s *TCPServer) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInitCallback = cb }

// Name returns the server's configured name.
func (s *TCPServer) Name() string { return s.name }

// IPPort returns the listen address's string form.
func (s *TCPServer) IPPort() string { return s.ipPort }

// ListenAddr resolves the address actually bound by the acceptor, useful
// when NewTCPServer was given an ephemeral port (":0"). Must be called
// after Start.
func (s *TCPServer) ListenAddr() (*net.TCPAddr, error) {
	return s.acceptor.ListenAddr()
}

// Start is idempotent: only the first call starts the thread pool and
// schedules Acceptor.Listen on the base loop.
func (s *TCPServer) Start() {
	if s.started.Add(1) == 1 {
		s.threadPool.Start(s.threadInitCallback)
		s.baseLoop.RunInLoop(func() {
			if err := s.acceptor.Listen(); err != nil {
				s.logger.Fatalf("reactor: listen on %s: %v", s.ipPort, err)
			}
		})
	}
}

// newConnection runs on the base loop (it is the Acceptor's
// NewConnectionCallback): pick a worker via round-robin, mint a unique
// connection name, resolve the local address, construct the connection and
// schedule ConnectEstablished on its worker.
func (s *TCPServer) newConnection(fd int, peerAddr *net.TCPAddr) {
	ioLoop := s.threadPool.GetNextLoop()

	s.mu.Lock()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++
	s.mu.Unlock()

	s.logger.Infof("reactor: server %s - new connection %s from %s", s.name, connName, peerAddr)

	if s.tcpKeepAlive {
		if err := setTCPKeepAlive(fd, true); err != nil {
			s.logger.Warnf("reactor: conn %s: set SO_KEEPALIVE: %v", connName, err)
		}
	}

	localAddr, err := getsockname(fd)
	if err != nil {
		s.logger.Errorf("reactor: getsockname: %v", err)
		localAddr = &net.TCPAddr{}
	}

	conn := NewTCPConnection(ioLoop, connName, fd, localAddr, peerAddr, s.logger)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is installed as each connection's close trampoline; it
// runs on that connection's worker loop (from handleClose) and bounces
// onto the base loop, where the connection table is mutated.
func (s *TCPServer) removeConnection(conn *TCPConnection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

// removeConnectionInLoop erases conn from the table and schedules
// ConnectDestroyed on its worker via QueueInLoop — never RunInLoop — so
// destruction always lands strictly after the dispatch currently in
// flight for that connection (spec.md §4.8, §9).
func (s *TCPServer) removeConnectionInLoop(conn *TCPConnection) {
	s.logger.Infof("reactor: server %s - removing connection %s", s.name, conn.Name())

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	conn.Loop().QueueInLoop(func() {
		if err := conn.ConnectDestroyed(); err != nil {
			s.logger.Warnf("reactor: closing fd for conn %s: %v", conn.Name(), err)
		}
	})
}

// Connections returns a point-in-time snapshot of the live connection
// table, safe to call from any goroutine.
func (s *TCPServer) Connections() []*TCPConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TCPConnection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// Close tears down every remaining connection (scheduling destruction onto
// each one's own worker loop, exactly as the reference destructor does,
// without blocking on those workers) and then closes the Acceptor
// synchronously on the base loop. Per-connection teardown errors race with
// the return of Close by nature (they complete on their own worker's
// schedule); whichever have landed by the time Close returns are
// aggregated with multierr instead of the reference's silent drop.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	conns := make([]*TCPConnection, 0, len(s.connections))
	for name, c := range s.connections {
		conns = append(conns, c)
		delete(s.connections, name)
	}
	s.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
	)
	for _, c := range conns {
		c := c
		c.Loop().RunInLoop(func() {
			if err := c.ConnectDestroyed(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("conn %s: %w", c.Name(), err))
				mu.Unlock()
			}
		})
	}

	done := make(chan struct{})
	s.baseLoop.RunInLoop(func() {
		if err := s.acceptor.Close(); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("acceptor: %w", err))
			mu.Unlock()
		}
		close(done)
	})
	<-done

	mu.Lock()
	defer mu.Unlock()
	return errs
}
