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

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/govoltron/reactor"
	"github.com/govoltron/reactor/debughttp"
)

func main() {
	var (
		listenAddr = flag.String("addr", "127.0.0.1:9981", "address to listen on")
		debugAddr  = flag.String("debug-addr", "", "address for the read-only debug HTTP surface, empty to disable")
		threads    = flag.Int("threads", 4, "number of worker event loops")
		reusePort  = flag.Bool("reuseport", false, "set SO_REUSEPORT on the listening socket")
	)
	flag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := reactor.NewZapLogger(zl)
	reactor.SetDefaultLogger(logger)

	addr, err := net.ResolveTCPAddr("tcp", *listenAddr)
	if err != nil {
		logger.Fatalf("reactor: resolve %s: %v", *listenAddr, err)
	}

	baseLoop, err := reactor.NewEventLoop(logger)
	if err != nil {
		logger.Fatalf("reactor: new base loop: %v", err)
	}

	reuse := reactor.NoReusePort
	if *reusePort {
		reuse = reactor.ReusePort
	}

	srv, err := reactor.NewTCPServer(baseLoop, addr, "echoserver", reuse, reactor.WithLogger(logger))
	if err != nil {
		logger.Fatalf("reactor: new server: %v", err)
	}
	srv.SetThreadNum(*threads)
	srv.SetConnectionCallback(func(conn *reactor.TCPConnection) {
		if conn.Connected() {
			logger.Infof("reactor: %s connected from %s", conn.Name(), conn.PeerAddr())
		} else {
			logger.Infof("reactor: %s disconnected", conn.Name())
		}
	})
	srv.SetMessageCallback(func(conn *reactor.TCPConnection, buf *reactor.Buffer, _ reactor.Timestamp) {
		conn.Send([]byte(buf.RetrieveAllAsString()))
	})

	srv.Start()

	var debugSrv *debughttp.Server
	if *debugAddr != "" {
		debugSrv = debughttp.New(srv, *debugAddr)
		debugSrv.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() { _ = baseLoop.Loop() }()

	<-sig
	logger.Infof("reactor: shutting down")
	if debugSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = debugSrv.Shutdown(ctx)
		cancel()
	}
	_ = srv.Close()
	baseLoop.Quit()
}
