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

// Package debughttp exposes a read-only admin surface over a
// reactor.TCPServer's live connection table: a /stats summary and a /conns
// listing. It runs on its own net/http.Server and chi.Router, entirely
// separate from the reactor's own fds and buffers — the server core never
// imports this package, only the reverse.
package debughttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/govoltron/reactor"
)

// Server observes a reactor.TCPServer and serves its stats over HTTP.
type Server struct {
	target *reactor.TCPServer
	http   *http.Server
}

// Stats is the /stats response body.
type Stats struct {
	ServerName      string `json:"server_name"`
	ListenAddr      string `json:"listen_addr"`
	ConnectionCount int    `json:"connection_count"`
}

// ConnInfo is one entry of the /conns response body.
type ConnInfo struct {
	Name      string `json:"name"`
	LocalAddr string `json:"local_addr"`
	PeerAddr  string `json:"peer_addr"`
	Connected bool   `json:"connected"`
}

// New builds a debug HTTP surface for target, listening on addr once
// Start is called.
func New(target *reactor.TCPServer, addr string) *Server {
	s := &Server{target: target}

	r := chi.NewRouter()
	r.Get("/stats", s.handleStats)
	r.Get("/conns", s.handleConns)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. Call Shutdown to stop it.
func (s *Server) Start() {
	go func() {
		_ = s.http.ListenAndServe()
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	conns := s.target.Connections()
	stats := Stats{
		ServerName:      s.target.Name(),
		ListenAddr:      s.target.IPPort(),
		ConnectionCount: len(conns),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleConns(w http.ResponseWriter, r *http.Request) {
	conns := s.target.Connections()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnInfo{
			Name:      c.Name(),
			LocalAddr: c.LocalAddr().String(),
			PeerAddr:  c.PeerAddr().String(),
			Connected: c.Connected(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
