//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server serves /metrics and /healthz.
type Server struct {
	close    func()
	listener net.Listener
	ready    atomic.Bool
}

// NewServer starts serving m on addr. Listening errors are returned
// immediately, errors after that are logged.
func NewServer(addr string, m *Metrics) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &Server{listener: listener}

	router := chi.NewRouter()
	router.Handle("/metrics", m.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !srv.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("initialising\n"))
			return
		}
		w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Concrete close implementation cleanly calls http.Server.Shutdown()
	srv.close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			// Error from closing listeners, or context timeout:
			slog.Warn("Metrics server Shutdown", slog.Any("error", err))
		}
	}

	go func() {
		slog.Info("Metrics server listening", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()

	return srv, nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() string {
	return srv.listener.Addr().String()
}

// SetReady switches /healthz to healthy once the handler is initialised.
func (srv *Server) SetReady(ready bool) {
	srv.ready.Store(ready)
}

// Cleanly close the Server. Delegates to the concrete implementation that
// is assigned by NewServer.
func (srv *Server) Close() {
	srv.close()
}
