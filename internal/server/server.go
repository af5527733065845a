// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server exposes the metric store over HTTP for pull-based
// scraping.
package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ffutop/dsmr-exporter/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server serves the /metrics endpoint.
type Server struct {
	addr  string
	store *metrics.Store
}

// New creates a Server for the given bind address.
func New(host string, port int, store *metrics.Store) *Server {
	return &Server{
		addr:  net.JoinHostPort(host, strconv.Itoa(port)),
		store: store,
	}
}

// Start runs the HTTP server until ctx is cancelled, then drains
// in-flight requests for at most shutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.routes()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}

// routes builds the request mux: /metrics, everything else a 404.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// handleMetrics serves the current exposition. Data older than the
// freshness window is withheld: an empty body tells the scraper there
// is no current data without raising an error.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if time.Since(s.store.LastUpdate()) > metrics.TTL {
		return
	}

	body, err := s.store.Encode()
	if err != nil {
		slog.Error("failed to encode metrics", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	io.WriteString(w, body)
}
