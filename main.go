// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ffutop/dsmr-exporter/internal/collector"
	"github.com/ffutop/dsmr-exporter/internal/config"
	"github.com/ffutop/dsmr-exporter/internal/metrics"
	"github.com/ffutop/dsmr-exporter/internal/server"
)

func main() {
	configFile := flag.String("config", "", "Path to config file")
	device := flag.String("device", "", "P1 serial device path (overrides config)")
	host := flag.String("host", "", "Metrics bind address (overrides config)")
	port := flag.Int("port", 0, "Metrics bind port (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, config.Overrides{
		Device: *device,
		Host:   *host,
		Port:   *port,
	})
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting DSMR exporter...", "device", cfg.Device.Path)

	// The store is the only state shared between the read loop and
	// the scrape handlers.
	store := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv := server.New(cfg.Listen.Host, cfg.Listen.Port, store)
		if err := srv.Start(ctx); err != nil {
			slog.Error("Metrics server stopped with error", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		col := collector.New(cfg.Device, store)
		if err := col.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Collector stopped with error", "err", err)
		}
	}()

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	wg.Wait()
	slog.Info("Goodbye.")
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
