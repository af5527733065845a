// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package collector maintains the open/read/retry cycle around the P1
// serial port and feeds decoded telegrams into the metric store.
package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grid-x/serial"

	"github.com/ffutop/dsmr-exporter/dsmr"
	"github.com/ffutop/dsmr-exporter/internal/config"
	"github.com/ffutop/dsmr-exporter/internal/metrics"
)

const readChunkSize = 512

// readTimeout bounds a single serial read so the loop can observe
// cancellation even on a silent line.
const readTimeout = time.Second

var errStreamEnded = errors.New("serial stream ended")

// Collector owns exactly one read session against the serial device at
// a time, reopening it after every failure until the context is
// cancelled.
type Collector struct {
	cfg    config.DeviceConfig
	store  *metrics.Store
	parser dsmr.Parser

	// open is swappable so tests can run the loop against a scripted
	// stream instead of a real device.
	open   func() (io.ReadCloser, error)
	policy *backoff.ExponentialBackOff
}

// New allocates a Collector reading from the configured device.
func New(cfg config.DeviceConfig, store *metrics.Store) *Collector {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0 // retry forever

	c := &Collector{
		cfg:    cfg,
		store:  store,
		parser: dsmr.NewParser(),
		policy: policy,
	}
	c.open = c.openPort
	return c
}

func (c *Collector) openPort() (io.ReadCloser, error) {
	return serial.Open(&serial.Config{
		Address:  c.cfg.Path,
		BaudRate: c.cfg.BaudRate,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  readTimeout,
	})
}

// Run keeps one read session alive until ctx is cancelled. Open
// failures, read failures and protocol violations all restart the
// session after an exponential backoff delay; the delay resets once a
// port opens successfully.
func (c *Collector) Run(ctx context.Context) error {
	return backoff.Retry(func() error {
		return c.session(ctx)
	}, backoff.WithContext(c.policy, ctx))
}

func (c *Collector) session(ctx context.Context) error {
	slog.Info("opening serial port", "device", c.cfg.Path)
	port, err := c.open()
	if err != nil {
		slog.Error("failed to open serial port", "device", c.cfg.Path, "err", err)
		return err
	}
	defer port.Close()
	c.policy.Reset()
	slog.Info("port open", "device", c.cfg.Path)

	framer := dsmr.NewFramer(c.parser)
	defer func() {
		if n := framer.Discarded(); n > 0 {
			slog.Debug("dropped bytes while resynchronizing", "bytes", n)
		}
	}()

	chunk := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}

		n, err := port.Read(chunk)
		if n > 0 {
			framer.Feed(chunk[:n])
			if err := c.drain(framer); err != nil {
				slog.Error("protocol violation, reconnecting", "err", err)
				return err
			}
		}
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			slog.Error("serial read failed", "err", err)
			return err
		}
	}
}

// drain applies every telegram currently buffered in the framer.
// Malformed telegrams are logged and skipped; any other framer error
// is fatal to the session.
func (c *Collector) drain(framer *dsmr.Framer) error {
	for {
		telegram, err := framer.Next()
		var malformed *dsmr.MalformedTelegramError
		switch {
		case errors.As(err, &malformed):
			slog.Warn("discarding malformed telegram", "err", malformed.Err)
			continue
		case err != nil:
			return err
		case telegram == nil:
			return nil
		}
		c.store.Update(telegram)
		slog.Debug("telegram applied")
	}
}
