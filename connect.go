// go-sdspi
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-sdspi.
//
// go-sdspi is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-sdspi is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-sdspi; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package sdspi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-sdspi/detection"
)

// TransportFactory opens a transport for a path such as "/dev/spidev0.0"
type TransportFactory func(path string) (Transport, error)

// TransportFromDeviceFactory opens a transport for a detected adapter
type TransportFromDeviceFactory func(device detection.DeviceInfo) (Transport, error)

// DeviceDetector finds adapters for auto-detection
type DeviceDetector func(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error)

// ConnectOption configures Connect
type ConnectOption func(*connectConfig) error

type connectConfig struct {
	transportFactory       TransportFactory
	transportDeviceFactory TransportFromDeviceFactory
	detector               DeviceDetector
	diskOptions            []Option
	timeout                time.Duration
	autoDetect             bool
	connectionRetries      int
}

// Backoff between bring-up attempts of a manual connection
var connectBackoff = RetryConfig{
	InitialBackoff:    50 * time.Millisecond,
	MaxBackoff:        500 * time.Millisecond,
	BackoffMultiplier: 2.0,
	Jitter:            0.1,
}

// WithAutoDetection picks the first adapter detection finds instead of a path
func WithAutoDetection() ConnectOption {
	return func(c *connectConfig) error {
		c.autoDetect = true
		return nil
	}
}

// WithDiskOptions passes options through to the Disk
func WithDiskOptions(opts ...Option) ConnectOption {
	return func(c *connectConfig) error {
		c.diskOptions = append(c.diskOptions, opts...)
		return nil
	}
}

// WithConnectTimeout bounds detection and the bring-up retries
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) error {
		c.timeout = timeout
		return nil
	}
}

// WithTransportFactory sets how a path is opened
func WithTransportFactory(factory TransportFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportFactory = factory
		return nil
	}
}

// WithTransportFromDeviceFactory sets how a detected adapter is opened
func WithTransportFromDeviceFactory(factory TransportFromDeviceFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportDeviceFactory = factory
		return nil
	}
}

// WithConnectionRetries sets how many times bring-up is attempted on a
// manually chosen path. Auto-detected adapters get a single attempt.
func WithConnectionRetries(maxAttempts int) ConnectOption {
	return func(c *connectConfig) error {
		if maxAttempts < 1 {
			return fmt.Errorf("%w: connection retries must be at least 1, got %d", ErrInvalidParameter, maxAttempts)
		}
		c.connectionRetries = maxAttempts
		return nil
	}
}

// WithDeviceDetector replaces detection.DetectAll during auto-detection
func WithDeviceDetector(detector DeviceDetector) ConnectOption {
	return func(c *connectConfig) error {
		c.detector = detector
		return nil
	}
}

func applyConnectOptions(opts []ConnectOption) (*connectConfig, error) {
	config := &connectConfig{
		timeout:           30 * time.Second,
		connectionRetries: 3,
	}
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply connect option: %w", err)
		}
	}
	return config, nil
}

// Connect opens a transport for path, or for the first detected adapter when
// path is empty or WithAutoDetection is given, and brings the card up.
// Auto-detection only sees detectors whose packages are imported, e.g.
//
//	import _ "github.com/ZaparooProject/go-sdspi/detection/spi"
//
// Bring-up on a manual path is retried with backoff, since a card may still
// be settling after insertion. A bring-up that never succeeds is fatal as in
// Open; failures to find or open the adapter are returned.
func Connect(ctx context.Context, path string, opts ...ConnectOption) (*Disk, error) {
	config, err := applyConnectOptions(opts)
	if err != nil {
		return nil, err
	}
	o, err := buildOptions(config.diskOptions)
	if err != nil {
		return nil, err
	}
	if config.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.timeout)
		defer cancel()
	}

	auto := config.autoDetect || path == ""
	var t Transport
	if auto {
		t, err = createAutoDetectedTransport(ctx, config)
	} else {
		t, err = createManualTransport(path, config.transportFactory)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	attempts := config.connectionRetries
	if auto {
		attempts = 1
	}
	d := newDisk(t, o)
	n, err := bringUpWithRetry(ctx, d, attempts)
	if err != nil {
		_ = t.Close()
		return nil, d.halt("connect", fmt.Errorf("bring-up failed after %d attempt(s): %w", n, err))
	}
	return d, nil
}

// bringUpWithRetry retries any bring-up failure until attempts run out or
// ctx ends. It returns the attempts made.
func bringUpWithRetry(ctx context.Context, d *Disk, attempts int) (int, error) {
	pause := connectBackoff.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = d.bringUp(); err == nil {
			return attempt, nil
		}
		if attempt >= attempts {
			return attempt, err
		}
		Debugf("connect attempt %d/%d failed: %v", attempt, attempts, err)
		select {
		case <-ctx.Done():
			return attempt, errors.Join(err, ctx.Err())
		case <-time.After(calculateJitteredSleep(pause, connectBackoff.Jitter)):
		}
		pause = calculateNextBackoff(pause, connectBackoff)
	}
}

func createManualTransport(path string, factory TransportFactory) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport factory not provided")
	}
	t, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return t, nil
}

func createAutoDetectedTransport(ctx context.Context, config *connectConfig) (Transport, error) {
	if config.transportDeviceFactory == nil {
		return nil, errors.New("transport device factory not provided")
	}
	opts := detection.DefaultOptions()
	opts.Mode = detection.Safe

	detect := config.detector
	if detect == nil {
		detect = detection.DetectAll
	}
	devices, err := detect(ctx, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	Debugf("connect: using %s", devices[0])
	return config.transportDeviceFactory(devices[0])
}
