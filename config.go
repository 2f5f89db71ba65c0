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
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ZaparooProject/go-sdspi/internal/syncutil"
)

// Config holds every poll and retry budget of the protocol engine. Budgets
// are iteration counts, not durations: how long a poll lasts depends on the
// bus clock, so recalibrate them for the hardware instead of assuming the
// defaults carry over.
type Config struct {
	// Platform selects the bring-up variant. Empty means the build default.
	Platform Platform `json:"platform,omitempty"`

	// RetryBackoff is the delay between retried attempts (zero by default).
	RetryBackoff RetryConfig `json:"retryBackoff"`

	// TokenGap is the pause before each multi-block write token.
	TokenGap time.Duration `json:"tokenGap"`

	// ResponsePolls bounds every response leading-byte poll and the
	// per-block token poll of a multi-block read.
	ResponsePolls int `json:"responsePolls"`
	// ReadTokenPolls bounds the start token poll of a single-block read.
	ReadTokenPolls int `json:"readTokenPolls"`
	// SingleReadAttempts is the whole-operation budget of a single-block read.
	SingleReadAttempts int `json:"singleReadAttempts"`
	// CommandRetries is the per-step bring-up budget, also used for CMD24.
	CommandRetries int `json:"commandRetries"`
	// BusyPolls bounds each wait for the card to release the bus.
	BusyPolls int `json:"busyPolls"`
	// DataResponsePolls bounds the wait for a write's data response token.
	DataResponsePolls int `json:"dataResponsePolls"`

	// SendWriteCRC sends the real CRC16 after written blocks instead of
	// filler. Cards that accepted CMD59 check it.
	SendWriteCRC bool `json:"sendWriteCrc"`
	// RelaxedR3Lead accepts any R1-shaped byte as the R3 leading byte.
	// Real cards clear the idle bit once initialized; emulators keep it set.
	RelaxedR3Lead bool `json:"relaxedR3Lead"`
	// PowerUpClocks is the number of filler bytes clocked with chip select
	// released before the first command.
	PowerUpClocks int `json:"powerUpClocks"`
}

// DefaultConfig returns the budgets the engine was tuned with
func DefaultConfig() *Config {
	return &Config{
		RetryBackoff:       DefaultRetryConfig(),
		TokenGap:           DefaultTokenGap,
		ResponsePolls:      DefaultResponsePolls,
		ReadTokenPolls:     DefaultReadTokenPolls,
		SingleReadAttempts: DefaultSingleReadAttempts,
		CommandRetries:     DefaultCommandRetries,
		BusyPolls:          DefaultBusyPolls,
		DataResponsePolls:  DefaultDataResponsePolls,
		PowerUpClocks:      DefaultPowerUpClocks,
	}
}

// HardwareConfig returns budgets for a physical card behind a host bridge,
// where one byte takes microseconds and a write stays busy for milliseconds.
func HardwareConfig() *Config {
	return &Config{
		RetryBackoff:       HardwareRetryConfig(),
		TokenGap:           DefaultTokenGap,
		ResponsePolls:      HardwareResponsePolls,
		ReadTokenPolls:     HardwareReadTokenPolls,
		SingleReadAttempts: DefaultSingleReadAttempts,
		CommandRetries:     HardwareCommandRetries,
		BusyPolls:          HardwareBusyPolls,
		DataResponsePolls:  HardwareDataResponsePolls,
		PowerUpClocks:      DefaultPowerUpClocks,
		SendWriteCRC:       true,
		RelaxedR3Lead:      true,
	}
}

// LoadConfig reads a JSON config file. Fields missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	//nolint:gosec // path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every budget allows at least one attempt
func (c *Config) Validate() error {
	budgets := []struct {
		name  string
		value int
	}{
		{"responsePolls", c.ResponsePolls},
		{"readTokenPolls", c.ReadTokenPolls},
		{"singleReadAttempts", c.SingleReadAttempts},
		{"commandRetries", c.CommandRetries},
		{"busyPolls", c.BusyPolls},
		{"dataResponsePolls", c.DataResponsePolls},
	}
	for _, b := range budgets {
		if b.value < 1 {
			return fmt.Errorf("%w: %s must be at least 1, got %d", ErrInvalidParameter, b.name, b.value)
		}
	}
	if c.PowerUpClocks < 0 || c.TokenGap < 0 {
		return fmt.Errorf("%w: negative powerUpClocks or tokenGap", ErrInvalidParameter)
	}
	switch c.Platform {
	case "", PlatformBoard, PlatformEmulated:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPlatform, c.Platform)
	}
	return nil
}

// Option configures a Card or Disk
type Option func(*options)

type options struct {
	config    *Config
	halter    Halter
	guard     sync.Locker
	platform  Platform
	traceSize int
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{
		config:    DefaultConfig(),
		halter:    PanicHalter{},
		traceSize: DefaultTraceSize,
	}
	for _, opt := range opts {
		opt(o)
	}

	cfg := *o.config
	if o.platform != "" {
		cfg.Platform = o.platform
	}
	if cfg.Platform == "" {
		cfg.Platform = defaultPlatform
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o.config = &cfg

	if o.guard == nil {
		o.guard = &syncutil.Mutex{}
	}
	return o, nil
}

// WithConfig replaces the default budgets. The config is copied.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithPlatform overrides the build-time platform selection
func WithPlatform(p Platform) Option {
	return func(o *options) {
		o.platform = p
	}
}

// WithHalter replaces the panic on fatal errors
func WithHalter(h Halter) Option {
	return func(o *options) {
		if h != nil {
			o.halter = h
		}
	}
}

// WithGuard replaces the Transfer Guard, e.g. to share one lock between
// several users of the same bus.
func WithGuard(l sync.Locker) Option {
	return func(o *options) {
		o.guard = l
	}
}

// WithTraceSize sets how many wire frames are kept for error traces
func WithTraceSize(n int) Option {
	return func(o *options) {
		o.traceSize = n
	}
}
