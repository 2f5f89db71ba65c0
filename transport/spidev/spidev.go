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

// Package spidev talks to an SD card through the Linux spidev character
// device (/dev/spidevB.C) without the periph.io host layer.
package spidev

import (
	"fmt"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/internal/syncutil"
)

// DefaultSpeedHz is the identification-mode clock
const DefaultSpeedHz = 400_000

// SPI mode flags from linux/spi/spi.h
const (
	modeNoCS = 0x40

	mode0 = 0
)

// device is one open spidev node
type device interface {
	setMode(mode uint8) error
	setBitsPerWord(bits uint8) error
	setSpeed(hz uint32) error
	// transfer runs one full-duplex message. csChange leaves chip select
	// asserted after it.
	transfer(tx, rx []byte, speedHz uint32, csChange bool) error
	close() error
}

// Option configures a Transport
type Option func(*Transport)

// WithSpeed sets the clock in Hz
func WithSpeed(hz uint32) Option {
	return func(t *Transport) {
		t.speed = hz
	}
}

// Transport implements sdspi.Transport on a spidev node
type Transport struct {
	dev    device
	path   string
	mu     syncutil.Mutex
	speed  uint32
	cs     sdspi.ChipSelectMode
	closed bool
}

// New opens path (e.g. /dev/spidev0.0) in SPI mode 0 with 8-bit words.
func New(path string, opts ...Option) (*Transport, error) {
	dev, err := openDevice(path)
	if err != nil {
		return nil, err
	}
	t, err := newTransport(dev, path, opts...)
	if err != nil {
		_ = dev.close()
		return nil, err
	}
	return t, nil
}

func newTransport(dev device, path string, opts ...Option) (*Transport, error) {
	t := &Transport{dev: dev, path: path, speed: DefaultSpeedHz}
	for _, opt := range opts {
		opt(t)
	}
	if t.speed == 0 {
		return nil, fmt.Errorf("%w: zero clock", sdspi.ErrInvalidParameter)
	}
	if err := dev.setMode(mode0); err != nil {
		return nil, fmt.Errorf("failed to set SPI mode on %s: %w", path, err)
	}
	if err := dev.setBitsPerWord(8); err != nil {
		return nil, fmt.Errorf("failed to set word size on %s: %w", path, err)
	}
	if err := dev.setSpeed(t.speed); err != nil {
		return nil, fmt.Errorf("failed to set clock on %s: %w", path, err)
	}
	return t, nil
}

func (t *Transport) exchange(out byte) (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, sdspi.ErrTransportClosed
	}
	rx := []byte{0}
	if err := t.dev.transfer([]byte{out}, rx, t.speed, t.cs == sdspi.ChipSelectHold); err != nil {
		return 0, fmt.Errorf("spidev transfer on %s failed: %w", t.path, err)
	}
	return rx[0], nil
}

// SendByte implements sdspi.Transport
func (t *Transport) SendByte(b byte) error {
	_, err := t.exchange(b)
	return err
}

// RecvByte implements sdspi.Transport
func (t *Transport) RecvByte() (byte, error) {
	return t.exchange(0xFF)
}

// SetChipSelectMode implements sdspi.Transport. Disabled switches the node
// to SPI_NO_CS, which not every controller driver supports. Leaving Hold
// releases chip select at the end of the next transfer.
func (t *Transport) SetChipSelectMode(m sdspi.ChipSelectMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return sdspi.ErrTransportClosed
	}
	wasDisabled := t.cs == sdspi.ChipSelectDisabled
	if disabled := m == sdspi.ChipSelectDisabled; disabled != wasDisabled {
		mode := uint8(mode0)
		if disabled {
			mode |= modeNoCS
		}
		if err := t.dev.setMode(mode); err != nil {
			return fmt.Errorf("chip select %s on %s failed: %w", m, t.path, err)
		}
	}
	t.cs = m
	return nil
}

// Close closes the device node
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.dev.close(); err != nil {
		return fmt.Errorf("spidev close failed: %w", err)
	}
	return nil
}

// String returns the device path
func (t *Transport) String() string {
	return t.path
}

// Type implements sdspi.Transport
func (*Transport) Type() sdspi.TransportType {
	return sdspi.TransportSpidev
}

var _ sdspi.Transport = (*Transport)(nil)
