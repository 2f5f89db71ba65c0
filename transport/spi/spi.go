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

// Package spi provides an SD card transport over periph.io SPI ports:
// host ports registered in spireg and FTDI MPSSE bridges.
package spi

import (
	"errors"
	"fmt"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

const (
	// DefaultFrequency is the identification-mode clock. Cards must accept
	// it before they have been initialized.
	DefaultFrequency = 400 * physic.KiloHertz

	mode = spi.Mode0

	ftdiVendorID = 0x0403
	ft232hID     = 0x6014
	ft2232hID    = 0x6010
)

// ChipSelectPin is the GPIO line driving the card's chip select. Low asserts.
type ChipSelectPin interface {
	Out(l gpio.Level) error
}

type closer interface {
	Close() error
}

// Option configures New and NewFTDI
type Option func(*settings)

type settings struct {
	cs      ChipSelectPin
	csName  string
	freq    physic.Frequency
	noCSPin bool
}

// WithFrequency sets the SPI clock
func WithFrequency(f physic.Frequency) Option {
	return func(s *settings) {
		s.freq = f
	}
}

// WithChipSelectPin drives chip select from the named GPIO (e.g. "GPIO8")
// instead of the port's hardware chip select.
func WithChipSelectPin(name string) Option {
	return func(s *settings) {
		s.csName = name
	}
}

// WithHardwareChipSelect keeps the port's own chip select even on bridges
// that default to a GPIO line.
func WithHardwareChipSelect() Option {
	return func(s *settings) {
		s.noCSPin = true
	}
}

func buildSettings(opts []Option) (*settings, error) {
	s := &settings{freq: DefaultFrequency}
	for _, opt := range opts {
		opt(s)
	}
	if s.csName != "" {
		p := gpioreg.ByName(s.csName)
		if p == nil {
			return nil, fmt.Errorf("%w: unknown chip select pin %q", sdspi.ErrInvalidParameter, s.csName)
		}
		s.cs = p
	}
	return s, nil
}

// Transport implements sdspi.Transport on a periph spi.Conn.
//
// Without a GPIO pin, Hold maps to spi.Packet.KeepCS and the port's chip
// select is released by the next transfer made in Auto mode. The port cannot
// release chip select while clocking, so Disabled behaves like Auto there.
// With a GPIO pin every mode is exact.
type Transport struct {
	port   closer
	conn   spi.Conn
	cs     ChipSelectPin
	name   string
	mu     syncutil.Mutex
	mode   sdspi.ChipSelectMode
	closed bool
}

// New opens the named spireg port (e.g. "/dev/spidev0.0" or "SPI0.0";
// empty picks the first registered port).
func New(portName string, opts ...Option) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	s, err := buildSettings(opts)
	if err != nil {
		return nil, err
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}
	c, err := port.Connect(s.freq, connectMode(s.cs), 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	t := newTransport(c, s.cs, port.String())
	t.port = port
	if err := t.release(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

// NewFTDI opens the first FT232H or FT2232H bridge. The FT232H uses its
// MPSSE chip select on D3; the FT2232H drives chip select from D4 as a GPIO.
func NewFTDI(opts ...Option) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	s, err := buildSettings(opts)
	if err != nil {
		return nil, err
	}

	ft, devID := findFTDI()
	if ft == nil {
		return nil, errors.New("no FT232H or FT2232H device found")
	}
	if s.cs == nil && !s.noCSPin && devID == ft2232hID {
		s.cs = ft.D4
	}

	port, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get FTDI SPI port: %w", err)
	}
	c, err := port.Connect(s.freq, connectMode(s.cs), 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	t := newTransport(c, s.cs, ft.String())
	t.port = port
	if err := t.release(); err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

func findFTDI() (*ftdi.FT232H, uint16) {
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != ftdiVendorID || (info.DevID != ft232hID && info.DevID != ft2232hID) {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, info.DevID
		}
	}
	return nil, 0
}

func connectMode(cs ChipSelectPin) spi.Mode {
	if cs != nil {
		return mode | spi.NoCS
	}
	return mode
}

// NewFromConn wraps an already connected spi.Conn. cs may be nil to use the
// connection's own chip select.
func NewFromConn(c spi.Conn, cs ChipSelectPin) (*Transport, error) {
	if c == nil {
		return nil, sdspi.ErrInvalidParameter
	}
	t := newTransport(c, cs, c.String())
	if err := t.release(); err != nil {
		return nil, err
	}
	return t, nil
}

func newTransport(c spi.Conn, cs ChipSelectPin, name string) *Transport {
	return &Transport{conn: c, cs: cs, name: name}
}

// release drives a GPIO chip select high
func (t *Transport) release() error {
	if t.cs == nil {
		return nil
	}
	if err := t.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("chip select release failed: %w", err)
	}
	return nil
}

func (t *Transport) exchange(out byte) (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, sdspi.ErrTransportClosed
	}

	w := []byte{out}
	r := []byte{0}
	var err error
	switch {
	case t.cs != nil && t.mode == sdspi.ChipSelectAuto:
		err = t.pulse(w, r)
	case t.cs == nil && t.mode == sdspi.ChipSelectHold:
		err = t.conn.TxPackets([]spi.Packet{{W: w, R: r, KeepCS: true}})
	default:
		err = t.conn.Tx(w, r)
	}
	if err != nil {
		return 0, fmt.Errorf("SPI exchange on %s failed: %w", t.name, err)
	}
	return r[0], nil
}

// pulse asserts the GPIO chip select around one transfer
func (t *Transport) pulse(w, r []byte) (err error) {
	if err = t.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := t.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return t.conn.Tx(w, r)
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

// SetChipSelectMode implements sdspi.Transport. Without a GPIO pin the
// port's own chip select stays asserted for every transfer made in Disabled
// mode, so the power-up clocks reach the card with chip select low. Most
// cards still enter SPI mode; those that do not need WithChipSelectPin.
func (t *Transport) SetChipSelectMode(m sdspi.ChipSelectMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return sdspi.ErrTransportClosed
	}
	if t.cs == nil && m == sdspi.ChipSelectDisabled && t.mode != m {
		sdspi.Debugf("%s: no chip select pin, clocking with hardware chip select asserted", t.name)
	}
	if t.cs != nil {
		level := gpio.High
		if m == sdspi.ChipSelectHold {
			level = gpio.Low
		}
		if err := t.cs.Out(level); err != nil {
			return fmt.Errorf("chip select %s failed: %w", m, err)
		}
	}
	t.mode = m
	return nil
}

// ExactChipSelect reports whether Disabled mode really releases chip select
func (t *Transport) ExactChipSelect() bool {
	return t.cs != nil
}

// Mode returns the current chip select mode
func (t *Transport) Mode() sdspi.ChipSelectMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Close releases chip select and closes the port
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	err := t.release()
	if t.port != nil {
		if cerr := t.port.Close(); cerr != nil {
			return fmt.Errorf("SPI close failed: %w", cerr)
		}
	}
	return err
}

// String returns the port name
func (t *Transport) String() string {
	return t.name
}

// Type implements sdspi.Transport
func (*Transport) Type() sdspi.TransportType {
	return sdspi.TransportSPI
}

var _ sdspi.Transport = (*Transport)(nil)
