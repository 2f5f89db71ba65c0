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

// Package buspirate drives an SD card through a Bus Pirate's binary SPI mode
// over a serial port.
package buspirate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/internal/syncutil"
	"go.bug.st/serial"
)

// Binary mode commands
const (
	cmdReset      = 0x00 // back to bitbang, or enter it from the terminal
	cmdEnterSPI   = 0x01
	cmdCSLow      = 0x02
	cmdCSHigh     = 0x03
	cmdExitBinary = 0x0F
	cmdBulk       = 0x10 // low nibble is count-1
	cmdPeripheral = 0x40 // 0100wxyz: power, pullups, aux, cs
	cmdSpeed      = 0x60 // 0110 0xxx
	cmdConfig     = 0x80 // 1000wxyz: 3.3V out, idle high, edge, sample end

	peripheralPower = 0x08
	peripheralCS    = 0x01
	configMode0     = 0x0A // 3.3V push-pull, clock idle low, active-to-idle edge

	ack = 0x01

	enterAttempts = 20
)

var (
	bitbangBanner = []byte("BBIO1")
	spiBanner     = []byte("SPI1")
)

var (
	// ErrNoResponse means the adapter stopped answering
	ErrNoResponse = errors.New("bus pirate did not respond")
	// ErrModeSwitch means the adapter would not enter binary SPI mode
	ErrModeSwitch = errors.New("bus pirate refused binary SPI mode")
	// ErrNotAcknowledged means a configuration command was refused
	ErrNotAcknowledged = errors.New("bus pirate command not acknowledged")
)

// Speed selects the SPI clock
type Speed byte

// Available clocks. Cards need 400kHz or less until initialized.
const (
	Speed30kHz Speed = iota
	Speed125kHz
	Speed250kHz
	Speed1MHz
	Speed2MHz
	Speed2600kHz
	Speed4MHz
	Speed8MHz
)

// Port is the subset of serial.Port the transport needs
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Option configures a Transport
type Option func(*Transport)

// WithSpeed sets the SPI clock (default 250kHz)
func WithSpeed(s Speed) Option {
	return func(t *Transport) {
		t.speed = s
	}
}

// WithPower switches the adapter's 3.3V and 5V supplies on (default on)
func WithPower(on bool) Option {
	return func(t *Transport) {
		t.power = on
	}
}

// WithReadTimeout bounds every wait for an answer
func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}

// Transport implements sdspi.Transport on a Bus Pirate
type Transport struct {
	port     Port
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
	mode     sdspi.ChipSelectMode
	speed    Speed
	power    bool
	csLow    bool
	closed   bool
}

// New opens portName at 115200 8N1 and switches the adapter into binary
// SPI mode.
func New(portName string, opts ...Option) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	t, err := NewFromPort(port, portName, opts...)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

// NewFromPort takes over an open port. The port is not closed on error.
func NewFromPort(port Port, name string, opts ...Option) (*Transport, error) {
	t := &Transport{
		port:     port,
		portName: name,
		timeout:  100 * time.Millisecond,
		speed:    Speed250kHz,
		power:    true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.speed > Speed8MHz {
		return nil, fmt.Errorf("%w: speed selector %d", sdspi.ErrInvalidParameter, t.speed)
	}
	if err := port.SetReadTimeout(t.timeout); err != nil {
		return nil, fmt.Errorf("failed to set serial read timeout: %w", err)
	}
	if err := t.enterSPI(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) enterSPI() error {
	_ = t.port.ResetInputBuffer()

	var seen []byte
	entered := false
	for range enterAttempts {
		if err := t.write([]byte{cmdReset}); err != nil {
			return err
		}
		buf := make([]byte, 32)
		n, err := t.read(buf)
		if err != nil {
			return err
		}
		seen = append(seen, buf[:n]...)
		if bytes.Contains(seen, bitbangBanner) {
			entered = true
			break
		}
	}
	if !entered {
		return fmt.Errorf("%w: no bitbang banner after %d resets", ErrModeSwitch, enterAttempts)
	}
	_ = t.port.ResetInputBuffer()

	if err := t.write([]byte{cmdEnterSPI}); err != nil {
		return err
	}
	banner := make([]byte, len(spiBanner))
	if err := t.readFull(banner); err != nil {
		return fmt.Errorf("%w: %w", ErrModeSwitch, err)
	}
	if !bytes.Equal(banner, spiBanner) {
		return fmt.Errorf("%w: got %q", ErrModeSwitch, banner)
	}

	peripherals := byte(cmdPeripheral | peripheralCS)
	if t.power {
		peripherals |= peripheralPower
	}
	return t.commands(peripherals, cmdSpeed|byte(t.speed), cmdConfig|configMode0)
}

// commands sends configuration bytes and checks each is acknowledged
func (t *Transport) commands(cmds ...byte) error {
	if err := t.write(cmds); err != nil {
		return err
	}
	resp := make([]byte, len(cmds))
	if err := t.readFull(resp); err != nil {
		return err
	}
	for i, r := range resp {
		if r != ack {
			return fmt.Errorf("%w: 0x%02X answered 0x%02X", ErrNotAcknowledged, cmds[i], r)
		}
	}
	return nil
}

func (t *Transport) write(p []byte) error {
	if _, err := t.port.Write(p); err != nil {
		return fmt.Errorf("serial write on %s failed: %w", t.portName, err)
	}
	return nil
}

// read performs one read, retrying interrupted system calls
func (t *Transport) read(p []byte) (int, error) {
	const maxRetries = 3
	for attempt := 0; ; attempt++ {
		n, err := t.port.Read(p)
		if err == nil {
			return n, nil
		}
		if !isInterruptedSystemCall(err) || attempt == maxRetries-1 {
			return n, fmt.Errorf("serial read on %s failed: %w", t.portName, err)
		}
		time.Sleep(time.Duration(2<<attempt) * time.Millisecond)
	}
}

// readFull reads len(p) bytes. An empty read means the timeout expired.
func (t *Transport) readFull(p []byte) error {
	got := 0
	for got < len(p) {
		n, err := t.read(p[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: got %d of %d bytes", ErrNoResponse, got, len(p))
		}
		got += n
	}
	return nil
}

func isInterruptedSystemCall(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "interrupted system call") || strings.Contains(s, "eintr")
}

// exchange clocks one byte. In Auto mode the chip select commands ride in
// the same write as the transfer so the byte costs one round trip.
func (t *Transport) exchange(out byte) (byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, sdspi.ErrTransportClosed
	}

	req := make([]byte, 0, 4)
	pulse := t.mode == sdspi.ChipSelectAuto && !t.csLow
	if pulse {
		req = append(req, cmdCSLow)
	}
	req = append(req, cmdBulk, out)
	if pulse {
		req = append(req, cmdCSHigh)
	}
	if err := t.write(req); err != nil {
		return 0, err
	}

	// one ack per command byte plus the data byte
	resp := make([]byte, len(req))
	if err := t.readFull(resp); err != nil {
		return 0, err
	}
	data := 1
	if pulse {
		data = 2
	}
	for i, r := range resp {
		if i != data && r != ack {
			return 0, fmt.Errorf("%w: transfer answered % X", ErrNotAcknowledged, resp)
		}
	}
	return resp[data], nil
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

// SetChipSelectMode implements sdspi.Transport
func (t *Transport) SetChipSelectMode(m sdspi.ChipSelectMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return sdspi.ErrTransportClosed
	}
	low := m == sdspi.ChipSelectHold
	if low != t.csLow {
		cmd := byte(cmdCSHigh)
		if low {
			cmd = cmdCSLow
		}
		if err := t.commands(cmd); err != nil {
			return err
		}
		t.csLow = low
	}
	t.mode = m
	return nil
}

// Close returns the adapter to its terminal and closes the port
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.write([]byte{cmdReset, cmdExitBinary}); err == nil {
		_ = t.readFull(make([]byte, len(bitbangBanner)+1))
	}
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("serial close failed: %w", err)
	}
	return nil
}

// String returns the serial port name
func (t *Transport) String() string {
	return t.portName
}

// Type implements sdspi.Transport
func (*Transport) Type() sdspi.TransportType {
	return sdspi.TransportBusPirate
}

var _ sdspi.Transport = (*Transport)(nil)
