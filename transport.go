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
	"fmt"
	"sync"
)

// ChipSelectMode selects how the transport drives the card's chip select line.
type ChipSelectMode uint8

const (
	// ChipSelectAuto asserts chip select around each byte frame.
	ChipSelectAuto ChipSelectMode = iota
	// ChipSelectHold keeps chip select asserted until the mode changes.
	ChipSelectHold
	// ChipSelectDisabled releases chip select and stops driving it.
	ChipSelectDisabled
)

func (m ChipSelectMode) String() string {
	switch m {
	case ChipSelectAuto:
		return "auto"
	case ChipSelectHold:
		return "hold"
	case ChipSelectDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("ChipSelectMode(%d)", uint8(m))
	}
}

// Transport is the byte-level link to the card. Implementations exchange one
// byte at a time and block until the shift register has completed. SPI is
// full duplex: SendByte discards the byte clocked in, RecvByte clocks out the
// 0xFF filler and returns what the card sent.
type Transport interface {
	// SendByte clocks b out to the card
	SendByte(b byte) error

	// RecvByte clocks a filler byte out and returns the byte received
	RecvByte() (byte, error)

	// SetChipSelectMode changes how chip select is driven for following bytes
	SetChipSelectMode(mode ChipSelectMode) error

	// Close releases the underlying bus
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType identifies a Transport implementation
type TransportType string

const (
	// TransportSPI is a periph.io SPI port (host controller or FTDI MPSSE).
	TransportSPI TransportType = "spi"
	// TransportSpidev is a Linux spidev character device.
	TransportSpidev TransportType = "spidev"
	// TransportBusPirate is a Bus Pirate in binary SPI mode.
	TransportBusPirate TransportType = "buspirate"
	// TransportExchange is an ExchangeTransport around a simulator or a
	// bit-banged bus.
	TransportExchange TransportType = "exchange"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// Exchanger shifts one byte out and one byte in at the same time
type Exchanger interface {
	Exchange(out byte) byte
}

// ExchangeTransport adapts an Exchanger to Transport. It tracks the chip
// select mode but leaves driving the line to the Exchanger, if it cares.
type ExchangeTransport struct {
	x      Exchanger
	mode   ChipSelectMode
	mu     sync.Mutex
	closed bool
}

// NewExchangeTransport wraps x
func NewExchangeTransport(x Exchanger) *ExchangeTransport {
	return &ExchangeTransport{x: x}
}

// SendByte implements Transport
func (e *ExchangeTransport) SendByte(b byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportClosed
	}
	e.x.Exchange(b)
	return nil
}

// RecvByte implements Transport
func (e *ExchangeTransport) RecvByte() (byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrTransportClosed
	}
	return e.x.Exchange(0xFF), nil
}

// SetChipSelectMode implements Transport
func (e *ExchangeTransport) SetChipSelectMode(mode ChipSelectMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportClosed
	}
	e.mode = mode
	return nil
}

// Mode returns the current chip select mode
func (e *ExchangeTransport) Mode() ChipSelectMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Close implements Transport
func (e *ExchangeTransport) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Type implements Transport
func (*ExchangeTransport) Type() TransportType {
	return TransportExchange
}

// MockTransport replays scripted receive bytes and records everything sent.
// Only RecvByte consumes the script. Once it is exhausted RecvByte returns
// 0xFF, which is what an idle card drives onto MISO.
type MockTransport struct {
	sendErr error
	recvErr error
	rx      []byte
	sent    []byte
	modes   []ChipSelectMode
	mu      sync.Mutex
	recvN   int
	closed  bool
}

// NewMockTransport creates a mock transport with an empty receive script
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// QueueRx appends bytes to the receive script
func (m *MockTransport) QueueRx(data ...byte) {
	m.mu.Lock()
	m.rx = append(m.rx, data...)
	m.mu.Unlock()
}

// SendByte implements Transport
func (m *MockTransport) SendByte(b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, b)
	return nil
}

// RecvByte implements Transport
func (m *MockTransport) RecvByte() (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrTransportClosed
	}
	if m.recvErr != nil {
		return 0, m.recvErr
	}
	m.recvN++
	if len(m.rx) == 0 {
		return 0xFF, nil
	}
	b := m.rx[0]
	m.rx = m.rx[1:]
	return b, nil
}

// SetChipSelectMode implements Transport
func (m *MockTransport) SetChipSelectMode(mode ChipSelectMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	m.modes = append(m.modes, mode)
	return nil
}

// Close implements Transport
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Type implements Transport
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetSendError makes every following SendByte fail with err
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// SetRecvError makes every following RecvByte fail with err
func (m *MockTransport) SetRecvError(err error) {
	m.mu.Lock()
	m.recvErr = err
	m.mu.Unlock()
}

// Sent returns a copy of every byte sent so far
func (m *MockTransport) Sent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent...)
}

// Modes returns the chip select modes set so far, in order
func (m *MockTransport) Modes() []ChipSelectMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChipSelectMode(nil), m.modes...)
}

// RecvCount returns how many bytes were received
func (m *MockTransport) RecvCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recvN
}

// Remaining returns the number of scripted bytes not yet consumed
func (m *MockTransport) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rx)
}

// IsClosed reports whether Close was called
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
