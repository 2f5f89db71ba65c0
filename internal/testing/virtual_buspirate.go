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

package testing

import (
	"sync"
	"time"
)

type pirateMode int

const (
	pirateTerminal pirateMode = iota
	pirateBitbang
	pirateSPI
)

// VirtualBusPirate simulates a Bus Pirate in binary SPI mode with a
// VirtualCard on its SPI pins. Write feeds it host bytes; Read drains
// whatever it has answered so far and returns 0 bytes when idle, like a
// serial port whose read timeout expired.
type VirtualBusPirate struct {
	card    *VirtualCard
	out     []byte
	log     []byte
	mu      sync.Mutex
	mode    pirateMode
	pending int
	csLow   bool
	powered bool
	speed   byte
	config  byte
	// Mute stops all answers, as an unplugged or wedged adapter would
	Mute bool
}

// NewVirtualBusPirate returns an adapter at its terminal prompt
func NewVirtualBusPirate(card *VirtualCard) *VirtualBusPirate {
	return &VirtualBusPirate{card: card}
}

// Write implements io.Writer
func (p *VirtualBusPirate) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range data {
		p.log = append(p.log, b)
		if p.pending > 0 {
			p.pending--
			p.answer(p.card.Exchange(b))
			continue
		}
		p.command(b)
	}
	return len(data), nil
}

// Read implements io.Reader
func (p *VirtualBusPirate) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(buf, p.out)
	p.out = p.out[n:]
	return n, nil
}

func (p *VirtualBusPirate) answer(b ...byte) {
	if !p.Mute {
		p.out = append(p.out, b...)
	}
}

func (p *VirtualBusPirate) command(b byte) {
	switch p.mode {
	case pirateTerminal:
		if b == 0x00 {
			p.mode = pirateBitbang
			p.answer([]byte("BBIO1")...)
		}
	case pirateBitbang:
		switch b {
		case 0x00:
			p.answer([]byte("BBIO1")...)
		case 0x01:
			p.mode = pirateSPI
			p.answer([]byte("SPI1")...)
		case 0x0F:
			p.mode = pirateTerminal
			p.csLow = false
			p.powered = false
			p.answer(0x01)
		}
	case pirateSPI:
		p.spiCommand(b)
	}
}

func (p *VirtualBusPirate) spiCommand(b byte) {
	switch {
	case b == 0x00:
		p.mode = pirateBitbang
		p.answer([]byte("BBIO1")...)
	case b == 0x01:
		p.answer([]byte("SPI1")...)
	case b == 0x02 || b == 0x03:
		p.csLow = b == 0x02
		p.answer(0x01)
	case b&0xF0 == 0x10:
		p.pending = int(b&0x0F) + 1
		p.answer(0x01)
	case b&0xF0 == 0x40:
		p.powered = b&0x08 != 0
		p.csLow = b&0x01 == 0
		p.answer(0x01)
	case b&0xF8 == 0x60:
		p.speed = b & 0x07
		p.answer(0x01)
	case b&0xF0 == 0x80:
		p.config = b & 0x0F
		p.answer(0x01)
	default:
		p.answer(0x00)
	}
}

// ChipSelected reports whether CS is driven low
func (p *VirtualBusPirate) ChipSelected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.csLow
}

// Powered reports whether the power supplies are on
func (p *VirtualBusPirate) Powered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powered
}

// InSPIMode reports whether the adapter is in binary SPI mode
func (p *VirtualBusPirate) InSPIMode() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode == pirateSPI
}

// AtTerminal reports whether the adapter was reset to its user terminal
func (p *VirtualBusPirate) AtTerminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode == pirateTerminal
}

// Speed returns the last speed selector
func (p *VirtualBusPirate) Speed() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// SPIConfig returns the last configuration nibble
func (p *VirtualBusPirate) SPIConfig() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Written returns every byte the host sent
func (p *VirtualBusPirate) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.log...)
}

// PiratePort presents a VirtualBusPirate as a serial port with jittery
// reads.
type PiratePort struct {
	*JitteryPort
	Pirate  *VirtualBusPirate
	Timeout time.Duration
	Closed  bool
}

// NewPiratePort wires a new adapter with card attached to a port
func NewPiratePort(card *VirtualCard, jitter JitterConfig) *PiratePort {
	p := NewVirtualBusPirate(card)
	return &PiratePort{JitteryPort: NewJitteryPort(p, jitter), Pirate: p}
}

// SetReadTimeout records the timeout
func (p *PiratePort) SetReadTimeout(d time.Duration) error {
	p.Timeout = d
	return nil
}

// ResetInputBuffer drops everything the adapter has answered
func (p *PiratePort) ResetInputBuffer() error {
	p.Clear()
	buf := make([]byte, 64)
	for {
		if n, _ := p.Pirate.Read(buf); n == 0 {
			return nil
		}
	}
}

// Close marks the port closed
func (p *PiratePort) Close() error {
	p.Closed = true
	return nil
}
