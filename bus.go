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

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// bus drives a Transport for the protocol engine. It records each operation's
// frames for error traces and turns link failures into KindTransport errors.
// Only one goroutine uses a bus at a time; the Transfer Guard ensures that.
type bus struct {
	t     Transport
	cfg   *Config
	trace *TraceBuffer
	cmd   string // command in flight, for error context
}

func newBus(t Transport, cfg *Config, traceSize int) *bus {
	return &bus{
		t:     t,
		cfg:   cfg,
		trace: NewTraceBuffer(string(t.Type()), traceSize),
	}
}

// begin starts a new operation: clears the trace and the command context
func (b *bus) begin() {
	b.trace.Clear()
	b.cmd = ""
}

func (b *bus) send(op string, data ...byte) error {
	for _, v := range data {
		if err := b.t.SendByte(v); err != nil {
			return newTransportError(op, b.cmd, fmt.Errorf("send: %w", err))
		}
	}
	return nil
}

func (b *bus) recv(op string) (byte, error) {
	v, err := b.t.RecvByte()
	if err != nil {
		return 0, newTransportError(op, b.cmd, fmt.Errorf("receive: %w", err))
	}
	return v, nil
}

func (b *bus) recvInto(op string, dst []byte) error {
	for i := range dst {
		v, err := b.recv(op)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (b *bus) setMode(op string, mode ChipSelectMode) error {
	if err := b.t.SetChipSelectMode(mode); err != nil {
		return newTransportError(op, b.cmd, fmt.Errorf("chip select %s: %w", mode, err))
	}
	return nil
}

// restoreAuto returns chip select to auto mode. Deferred by every decoder so
// the failure path releases the bus too; the first error wins.
func (b *bus) restoreAuto(op string, errp *error) {
	if err := b.setMode(op, ChipSelectAuto); err != nil && *errp == nil {
		*errp = err
	}
}

// sendCommand holds chip select and clocks out the six-byte frame for cmd.
// crc7 goes into the last byte as given. Chip select stays held for the
// response decoder.
func (b *bus) sendCommand(cmd frame.Command, arg uint32, crc7 byte) error {
	f := frame.EncodeCommand(cmd, arg)
	f[frame.CommandFrameLen-1] = crc7<<1 | frame.EndBit

	b.cmd = cmd.String()
	b.trace.RecordTX(f[:], b.cmd)
	if err := b.setMode("send command", ChipSelectHold); err != nil {
		return err
	}
	return b.send("send command", f[:]...)
}

// poll reads up to limit bytes and returns the first b with b&mask == target.
// Running out means the card's decoder is not answering: KindBusWedged.
func (b *bus) poll(op string, target, mask byte, limit int) (byte, error) {
	return b.pollKind(op, target, mask, limit, KindBusWedged, ErrBusWedged)
}

// pollToken is poll for data-phase tokens, where running out is a
// KindBusTimeout the caller may retry.
func (b *bus) pollToken(op string, target, mask byte, limit int) (byte, error) {
	return b.pollKind(op, target, mask, limit, KindBusTimeout, ErrBusTimeout)
}

func (b *bus) pollKind(op string, target, mask byte, limit int, kind ErrorKind, sentinel error) (byte, error) {
	for range limit {
		v, err := b.recv(op)
		if err != nil {
			return 0, err
		}
		if v&mask == target {
			return v, nil
		}
	}
	b.trace.RecordTimeout(fmt.Sprintf("%s: want %02X/%02X in %d polls", op, target, mask, limit))
	return 0, newProtocolError(op, b.cmd, kind, sentinel)
}

// waitNotBusy polls until the card releases MISO (reads 0xFF).
func (b *bus) waitNotBusy(op string) error {
	_, err := b.pollToken(op, frame.Filler, 0xFF, b.cfg.BusyPolls)
	return err
}

// clock sends one filler byte to keep the card's clock running
func (b *bus) clock(op string) error {
	return b.send(op, frame.Filler)
}
