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
	"encoding/binary"
	"fmt"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// ResponseKind names a response shape
type ResponseKind uint8

// Response shapes used in SPI mode
const (
	ResponseR1 ResponseKind = 1
	ResponseR3 ResponseKind = 3
	ResponseR7 ResponseKind = 7
)

func (k ResponseKind) String() string {
	return fmt.Sprintf("R%d", uint8(k))
}

// Response is a decoded command response. Every shape starts with an R1
// status byte and ends with a trailer holding CRC7<<1 and the end bit.
type Response interface {
	Kind() ResponseKind
	// Leading returns the status byte the poll matched
	Leading() byte
	// EndBit reports whether the trailer's end bit is set
	EndBit() bool
}

// R1Response is a status byte plus the extended status bytes the command
// defines. CRC is the raw trailer byte.
type R1Response struct {
	Ext    [frame.ExtStatusLength]byte
	Status byte
	CRC    byte
}

// Kind implements Response
func (R1Response) Kind() ResponseKind { return ResponseR1 }

// Leading implements Response
func (r R1Response) Leading() byte { return r.Status }

// EndBit implements Response
func (r R1Response) EndBit() bool { return r.CRC&frame.EndBit != 0 }

// Idle reports whether the card is still in the idle state
func (r R1Response) Idle() bool { return r.Status&frame.R1Idle != 0 }

// R3Response carries the OCR register
type R3Response struct {
	OCR    uint32
	Status byte
	CRC    byte
}

// Kind implements Response
func (R3Response) Kind() ResponseKind { return ResponseR3 }

// Leading implements Response
func (r R3Response) Leading() byte { return r.Status }

// EndBit implements Response
func (r R3Response) EndBit() bool { return r.CRC&frame.EndBit != 0 }

// PowerUpDone reports OCR bit 31. While it is clear the card is busy.
func (r R3Response) PowerUpDone() bool { return r.OCR&frame.OCRPowerUpDone != 0 }

// HighCapacity reports the card capacity status bit (OCR bit 30)
func (r R3Response) HighCapacity() bool { return r.OCR&frame.OCRCapacityBit != 0 }

// R7Response carries the CMD8 echo
type R7Response struct {
	Status  byte
	Voltage byte // 4-bit voltage accepted field
	Pattern byte // echoed check pattern
	CRC     byte
}

// Kind implements Response
func (R7Response) Kind() ResponseKind { return ResponseR7 }

// Leading implements Response
func (r R7Response) Leading() byte { return r.Status }

// EndBit implements Response
func (r R7Response) EndBit() bool { return r.CRC&frame.EndBit != 0 }

var (
	_ Response = R1Response{}
	_ Response = R3Response{}
	_ Response = R7Response{}
)

func (b *bus) framingError(op string) error {
	return newProtocolError(op, b.cmd, KindFraming, ErrFraming)
}

// readR1 polls for the R1 status byte, reads extLen extended status bytes and
// the trailer. Chip select is back in auto mode on return.
func (b *bus) readR1(op string, extLen int) (resp R1Response, err error) {
	defer b.restoreAuto(op, &err)

	resp.Status, err = b.poll(op, frame.R1LeadTarget, frame.R1LeadMask, b.cfg.ResponsePolls)
	if err != nil {
		return resp, err
	}
	if err = b.recvInto(op, resp.Ext[:extLen]); err != nil {
		return resp, err
	}
	if resp.CRC, err = b.recv(op); err != nil {
		return resp, err
	}
	b.trace.RecordRX([]byte{resp.Status, resp.CRC}, "R1")
	if !resp.EndBit() {
		return resp, b.framingError(op)
	}
	return resp, nil
}

// readR3 polls for the R3 leading byte, then reads the OCR big-endian and the
// trailer. Chip select is back in auto mode on return.
func (b *bus) readR3(op string) (resp R3Response, err error) {
	defer b.restoreAuto(op, &err)

	target, mask := byte(frame.R3LeadTarget), byte(frame.R3LeadMask)
	if b.cfg.RelaxedR3Lead {
		target, mask = frame.R1LeadTarget, frame.R1LeadMask
	}
	resp.Status, err = b.poll(op, target, mask, b.cfg.ResponsePolls)
	if err != nil {
		return resp, err
	}
	var ocr [4]byte
	if err = b.recvInto(op, ocr[:]); err != nil {
		return resp, err
	}
	resp.OCR = binary.BigEndian.Uint32(ocr[:])
	if resp.CRC, err = b.recv(op); err != nil {
		return resp, err
	}
	b.trace.RecordRX(append([]byte{resp.Status}, ocr[:]...), "R3")
	if !resp.EndBit() {
		return resp, b.framingError(op)
	}
	return resp, nil
}

// readR7 polls for the status byte, skips two reserved bytes, then reads the
// voltage nibble, the echoed pattern and the trailer. Chip select is back in
// auto mode on return.
func (b *bus) readR7(op string) (resp R7Response, err error) {
	defer b.restoreAuto(op, &err)

	resp.Status, err = b.poll(op, frame.R1LeadTarget, frame.R1LeadMask, b.cfg.ResponsePolls)
	if err != nil {
		return resp, err
	}
	var body [4]byte
	if err = b.recvInto(op, body[:]); err != nil {
		return resp, err
	}
	resp.Voltage = body[2] & 0x0F
	resp.Pattern = body[3]
	if resp.CRC, err = b.recv(op); err != nil {
		return resp, err
	}
	b.trace.RecordRX(append([]byte{resp.Status}, body[:]...), "R7")
	if !resp.EndBit() {
		return resp, b.framingError(op)
	}
	return resp, nil
}
