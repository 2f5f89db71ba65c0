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
	"time"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// readBlockBody reads 512 bytes into dst followed by the big-endian CRC16
// trailer, and checks one against the other.
func (c *Card) readBlockBody(op string, dst []byte) error {
	if err := c.bus.recvInto(op, dst); err != nil {
		return err
	}
	var trailer [2]byte
	if err := c.bus.recvInto(op, trailer[:]); err != nil {
		return err
	}
	got := binary.BigEndian.Uint16(trailer[:])
	if !frame.VerifyBlock(dst, got) {
		want := frame.CRC16(dst)
		c.bus.trace.RecordRX(trailer[:], fmt.Sprintf("CRC16 want %04X", want))
		return newProtocolError(op, "", KindChecksum,
			fmt.Errorf("%w: trailer 0x%04X, computed 0x%04X", ErrChecksumMismatch, got, want))
	}
	return nil
}

// readSingle reads one block. A missing start token and a CRC16 mismatch
// both re-issue CMD17; together they get Config.SingleReadAttempts attempts.
func (c *Card) readSingle(dst []byte, addr uint32) error {
	const op = "single block read"
	_, err := retryBounded(op, c.cfg.SingleReadAttempts, RetryConfig{}, func(int) (err error) {
		if _, err = c.readSingleBlockCmd(addr); err != nil {
			return err
		}
		if _, err = c.bus.pollToken(op, frame.TokenStartBlock, 0xFF, c.cfg.ReadTokenPolls); err != nil {
			return err
		}
		return c.readBlockBody(op, dst)
	})
	if err != nil {
		return err
	}
	return c.bus.setMode(op, ChipSelectAuto)
}

// readMultiple streams n blocks with CMD18. Nothing is retried: a missing
// token or a bad block fails the whole stream before the next block.
func (c *Card) readMultiple(dst []byte, addr uint32, n int) (err error) {
	const op = "multiple block read"
	if _, err = c.readMultipleBlockCmd(addr); err != nil {
		return err
	}
	if err = c.bus.clock(op); err != nil {
		return err
	}

	for i := range n {
		block := dst[i*frame.BlockSize : (i+1)*frame.BlockSize]
		if _, err = c.bus.pollToken(op, frame.TokenStartBlock, 0xFF, c.cfg.ResponsePolls); err != nil {
			return fmt.Errorf("block %d of %d: %w", i+1, n, err)
		}
		if err = c.readBlockBody(op, block); err != nil {
			return fmt.Errorf("block %d of %d: %w", i+1, n, err)
		}
		if err = c.bus.clock(op); err != nil {
			return err
		}
	}

	if _, err = c.stopTransmission(); err != nil {
		return err
	}
	if err = c.bus.waitNotBusy(op); err != nil {
		return err
	}
	return c.bus.setMode(op, ChipSelectAuto)
}

// blockTrailer is what follows a written block: filler, or the real CRC16
// when the card checks it.
func (c *Card) blockTrailer(block []byte) [2]byte {
	if c.cfg.SendWriteCRC {
		return frame.BlockCRC(block)
	}
	return [2]byte{frame.Filler, frame.Filler}
}

// waitDataResponse polls for the first non-filler byte after a written block
// and checks it reads "accepted".
func (c *Card) waitDataResponse(op string) error {
	for range c.cfg.DataResponsePolls {
		v, err := c.bus.recv(op)
		if err != nil {
			return err
		}
		if v == frame.Filler {
			continue
		}
		c.bus.trace.RecordRX([]byte{v}, "data response")
		if v&frame.DataResponseMask != frame.DataResponseAccepted {
			return newRejectedError(op, c.bus.cmd, v,
				fmt.Errorf("%w: data response 0x%02X", ErrCardRejected, v))
		}
		return nil
	}
	c.bus.trace.RecordTimeout(op + ": data response")
	return newProtocolError(op, c.bus.cmd, KindBusTimeout, ErrBusTimeout)
}

// writeBlockBody sends token, block and trailer, then waits for the data
// response and the end of the busy period.
func (c *Card) writeBlockBody(op string, token byte, block []byte) error {
	if err := c.bus.send(op, token); err != nil {
		return err
	}
	if err := c.bus.send(op, block...); err != nil {
		return err
	}
	trailer := c.blockTrailer(block)
	if err := c.bus.send(op, trailer[:]...); err != nil {
		return err
	}
	if err := c.waitDataResponse(op); err != nil {
		return err
	}
	return c.bus.waitNotBusy(op)
}

// writeSingle writes one block. Only CMD24 itself is retried; once data is
// on the wire any failure is final.
func (c *Card) writeSingle(src []byte, addr uint32) error {
	const op = "single block write"
	if _, err := retryBounded(op, c.cfg.CommandRetries, c.cfg.RetryBackoff, func(int) error {
		return c.writeBlockCmd(addr)
	}); err != nil {
		return err
	}

	if err := c.bus.setMode(op, ChipSelectHold); err != nil {
		return err
	}
	if err := c.writeBlockBody(op, frame.TokenStartBlock, src); err != nil {
		return err
	}
	return c.bus.setMode(op, ChipSelectAuto)
}

// writeMultiple streams n blocks with CMD25 and ends the stream with the
// stop token. Nothing is retried.
func (c *Card) writeMultiple(src []byte, addr uint32, n int) error {
	const op = "multiple block write"
	if err := c.writeMultipleBlockCmd(addr); err != nil {
		return err
	}
	if err := c.bus.clock(op); err != nil {
		return err
	}

	for i := range n {
		if c.cfg.TokenGap > 0 {
			time.Sleep(c.cfg.TokenGap)
		}
		block := src[i*frame.BlockSize : (i+1)*frame.BlockSize]
		if err := c.writeBlockBody(op, frame.TokenStartMultiWrite, block); err != nil {
			return fmt.Errorf("block %d of %d: %w", i+1, n, err)
		}
	}

	if err := c.bus.send(op, frame.TokenStopMultiWrite); err != nil {
		return err
	}
	if err := c.bus.waitNotBusy(op); err != nil {
		return err
	}
	return c.bus.setMode(op, ChipSelectAuto)
}
