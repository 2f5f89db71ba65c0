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
	"encoding/binary"
	"testing"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// host drives a VirtualCard the way the driver does, one byte at a time
type host struct {
	card *VirtualCard
}

func (h host) send(data ...byte) {
	for _, b := range data {
		h.card.Exchange(b)
	}
}

func (h host) recv(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = h.card.Exchange(frame.Filler)
	}
	return out
}

func (h host) command(cmd frame.Command, arg uint32) {
	f := frame.EncodeCommand(cmd, arg)
	h.send(f[:]...)
}

// firstNot returns the first byte of data that is not filler
func firstNot(data []byte) (byte, int) {
	for i, b := range data {
		if b != frame.Filler {
			return b, i
		}
	}
	return frame.Filler, -1
}

func initialize(t *testing.T, h host) {
	t.Helper()
	h.command(frame.CmdGoIdleState, 0)
	h.recv(8)
	for range h.card.Config().InitBusy + 1 {
		h.command(frame.CmdAppCmd, 0)
		h.recv(8)
		h.command(frame.AppCmdSendOpCond, frame.OpCondHCS)
		h.recv(8)
	}
	require.True(t, h.card.Ready())
}

func TestVirtualCard_ResetAnswersIdle(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}

	h.command(frame.CmdGoIdleState, 0)
	resp := h.recv(4)
	b, at := firstNot(resp)
	assert.Equal(t, byte(frame.R1Idle), b)
	assert.Equal(t, 1, at, "one Ncr filler byte before the response")
	assert.Equal(t, 1, h.card.CommandCount(frame.CmdGoIdleState))
}

func TestVirtualCard_IfCondEcho(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}

	h.command(frame.CmdSendIfCond, frame.IfCondArg)
	resp := h.recv(7)
	assert.Equal(t, []byte{0xFF, 0x01, 0x00, 0x00, 0x01, 0xAA}, resp[:6])
	assert.Equal(t, byte(1), resp[6]&1)
}

func TestVirtualCard_VersionOneRejectsIfCond(t *testing.T) {
	t.Parallel()
	cfg := DefaultCardConfig()
	cfg.SupportsCMD8 = false
	h := host{NewVirtualCard(cfg)}

	h.command(frame.CmdSendIfCond, frame.IfCondArg)
	b, _ := firstNot(h.recv(4))
	assert.Equal(t, byte(frame.R1IllegalCommand|frame.R1Idle), b)
}

func TestVirtualCard_OpCondBusyThenReady(t *testing.T) {
	t.Parallel()
	cfg := DefaultCardConfig()
	cfg.InitBusy = 2
	h := host{NewVirtualCard(cfg)}

	h.command(frame.CmdGoIdleState, 0)
	h.recv(8)

	for i := range 3 {
		h.command(frame.CmdAppCmd, 0)
		h.recv(8)
		h.command(frame.AppCmdSendOpCond, frame.OpCondHCS)
		resp := h.recv(7)
		ocr := binary.BigEndian.Uint32(resp[2:6])
		assert.Equal(t, byte(0x01), resp[1], "emulator R3 lead")
		assert.Equal(t, i == 2, ocr&frame.OCRPowerUpDone != 0, "attempt %d", i+1)
	}
	assert.True(t, h.card.Ready())
}

func TestVirtualCard_OpCondWithoutAppCmdIsIllegal(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}

	h.command(frame.AppCmdSendOpCond, frame.OpCondHCS)
	b, _ := firstNot(h.recv(4))
	assert.Equal(t, byte(frame.R1IllegalCommand), b&frame.R1IllegalCommand)
}

func TestVirtualCard_ReadOCRReportsCapacity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		capacity Capacity
		high     bool
	}{
		{name: "high", capacity: HighCapacity, high: true},
		{name: "standard", capacity: StandardCapacity, high: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultCardConfig()
			cfg.Capacity = tt.capacity
			h := host{NewVirtualCard(cfg)}
			initialize(t, h)

			h.command(frame.CmdReadOCR, 0)
			resp := h.recv(7)
			ocr := binary.BigEndian.Uint32(resp[2:6])
			assert.NotZero(t, ocr&frame.OCRPowerUpDone)
			assert.Equal(t, tt.high, ocr&frame.OCRCapacityBit != 0)
		})
	}
}

func TestVirtualCard_SingleReadFrame(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}
	initialize(t, h)
	h.card.Fill(3, 0x5A)

	h.command(frame.CmdReadSingleBlock, 3)
	resp := h.recv(2 + 2 + 1 + frame.BlockSize + 2)
	assert.Equal(t, []byte{0xFF, 0x00, 0xFF, 0xFF, frame.TokenStartBlock}, resp[:5])
	block := resp[5 : 5+frame.BlockSize]
	crc := binary.BigEndian.Uint16(resp[5+frame.BlockSize:])
	assert.Equal(t, frame.CRC16(block), crc)
	assert.Equal(t, byte(0x5A), block[100])
	assert.Equal(t, 1, h.card.TokensSent())
}

func TestVirtualCard_DropAndCorruptFaults(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}
	initialize(t, h)

	h.card.DropReadTokens(1)
	h.command(frame.CmdReadSingleBlock, 0)
	resp := h.recv(64)
	assert.NotContains(t, resp, byte(frame.TokenStartBlock))
	assert.Zero(t, h.card.TokensSent())

	h.card.CorruptBlock(0, 1)
	h.command(frame.CmdReadSingleBlock, 0)
	resp = h.recv(5 + frame.BlockSize + 2)
	crc := binary.BigEndian.Uint16(resp[5+frame.BlockSize:])
	assert.NotEqual(t, frame.CRC16(resp[5:5+frame.BlockSize]), crc)
}

func TestVirtualCard_StandardCapacityAddressing(t *testing.T) {
	t.Parallel()
	cfg := DefaultCardConfig()
	cfg.Capacity = StandardCapacity
	h := host{NewVirtualCard(cfg)}
	initialize(t, h)

	h.command(frame.CmdReadSingleBlock, 3) // not block aligned
	b, _ := firstNot(h.recv(4))
	assert.Equal(t, byte(frame.R1AddressError), b)

	h.command(frame.CmdReadSingleBlock, uint32(cfg.Blocks)*frame.BlockSize)
	b, _ = firstNot(h.recv(4))
	assert.Equal(t, byte(frame.R1ParameterError), b)
}

func TestVirtualCard_WriteThenRead(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}
	initialize(t, h)

	data := make([]byte, frame.BlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	h.command(frame.CmdWriteBlock, 7)
	h.recv(8)
	h.send(frame.TokenStartBlock)
	h.send(data...)
	h.send(0xFF, 0xFF)
	resp := h.recv(5)
	assert.Equal(t, byte(frame.DataResponseAccepted), resp[0]&frame.DataResponseMask)
	assert.Equal(t, []byte{0, 0, 0, 0xFF}, resp[1:])
	assert.Equal(t, data, h.card.Block(7))
	assert.Equal(t, 1, h.card.BlocksWritten())
}

func TestVirtualCard_RejectWrites(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}
	initialize(t, h)
	h.card.RejectWrites(1)

	h.command(frame.CmdWriteBlock, 0)
	h.recv(8)
	h.send(frame.TokenStartBlock)
	h.send(make([]byte, frame.BlockSize+2)...)
	resp := h.recv(1)
	assert.Equal(t, byte(frame.DataResponseWriteErr), resp[0]&frame.DataResponseMask)
	assert.Zero(t, h.card.BlocksWritten())
}

func TestVirtualCard_MultiReadStopsOnCMD12(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}
	initialize(t, h)

	h.command(frame.CmdReadMultipleBlock, 0)
	h.recv(2 + 2 + 1 + frame.BlockSize + 2)
	h.command(frame.CmdStopTransmission, 0)
	resp := h.recv(6)
	assert.Equal(t, []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF}, resp)
	assert.Equal(t, 1, h.card.CommandCount(frame.CmdStopTransmission))
}

func TestVirtualCard_StuckBus(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}
	h.card.SetStuck(true)

	h.command(frame.CmdGoIdleState, 0)
	_, at := firstNot(h.recv(32))
	assert.Equal(t, -1, at)
	assert.Zero(t, h.card.CommandCount(frame.CmdGoIdleState))
}

func TestVirtualCard_CRCToggle(t *testing.T) {
	t.Parallel()
	h := host{NewVirtualCard(DefaultCardConfig())}

	h.command(frame.CmdCRCOnOff, frame.CRCOnArg)
	h.recv(4)
	assert.True(t, h.card.CRCEnabled())

	// a frame with a bad CRC is refused once checking is on
	f := frame.EncodeCommand(frame.CmdAppCmd, 0)
	f[5] ^= 0x02
	h.send(f[:]...)
	b, _ := firstNot(h.recv(4))
	assert.Equal(t, byte(frame.R1CommandCRC), b&frame.R1CommandCRC)
}
