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

// Package testing provides a byte-level virtual SD card and the adapters
// that put it behind each transport in tests.
package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// Capacity mirrors the driver's capacity classes without importing it.
type Capacity int

const (
	// StandardCapacity cards are byte addressed
	StandardCapacity Capacity = iota
	// HighCapacity cards are block addressed
	HighCapacity
)

// ocrVoltageWindow is 2.7-3.6V
const ocrVoltageWindow uint32 = 0x00FF8000

// CardConfig describes the simulated card
type CardConfig struct {
	Capacity Capacity
	// Blocks is the card size in 512-byte blocks
	Blocks int
	// InitBusy is how many ACMD41 calls after a reset still report busy
	InitBusy int
	// ResponseGap is the Ncr filler count before each command response
	ResponseGap int
	// ReadGap is the Nac filler count before each read start token
	ReadGap int
	// BusyBytes is how long the card holds MISO low after a write or stop
	BusyBytes int
	// SupportsCRCToggle makes CMD59 legal
	SupportsCRCToggle bool
	// SupportsCMD8 makes CMD8 legal; without it the card is a version 1 card
	SupportsCMD8 bool
	// EmulatorR3Lead sends 0x01 as the R3 leading byte even after
	// initialization, as emulators do. Otherwise R3 leads with R1 status.
	EmulatorR3Lead bool
	// CheckWriteCRC rejects written blocks with a bad CRC16 once CRC is on
	CheckWriteCRC bool
}

// DefaultCardConfig returns an SDHC card that behaves like the emulator the
// driver was first brought up on.
func DefaultCardConfig() CardConfig {
	return CardConfig{
		Capacity:          HighCapacity,
		Blocks:            64,
		InitBusy:          1,
		ResponseGap:       1,
		ReadGap:           2,
		BusyBytes:         3,
		SupportsCRCToggle: true,
		SupportsCMD8:      true,
		EmulatorR3Lead:    true,
	}
}

type cardState int

const (
	stateCommand cardState = iota
	stateReadStream
	stateWriteToken
	stateWriteData
)

type outByte struct {
	v     byte
	token bool
}

// VirtualCard is a byte-level SD card in SPI mode. Exchange is one full
// duplex byte: the card shifts out the head of its output queue (0xFF when
// empty) while the host byte is shifted in.
type VirtualCard struct {
	corrupt    map[uint32]int
	cmdCount   map[frame.Command]int
	mem        []byte
	out        []outByte
	cmdBuf     []byte
	writeBuf   []byte
	cmdLog     []frame.Command
	cfg        CardConfig
	state      cardState
	opConds    int
	dropTokens int
	rejects    int
	tokens     int
	writes     int
	streamLBA  uint32
	writeLBA   uint32
	mu         sync.Mutex
	idle       bool
	ready      bool
	appCmd     bool
	crcOn      bool
	multi      bool
	stuck      bool
}

// NewVirtualCard creates a freshly powered card (idle, not initialized) with
// zeroed memory
func NewVirtualCard(cfg CardConfig) *VirtualCard {
	if cfg.Blocks <= 0 {
		cfg.Blocks = DefaultCardConfig().Blocks
	}
	return &VirtualCard{
		cfg:      cfg,
		mem:      make([]byte, cfg.Blocks*frame.BlockSize),
		corrupt:  make(map[uint32]int),
		cmdCount: make(map[frame.Command]int),
		idle:     true,
	}
}

// Exchange shifts one byte each way
func (v *VirtualCard) Exchange(in byte) byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stuck {
		return frame.Filler
	}

	if v.state == stateReadStream && len(v.out) == 0 {
		v.queueBlock(v.streamLBA)
		v.streamLBA++
	}

	out := byte(frame.Filler)
	if len(v.out) > 0 {
		q := v.out[0]
		v.out = v.out[1:]
		out = q.v
		if q.token {
			v.tokens++
		}
	}

	v.receive(in)
	return out
}

func (v *VirtualCard) receive(in byte) {
	switch v.state {
	case stateWriteToken:
		switch in {
		case frame.TokenStartBlock, frame.TokenStartMultiWrite:
			v.writeBuf = v.writeBuf[:0]
			v.state = stateWriteData
			return
		case frame.TokenStopMultiWrite:
			if v.multi {
				v.out = v.busy(nil)
				v.state = stateCommand
				return
			}
		}
		v.collectCommand(in)
	case stateWriteData:
		v.writeBuf = append(v.writeBuf, in)
		if len(v.writeBuf) == frame.BlockSize+2 {
			v.finishWrite()
		}
	case stateCommand, stateReadStream:
		v.collectCommand(in)
	}
}

func (v *VirtualCard) collectCommand(in byte) {
	if len(v.cmdBuf) == 0 && in&0xC0 != frame.CommandStartBit {
		return
	}
	v.cmdBuf = append(v.cmdBuf, in)
	if len(v.cmdBuf) < frame.CommandFrameLen {
		return
	}
	f := v.cmdBuf
	v.cmdBuf = nil
	v.handleCommand(f)
}

func (v *VirtualCard) status() byte {
	if v.idle {
		return frame.R1Idle
	}
	return 0
}

func (v *VirtualCard) gap(n int) []outByte {
	q := make([]outByte, 0, n+8)
	for range n {
		q = append(q, outByte{v: frame.Filler})
	}
	return q
}

func (v *VirtualCard) respond(data ...byte) {
	q := v.gap(v.cfg.ResponseGap)
	for _, b := range data {
		q = append(q, outByte{v: b})
	}
	v.out = q
}

func (v *VirtualCard) busy(q []outByte) []outByte {
	for range v.cfg.BusyBytes {
		q = append(q, outByte{v: 0x00})
	}
	return q
}

func (v *VirtualCard) handleCommand(f []byte) {
	cmd := frame.Command(f[0] & frame.MaxCommandIndex)
	arg := binary.BigEndian.Uint32(f[1:5])
	app := v.appCmd
	v.appCmd = false

	v.cmdCount[cmd]++
	v.cmdLog = append(v.cmdLog, cmd)

	if v.crcOn && frame.CRC7(f[:5]) != f[5]>>1 {
		v.respond(v.status() | frame.R1CommandCRC)
		return
	}

	if v.state == stateReadStream {
		if cmd == frame.CmdStopTransmission {
			v.state = stateCommand
			q := []outByte{{v: frame.Filler}, {v: 0x00}}
			v.out = v.busy(q)
			return
		}
		v.state = stateCommand
	}
	if v.state == stateWriteToken {
		v.state = stateCommand
	}

	switch {
	case cmd == frame.CmdGoIdleState:
		v.idle, v.ready, v.crcOn = true, false, false
		v.opConds = 0
		v.respond(frame.R1Idle)
	case cmd == frame.CmdSendIfCond:
		if !v.cfg.SupportsCMD8 {
			v.respond(v.status() | frame.R1IllegalCommand)
			return
		}
		body := []byte{v.status(), 0x00, 0x00, byte(arg>>8) & 0x0F, byte(arg)}
		v.respond(append(body, frame.CRC7(body)<<1|frame.EndBit)...)
	case cmd == frame.CmdCRCOnOff:
		if !v.cfg.SupportsCRCToggle {
			v.respond(v.status() | frame.R1IllegalCommand)
			return
		}
		v.crcOn = arg&1 != 0
		v.respond(v.status())
	case cmd == frame.CmdAppCmd:
		v.appCmd = true
		v.respond(v.status())
	case cmd == frame.AppCmdSendOpCond && app:
		v.opConds++
		if v.opConds > v.cfg.InitBusy {
			v.idle, v.ready = false, true
		}
		v.respondR3()
	case cmd == frame.CmdReadOCR:
		v.respondR3()
	case cmd == frame.CmdSetBlockLen:
		if v.cfg.Capacity == StandardCapacity && arg != frame.BlockSize {
			v.respond(v.status() | frame.R1ParameterError)
			return
		}
		v.respond(v.status())
	case cmd == frame.CmdReadSingleBlock, cmd == frame.CmdReadMultipleBlock,
		cmd == frame.CmdWriteBlock, cmd == frame.CmdWriteMultipleBlock:
		v.handleData(cmd, arg)
	case cmd == frame.CmdStopTransmission:
		v.respond(v.status())
	default:
		v.respond(v.status() | frame.R1IllegalCommand)
	}
}

func (v *VirtualCard) respondR3() {
	ocr := ocrVoltageWindow
	if v.ready {
		ocr |= frame.OCRPowerUpDone
		if v.cfg.Capacity == HighCapacity {
			ocr |= frame.OCRCapacityBit
		}
	}
	lead := v.status()
	if v.cfg.EmulatorR3Lead {
		lead = frame.R1Idle
	}
	v.respond(lead, byte(ocr>>24), byte(ocr>>16), byte(ocr>>8), byte(ocr), frame.Filler)
}

func (v *VirtualCard) lba(arg uint32) (uint32, byte) {
	lba := arg
	if v.cfg.Capacity == StandardCapacity {
		if arg%frame.BlockSize != 0 {
			return 0, frame.R1AddressError
		}
		lba = arg / frame.BlockSize
	}
	if lba >= uint32(v.cfg.Blocks) {
		return 0, frame.R1ParameterError
	}
	return lba, 0
}

func (v *VirtualCard) handleData(cmd frame.Command, arg uint32) {
	if !v.ready {
		v.respond(v.status() | frame.R1IllegalCommand)
		return
	}
	lba, errBits := v.lba(arg)
	if errBits != 0 {
		v.respond(errBits)
		return
	}

	switch cmd {
	case frame.CmdReadSingleBlock:
		v.respond(0x00)
		v.queueBlock(lba)
	case frame.CmdReadMultipleBlock:
		v.respond(0x00)
		v.queueBlock(lba)
		v.streamLBA = lba + 1
		v.state = stateReadStream
	case frame.CmdWriteBlock, frame.CmdWriteMultipleBlock:
		v.respond(0x00)
		v.writeLBA = lba
		v.multi = cmd == frame.CmdWriteMultipleBlock
		v.state = stateWriteToken
	}
}

// queueBlock appends the Nac gap, start token, block and CRC16 for lba
func (v *VirtualCard) queueBlock(lba uint32) {
	if int(lba) >= v.cfg.Blocks {
		return
	}
	v.out = append(v.out, v.gap(v.cfg.ReadGap)...)
	if v.dropTokens > 0 {
		v.dropTokens--
		return
	}
	block := v.block(lba)
	crc := frame.CRC16(block)
	if n := v.corrupt[lba]; n > 0 {
		v.corrupt[lba] = n - 1
		crc ^= 0x0001
	}
	v.out = append(v.out, outByte{v: frame.TokenStartBlock, token: true})
	for _, b := range block {
		v.out = append(v.out, outByte{v: b})
	}
	v.out = append(v.out, outByte{v: byte(crc >> 8)}, outByte{v: byte(crc)})
}

func (v *VirtualCard) finishWrite() {
	data := v.writeBuf[:frame.BlockSize]
	trailer := binary.BigEndian.Uint16(v.writeBuf[frame.BlockSize:])

	next := stateCommand
	if v.multi {
		next = stateWriteToken
	}
	v.state = next

	switch {
	case v.rejects > 0:
		v.rejects--
		v.out = []outByte{{v: 0xE0 | frame.DataResponseWriteErr}}
	case v.cfg.CheckWriteCRC && v.crcOn && frame.CRC16(data) != trailer:
		v.out = []outByte{{v: 0xE0 | frame.DataResponseCRCError}}
	case int(v.writeLBA) >= v.cfg.Blocks:
		v.out = []outByte{{v: 0xE0 | frame.DataResponseWriteErr}}
	default:
		copy(v.block(v.writeLBA), data)
		v.writes++
		v.writeLBA++
		v.out = v.busy([]outByte{{v: 0xE0 | frame.DataResponseAccepted}})
	}
}

func (v *VirtualCard) block(lba uint32) []byte {
	off := int(lba) * frame.BlockSize
	return v.mem[off : off+frame.BlockSize]
}

// Test helpers

// Fill sets every byte of block lba to b
func (v *VirtualCard) Fill(lba uint32, b byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.block(lba), bytes.Repeat([]byte{b}, frame.BlockSize))
}

// SetBlock copies data into block lba
func (v *VirtualCard) SetBlock(lba uint32, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(data) != frame.BlockSize || int(lba) >= v.cfg.Blocks {
		return fmt.Errorf("bad block %d of %d bytes", lba, len(data))
	}
	copy(v.block(lba), data)
	return nil
}

// Block returns a copy of block lba
func (v *VirtualCard) Block(lba uint32) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.block(lba)...)
}

// DropReadTokens makes the next n block reads send no start token
func (v *VirtualCard) DropReadTokens(n int) {
	v.mu.Lock()
	v.dropTokens = n
	v.mu.Unlock()
}

// CorruptBlock makes the next n reads of block lba carry a bad CRC16
func (v *VirtualCard) CorruptBlock(lba uint32, n int) {
	v.mu.Lock()
	v.corrupt[lba] = n
	v.mu.Unlock()
}

// RejectWrites makes the next n written blocks answer "write error"
func (v *VirtualCard) RejectWrites(n int) {
	v.mu.Lock()
	v.rejects = n
	v.mu.Unlock()
}

// SetStuck makes the card stop driving MISO and ignore input
func (v *VirtualCard) SetStuck(stuck bool) {
	v.mu.Lock()
	v.stuck = stuck
	v.mu.Unlock()
}

// CommandCount returns how many times cmd was received
func (v *VirtualCard) CommandCount(cmd frame.Command) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cmdCount[cmd]
}

// Commands returns every command received, in order
func (v *VirtualCard) Commands() []frame.Command {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]frame.Command(nil), v.cmdLog...)
}

// TokensSent returns how many read start tokens were shifted out
func (v *VirtualCard) TokensSent() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokens
}

// BlocksWritten returns how many blocks were accepted
func (v *VirtualCard) BlocksWritten() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}

// CRCEnabled reports whether CMD59 turned CRC checking on
func (v *VirtualCard) CRCEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.crcOn
}

// Ready reports whether initialization completed
func (v *VirtualCard) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ready
}

// Config returns the card's configuration
func (v *VirtualCard) Config() CardConfig {
	return v.cfg
}
