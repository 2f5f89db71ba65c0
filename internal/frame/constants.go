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

package frame

// Command is an SD command index (0-63). App commands share the index
// space and are sent after CmdAppCmd.
type Command byte

// Basic and application command set used in SPI mode.
const (
	CmdGoIdleState        Command = 0  // CMD0, software reset
	CmdSendIfCond         Command = 8  // CMD8, interface condition
	CmdStopTransmission   Command = 12 // CMD12
	CmdSetBlockLen        Command = 16 // CMD16
	CmdReadSingleBlock    Command = 17 // CMD17
	CmdReadMultipleBlock  Command = 18 // CMD18
	CmdWriteBlock         Command = 24 // CMD24
	CmdWriteMultipleBlock Command = 25 // CMD25
	AppCmdSendOpCond      Command = 41 // ACMD41
	CmdAppCmd             Command = 55 // CMD55, prefix for ACMDn
	CmdReadOCR            Command = 58 // CMD58
	CmdCRCOnOff           Command = 59 // CMD59
)

// MaxCommandIndex is the highest index that fits the 6-bit command field.
const MaxCommandIndex = 63

// Frame layout.
const (
	CommandFrameLen = 6    // start+index, 4 argument bytes, crc7+end bit
	CommandStartBit = 0x40 // top two bits of the first byte are 01
	EndBit          = 0x01
)

// BlockSize is the data block length used for every transfer. High and
// extended capacity cards fix it; standard capacity cards get it set by CMD16.
const BlockSize = 512

// Data tokens.
const (
	TokenStartBlock      = 0xFE // single read, each block of a multi read, single write
	TokenStartMultiWrite = 0xFC
	TokenStopMultiWrite  = 0xFD
	Filler               = 0xFF // clock pump / idle bus / not busy
)

// Data response token: xxx0sss1, status 010 means accepted.
const (
	// DataResponseMask keeps the zero bit as well as the status and end
	// bit, so a token with bit 4 set never reads as accepted. A 0x0F mask
	// would ignore that bit.
	DataResponseMask     = 0x1F
	DataResponseAccepted = 0x05
	DataResponseCRCError = 0x0B
	DataResponseWriteErr = 0x0D
)

// R1 status bits.
const (
	R1Idle           = 0x01
	R1EraseReset     = 0x02
	R1IllegalCommand = 0x04
	R1CommandCRC     = 0x08
	R1EraseSequence  = 0x10
	R1AddressError   = 0x20
	R1ParameterError = 0x40
)

// Leading-byte masks and targets for the response decoders.
const (
	R1LeadMask   = 0xC0 // wait for 00xx_xxxx
	R1LeadTarget = 0x00
	R3LeadMask   = 0xF1 // wait for 0000_xxx1
	R3LeadTarget = R1Idle
)

// Fixed command arguments.
const (
	IfCondArg       uint32 = 0x1AA // 2.7-3.6V, check pattern 0xAA
	IfCondVoltage          = 0x1
	IfCondPattern          = 0xAA
	OpCondHCS       uint32 = 1 << 30
	OCRPowerUpDone  uint32 = 1 << 31 // active-low busy flag
	OCRCapacityBit  uint32 = 1 << 30 // CCS
	CRCOnArg        uint32 = 1
	CRCOffArg       uint32 = 0
	NoArg           uint32 = 0
	ExtStatusLength        = 4
)

// Known CRC7 values for commands whose argument never changes. A computed
// value that disagrees means the frame builder is broken.
const (
	CRCGoIdleState      byte = 0x4A
	CRCSendIfCond       byte = 0x43
	CRCStopTransmission byte = 0x30
	CRCAppCmd           byte = 0x32
	CRCReadOCR          byte = 0x7E
	CRCCRCOn            byte = 0x41
	CRCCRCOff           byte = 0x48
)
