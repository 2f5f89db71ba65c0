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

import (
	"encoding/binary"
	"fmt"
)

// EncodeCommand builds the six-byte command frame for cmd and arg. The CRC7
// is computed over the first five bytes and placed above the end bit.
// Indexes above MaxCommandIndex cannot be encoded and panic.
func EncodeCommand(cmd Command, arg uint32) [CommandFrameLen]byte {
	if cmd > MaxCommandIndex {
		panic(fmt.Sprintf("frame: command index %d out of range", cmd))
	}
	var f [CommandFrameLen]byte
	f[0] = CommandStartBit | byte(cmd)
	binary.BigEndian.PutUint32(f[1:5], arg)
	f[5] = CRC7(f[:5])<<1 | EndBit
	return f
}

// CommandCRC returns the CRC7 (unshifted) of the frame for cmd and arg.
func CommandCRC(cmd Command, arg uint32) byte {
	f := EncodeCommand(cmd, arg)
	return f[5] >> 1
}

// IsAppCommand reports whether cmd must be preceded by CMD55.
func IsAppCommand(cmd Command) bool {
	return cmd == AppCmdSendOpCond
}

func (c Command) String() string {
	if IsAppCommand(c) {
		return fmt.Sprintf("ACMD%d", byte(c))
	}
	return fmt.Sprintf("CMD%d", byte(c))
}

// BlockCRC returns the two trailer bytes for a data block, high byte first.
func BlockCRC(block []byte) [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], CRC16(block))
	return b
}
