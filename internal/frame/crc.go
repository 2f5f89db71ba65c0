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

// Polynomials. CRC7 is x^7 + x^3 + 1; the value below is that polynomial
// without the x^7 term, aligned to the top of a byte-wide register.
// CRC16 is x^16 + x^12 + x^5 + 1 without the x^16 term.
const (
	crc7Poly  = 0x09
	crc16Poly = 0x1021
)

var (
	crc7Table  [256]byte
	crc16Table [256]uint16
)

func init() {
	for i := range 256 {
		crc7Table[i] = crc7Byte(0, byte(i))
		crc16Table[i] = crc16Byte(0, byte(i))
	}
}

// crc7Byte feeds one byte, MSB first, into a 7-bit register held in the low
// bits of crc.
func crc7Byte(crc, b byte) byte {
	for range 8 {
		crc <<= 1
		if (b^crc)&0x80 != 0 {
			crc ^= crc7Poly
		}
		b <<= 1
	}
	return crc & 0x7F
}

func crc16Byte(crc uint16, b byte) uint16 {
	crc ^= uint16(b) << 8
	for range 8 {
		if crc&0x8000 != 0 {
			crc = crc<<1 ^ crc16Poly
		} else {
			crc <<= 1
		}
	}
	return crc
}

// CRC7 returns the 7-bit command checksum of data (MSB first, zero initial
// register, no final inversion). For a command frame pass the first five
// bytes; the result goes into bits 7..1 of the sixth.
func CRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc7Table[(crc<<1)^b]
	}
	return crc
}

// CRC16 returns the CRC-16/CCITT data checksum the card appends to every
// data block (polynomial 0x1021, zero initial register, MSB first).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// VerifyBlock reports whether trailer matches the CRC16 of block.
func VerifyBlock(block []byte, trailer uint16) bool {
	return CRC16(block) == trailer
}
