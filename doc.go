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


// Package sdspi drives an SD, SDHC or SDXC card in SPI mode.
//
// A Transport moves single bytes over the bus. Open brings the card up and
// returns a Disk, which serializes sector reads and writes behind one lock:
//
//	t, err := spidev.New("/dev/spidev0.0")
//	if err != nil {
//		return err
//	}
//	disk, err := sdspi.Open(t, sdspi.WithConfig(sdspi.HardwareConfig()))
//	if err != nil {
//		return err
//	}
//	defer disk.Close()
//
//	buf := make([]byte, sdspi.SectorSize)
//	err = disk.Read(ctx, buf, 0, 1)
//
// Connect does the same from a device path or from detection. Errors that
// reach a Disk are fatal and go to its Halter, which panics by default.
package sdspi
