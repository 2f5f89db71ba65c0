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

//go:build linux

package spidev

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers from linux/spi/spidev.h
const (
	iocMagic = 'k'

	iocWrite     = 1
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// spiIocTransfer mirrors struct spi_ioc_transfer
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

func iow(nr, size uintptr) uint {
	return uint(iocWrite<<iocDirShift | size<<iocSizeShift | iocMagic<<iocTypeShift | nr<<iocNRShift)
}

var (
	iocWrMode        = iow(1, 1)
	iocWrBitsPerWord = iow(3, 1)
	iocWrMaxSpeedHz  = iow(4, 4)
	iocMessage1      = iow(0, unsafe.Sizeof(spiIocTransfer{}))
)

type linuxDevice struct {
	fd int
}

func openDevice(path string) (device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &linuxDevice{fd: fd}, nil
}

func (d *linuxDevice) ioctl(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *linuxDevice) setMode(mode uint8) error {
	return d.ioctl(iocWrMode, unsafe.Pointer(&mode))
}

func (d *linuxDevice) setBitsPerWord(bits uint8) error {
	return d.ioctl(iocWrBitsPerWord, unsafe.Pointer(&bits))
}

func (d *linuxDevice) setSpeed(hz uint32) error {
	return d.ioctl(iocWrMaxSpeedHz, unsafe.Pointer(&hz))
}

func (d *linuxDevice) transfer(tx, rx []byte, speedHz uint32, csChange bool) error {
	if len(tx) == 0 || len(rx) < len(tx) {
		return unix.EINVAL
	}
	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)), //nolint:gosec // single byte transfers
		speedHz:     speedHz,
		bitsPerWord: 8,
	}
	if csChange {
		xfer.csChange = 1
	}
	err := d.ioctl(iocMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	return err
}

func (d *linuxDevice) close() error {
	return unix.Close(d.fd)
}
