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
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uintptr(32), unsafe.Sizeof(spiIocTransfer{}))
	assert.Equal(t, uint(0x40206B00), iocMessage1)
	assert.Equal(t, uint(0x40016B01), iocWrMode)
	assert.Equal(t, uint(0x40016B03), iocWrBitsPerWord)
	assert.Equal(t, uint(0x40046B04), iocWrMaxSpeedHz)
}

func TestNew_MissingNode(t *testing.T) {
	t.Parallel()
	_, err := New(filepath.Join(t.TempDir(), "spidev9.9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

func TestLinuxDevice_RejectsEmptyTransfer(t *testing.T) {
	t.Parallel()
	d := &linuxDevice{fd: -1}
	require.Error(t, d.transfer(nil, nil, DefaultSpeedHz, false))
}
