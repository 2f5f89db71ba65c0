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

package buspirate

import (
	"context"
	"errors"
	"testing"
	"time"

	sdspi "github.com/ZaparooProject/go-sdspi"
	testutil "github.com/ZaparooProject/go-sdspi/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// piratePort injects read errors ahead of the virtual adapter
type piratePort struct {
	*testutil.PiratePort
	readErrs []error
}

func newPiratePort(jitter testutil.JitterConfig) (*piratePort, *testutil.VirtualCard) {
	card := testutil.NewVirtualCard(testutil.DefaultCardConfig())
	return &piratePort{PiratePort: testutil.NewPiratePort(card, jitter)}, card
}

func (p *piratePort) Read(b []byte) (int, error) {
	if len(p.readErrs) > 0 {
		err := p.readErrs[0]
		p.readErrs = p.readErrs[1:]
		return 0, err
	}
	return p.PiratePort.Read(b)
}

func openPirate(t *testing.T, opts ...Option) (*Transport, *piratePort, *testutil.VirtualCard) {
	t.Helper()
	port, card := newPiratePort(testutil.DefaultJitterConfig())
	tr, err := NewFromPort(port, "/dev/ttyUSB0", opts...)
	require.NoError(t, err)
	return tr, port, card
}

func TestNewFromPort_EntersSPIMode(t *testing.T) {
	t.Parallel()
	tr, port, _ := openPirate(t)

	assert.True(t, port.Pirate.InSPIMode())
	assert.True(t, port.Pirate.Powered())
	assert.False(t, port.Pirate.ChipSelected())
	assert.Equal(t, byte(Speed250kHz), port.Pirate.Speed())
	assert.Equal(t, byte(configMode0), port.Pirate.SPIConfig())
	assert.Equal(t, 100*time.Millisecond, port.Timeout)
	assert.Equal(t, "/dev/ttyUSB0", tr.String())
	assert.Equal(t, sdspi.TransportBusPirate, tr.Type())
}

func TestNewFromPort_Options(t *testing.T) {
	t.Parallel()
	_, port, _ := openPirate(t, WithSpeed(Speed1MHz), WithPower(false), WithReadTimeout(time.Second))
	assert.Equal(t, byte(Speed1MHz), port.Pirate.Speed())
	assert.False(t, port.Pirate.Powered())
	assert.Equal(t, time.Second, port.Timeout)
}

func TestNewFromPort_InvalidSpeed(t *testing.T) {
	t.Parallel()
	port, _ := newPiratePort(testutil.DefaultJitterConfig())
	_, err := NewFromPort(port, "p", WithSpeed(Speed(8)))
	require.ErrorIs(t, err, sdspi.ErrInvalidParameter)
}

func TestNewFromPort_Silent(t *testing.T) {
	t.Parallel()
	port, _ := newPiratePort(testutil.DefaultJitterConfig())
	port.Pirate.Mute = true
	_, err := NewFromPort(port, "p")
	require.ErrorIs(t, err, ErrModeSwitch)
	assert.Len(t, port.Pirate.Written(), enterAttempts)
}

func TestNewFromPort_InterruptedRead(t *testing.T) {
	t.Parallel()
	port, _ := newPiratePort(testutil.JitterConfig{Seed: 5})
	port.readErrs = []error{errors.New("read: interrupted system call")}
	_, err := NewFromPort(port, "p")
	require.NoError(t, err)
}

func TestNewFromPort_ReadError(t *testing.T) {
	t.Parallel()
	port, _ := newPiratePort(testutil.JitterConfig{Seed: 5})
	port.readErrs = []error{errors.New("device unplugged")}
	_, err := NewFromPort(port, "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial read on p failed")
}

func TestTransport_ChipSelectModes(t *testing.T) {
	t.Parallel()
	tr, port, _ := openPirate(t)

	require.NoError(t, tr.SendByte(0xFF))
	assert.False(t, port.Pirate.ChipSelected(), "auto releases after each byte")

	require.NoError(t, tr.SetChipSelectMode(sdspi.ChipSelectHold))
	assert.True(t, port.Pirate.ChipSelected())
	b, err := tr.RecvByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), b)
	assert.True(t, port.Pirate.ChipSelected())

	require.NoError(t, tr.SetChipSelectMode(sdspi.ChipSelectDisabled))
	assert.False(t, port.Pirate.ChipSelected())

	written := len(port.Pirate.Written())
	require.NoError(t, tr.SendByte(0xFF))
	assert.Len(t, port.Pirate.Written(), written+2, "disabled sends no chip select commands")
}

func TestTransport_DiskRoundTrip(t *testing.T) {
	t.Parallel()
	tr, _, card := openPirate(t)

	d, err := sdspi.Open(tr)
	require.NoError(t, err)

	data := make([]byte, 2*512)
	for i := range data {
		data[i] = byte(i ^ 0x5A)
	}
	ctx := context.Background()
	require.NoError(t, d.Write(ctx, data, 10, 2))
	got := make([]byte, len(data))
	require.NoError(t, d.Read(ctx, got, 10, 2))
	assert.Equal(t, data, got)
	assert.Equal(t, data[:512], card.Block(10))
	require.NoError(t, d.Close())
}

func TestTransport_Close(t *testing.T) {
	t.Parallel()
	tr, port, _ := openPirate(t)

	require.NoError(t, tr.Close())
	assert.True(t, port.Closed)
	assert.True(t, port.Pirate.AtTerminal())
	require.NoError(t, tr.Close())

	require.ErrorIs(t, tr.SendByte(0), sdspi.ErrTransportClosed)
	_, err := tr.RecvByte()
	require.ErrorIs(t, err, sdspi.ErrTransportClosed)
	require.ErrorIs(t, tr.SetChipSelectMode(sdspi.ChipSelectHold), sdspi.ErrTransportClosed)
}

func TestTransport_AdapterGoesSilent(t *testing.T) {
	t.Parallel()
	tr, port, _ := openPirate(t)
	port.Pirate.Mute = true

	_, err := tr.RecvByte()
	require.ErrorIs(t, err, ErrNoResponse)
}
