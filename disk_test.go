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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
	testutil "github.com/ZaparooProject/go-sdspi/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_NilTransport(t *testing.T) {
	t.Parallel()
	_, err := Open(nil)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestOpen_InvalidConfig(t *testing.T) {
	t.Parallel()
	_, tr := newVirtualCard(testutil.DefaultCardConfig())
	cfg := DefaultConfig()
	cfg.ResponsePolls = 0

	_, err := Open(tr, WithConfig(cfg))
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestOpen_BringUpFailureHalts(t *testing.T) {
	t.Parallel()
	vc, tr := newVirtualCard(testutil.DefaultCardConfig())
	vc.SetStuck(true)
	h := &haltRecorder{}

	d, err := Open(tr, WithHalter(h))
	require.Error(t, err)
	assert.Nil(t, d)
	require.Equal(t, 1, h.count())

	var fe *FatalError
	require.ErrorAs(t, h.last(), &fe)
	assert.Equal(t, "bring-up", fe.Op)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepReset, se.Step)
}

func TestOpen_DefaultHalterPanics(t *testing.T) {
	t.Parallel()
	vc, tr := newVirtualCard(testutil.DefaultCardConfig())
	vc.SetStuck(true)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		var fe *FatalError
		require.ErrorAs(t, err, &fe)
		require.ErrorIs(t, err, ErrBusWedged)
	}()
	_, _ = Open(tr)
	t.Fatal("Open returned instead of halting")
}

func TestDisk_ReadWriteRoundTrip(t *testing.T) {
	t.Parallel()
	d, vc, h := openDisk(t, testutil.DefaultCardConfig())
	ctx := context.Background()

	single := pattern(0x01, SectorSize)
	require.NoError(t, d.Write(ctx, single, 7, 1))
	assert.Equal(t, single, vc.Block(7))

	multi := pattern(0x02, 5*SectorSize)
	require.NoError(t, d.Write(ctx, multi, 30, 5))

	got := make([]byte, SectorSize)
	require.NoError(t, d.Read(ctx, got, 7, 1))
	assert.Equal(t, single, got)

	got = make([]byte, 5*SectorSize)
	require.NoError(t, d.Read(ctx, got, 30, 5))
	assert.Equal(t, multi, got)

	assert.Zero(t, h.count())
	assert.Equal(t, 6, vc.BlocksWritten())
}

func TestDisk_StandardCapacityAddressing(t *testing.T) {
	t.Parallel()
	cfg := testutil.DefaultCardConfig()
	cfg.Capacity = testutil.StandardCapacity
	d, vc, h := openDisk(t, cfg, WithPlatform(PlatformBoard))
	require.Equal(t, CapacityStandard, d.Session().Capacity)

	data := pattern(0x0F, 2*SectorSize)
	require.NoError(t, d.Write(context.Background(), data, 3, 2))
	assert.Equal(t, data[:SectorSize], vc.Block(3))
	assert.Equal(t, data[SectorSize:], vc.Block(4))

	got := make([]byte, SectorSize)
	require.NoError(t, d.Read(context.Background(), got, 4, 1))
	assert.Equal(t, data[SectorSize:], got)
	assert.Zero(t, h.count())
}

func TestDisk_StandardCapacityRejectsSectorsPast4GiB(t *testing.T) {
	t.Parallel()
	cfg := testutil.DefaultCardConfig()
	cfg.Capacity = testutil.StandardCapacity
	d, vc, h := openDisk(t, cfg, WithPlatform(PlatformBoard))
	vc.Fill(0, 0xA5)
	vc.Fill(1, 0xA5)
	before := vc.Commands()
	ctx := context.Background()

	// 1<<23 sectors of 512 bytes is the first byte offset that wraps to 0
	data := pattern(0x3C, SectorSize)
	require.ErrorIs(t, d.Write(ctx, data, 1<<23, 1), ErrInvalidParameter)
	require.ErrorIs(t, d.Write(ctx, pattern(0x3C, 2*SectorSize), 1<<23-1, 2), ErrInvalidParameter)
	require.ErrorIs(t, d.Read(ctx, make([]byte, SectorSize), 1<<23+1, 1), ErrInvalidParameter)

	assert.Equal(t, bytes.Repeat([]byte{0xA5}, SectorSize), vc.Block(0))
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, SectorSize), vc.Block(1))
	assert.Equal(t, before, vc.Commands(), "rejected requests reached the card")
	assert.Zero(t, h.count())
}

func TestDisk_SingleReadRetryHoldsGuardOnce(t *testing.T) {
	t.Parallel()
	lk := &recordingLocker{}
	d, vc, h := openDisk(t, testutil.DefaultCardConfig(), WithGuard(lk))
	acquires, releases := lk.counts()
	require.Equal(t, 1, acquires)
	require.Equal(t, 1, releases)

	vc.DropReadTokens(1)
	require.NoError(t, d.Read(context.Background(), make([]byte, SectorSize), 0, 1))

	acquires, releases = lk.counts()
	assert.Equal(t, 2, acquires)
	assert.Equal(t, 2, releases)
	assert.Equal(t, 2, vc.CommandCount(frame.CmdReadSingleBlock))
	assert.Zero(t, h.count())
}

func TestDisk_SingleReadExhaustionHalts(t *testing.T) {
	t.Parallel()
	d, vc, h := openDisk(t, testutil.DefaultCardConfig())
	vc.DropReadTokens(100)

	err := d.Read(context.Background(), make([]byte, SectorSize), 0, 1)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	var re *RetryExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 5, vc.CommandCount(frame.CmdReadSingleBlock))
	require.Equal(t, 1, h.count())
	assert.Same(t, fe, h.last())
	assert.True(t, HasTrace(err))
}

func TestDisk_MultiReadChecksumHalts(t *testing.T) {
	t.Parallel()
	d, vc, h := openDisk(t, testutil.DefaultCardConfig())
	vc.CorruptBlock(1, 1)

	err := d.Read(context.Background(), make([]byte, 3*SectorSize), 0, 3)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.Equal(t, 1, h.count())
	assert.Equal(t, 2, vc.TokensSent())
	assert.Zero(t, vc.CommandCount(frame.CmdStopTransmission))
}

func TestDisk_RejectedWriteHalts(t *testing.T) {
	t.Parallel()
	d, vc, h := openDisk(t, testutil.DefaultCardConfig())
	vc.RejectWrites(1)

	err := d.Write(context.Background(), make([]byte, SectorSize), 0, 1)
	require.ErrorIs(t, err, ErrCardRejected)
	require.Equal(t, 1, h.count())
	assert.True(t, IsFatal(err))
}

func TestDisk_InvalidRequests(t *testing.T) {
	t.Parallel()
	lk := &recordingLocker{}
	d, vc, h := openDisk(t, testutil.DefaultCardConfig(), WithGuard(lk))
	ctx := context.Background()

	tests := []struct {
		req  *Request
		name string
	}{
		{name: "nil", req: nil},
		{name: "zero count", req: &Request{Buffer: nil, Count: 0}},
		{name: "short buffer", req: &Request{Buffer: make([]byte, SectorSize), Count: 2}},
		{name: "long buffer", req: &Request{Buffer: make([]byte, 3*SectorSize), Count: 2}},
		{name: "bad direction", req: &Request{Buffer: make([]byte, SectorSize), Count: 1, Direction: 9}},
	}

	for _, tt := range tests {
		err := d.Submit(ctx, tt.req)
		require.ErrorIs(t, err, ErrInvalidParameter, tt.name)
	}

	acquires, _ := lk.counts()
	assert.Equal(t, 1, acquires, "invalid requests never take the guard")
	assert.Zero(t, h.count())
	assert.Zero(t, vc.CommandCount(frame.CmdReadSingleBlock))
}

func TestDisk_CancelledContext(t *testing.T) {
	t.Parallel()
	d, vc, h := openDisk(t, testutil.DefaultCardConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Read(ctx, make([]byte, SectorSize), 0, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.count())
	assert.Zero(t, vc.CommandCount(frame.CmdReadSingleBlock))
}

func TestDisk_Close(t *testing.T) {
	t.Parallel()
	vc, tr := newVirtualCard(testutil.DefaultCardConfig())
	h := &haltRecorder{}
	d, err := Open(tr, WithHalter(h))
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err = d.Read(context.Background(), make([]byte, SectorSize), 0, 1)
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, h.count())
	assert.Zero(t, vc.CommandCount(frame.CmdReadSingleBlock))
	require.ErrorIs(t, tr.SendByte(0xFF), ErrTransportClosed)
}

func TestDisk_GuardCoversAllWireTraffic(t *testing.T) {
	t.Parallel()
	vc, tr := newVirtualCard(testutil.DefaultCardConfig())
	log := &eventLog{}
	rt := &recordingTransport{Transport: tr, log: log}
	lk := &recordingLocker{log: log}
	h := &haltRecorder{}

	d, err := Open(rt, WithHalter(h), WithGuard(lk))
	require.NoError(t, err)
	for i := range 8 {
		vc.Fill(uint32(i), byte(i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func(sector uint32) {
			defer wg.Done()
			n := uint32(1 + sector%2)
			buf := make([]byte, int(n)*SectorSize)
			if err := d.Read(context.Background(), buf, sector, n); err != nil {
				errs <- err
				return
			}
			if buf[0] != byte(sector) {
				errs <- errors.New("wrong data")
			}
		}(uint32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Zero(t, h.count())

	inside := false
	commands := 0
	for i, e := range log.snapshot() {
		switch e {
		case "acquire":
			require.False(t, inside, "nested acquire at event %d", i)
			inside = true
		case "release":
			require.True(t, inside, "release without acquire at event %d", i)
			inside = false
		case "hold":
			commands++
			require.True(t, inside, "command outside the guard at event %d", i)
		default:
			require.True(t, inside, "bus traffic outside the guard at event %d", i)
		}
	}
	assert.False(t, inside)
	assert.Positive(t, commands)
}

func TestDisk_ReadBlocksWriteBlocks(t *testing.T) {
	t.Parallel()
	d, vc, h := openDisk(t, testutil.DefaultCardConfig())
	assert.Equal(t, 512, d.BlockSize())

	data := pattern(0x99, 2*SectorSize)
	require.NoError(t, d.WriteBlocks(data, 12))
	assert.Equal(t, data[SectorSize:], vc.Block(13))

	got := make([]byte, 2*SectorSize)
	require.NoError(t, d.ReadBlocks(got, 12))
	assert.Equal(t, data, got)

	require.ErrorIs(t, d.ReadBlocks(got, -1), ErrInvalidParameter)
	require.ErrorIs(t, d.ReadBlocks(make([]byte, 100), 0), ErrInvalidParameter)
	require.ErrorIs(t, d.WriteBlocks(nil, 0), ErrInvalidParameter)
	require.ErrorIs(t, d.ReadBlocks(got, int64(1)<<33), ErrInvalidParameter)
	assert.Zero(t, h.count())
}

func TestDisk_ReturningHalterSeesEveryFailure(t *testing.T) {
	t.Parallel()
	var got []error
	var mu sync.Mutex
	halter := HaltFunc(func(err error) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	})
	vc, tr := newVirtualCard(testutil.DefaultCardConfig())
	d, err := Open(tr, WithHalter(halter))
	require.NoError(t, err)

	vc.RejectWrites(2)
	for range 2 {
		err = d.Write(context.Background(), make([]byte, SectorSize), 1, 1)
		require.Error(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for _, e := range got {
		var fe *FatalError
		require.ErrorAs(t, e, &fe)
		assert.Contains(t, fe.Op, "write 1 sector(s) at 1")
	}
}

func TestDirection_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "read", DirectionRead.String())
	assert.Equal(t, "write", DirectionWrite.String())
}
