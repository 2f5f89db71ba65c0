// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sdspi

import (
	"testing"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
	testutil "github.com/ZaparooProject/go-sdspi/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyCard(t *testing.T, cfg testutil.CardConfig, opts ...Option) (*Card, *testutil.VirtualCard) {
	t.Helper()
	c, vc, _, err := initCard(t, cfg, opts...)
	require.NoError(t, err)
	return c, vc
}

func TestReadSingle(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	want := pattern(0x5A, SectorSize)
	require.NoError(t, vc.SetBlock(9, want))

	got := make([]byte, SectorSize)
	require.NoError(t, c.readSingle(got, 9))
	assert.Equal(t, want, got)
	assert.Equal(t, 1, vc.CommandCount(frame.CmdReadSingleBlock))
}

func TestReadSingle_RetriesMissingToken(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.Fill(2, 0xC3)
	vc.DropReadTokens(1)

	got := make([]byte, SectorSize)
	require.NoError(t, c.readSingle(got, 2))
	assert.Equal(t, byte(0xC3), got[0])
	assert.Equal(t, 2, vc.CommandCount(frame.CmdReadSingleBlock))
}

func TestReadSingle_RetriesBadChecksum(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.Fill(4, 0x11)
	vc.CorruptBlock(4, 2)

	got := make([]byte, SectorSize)
	require.NoError(t, c.readSingle(got, 4))
	assert.Equal(t, byte(0x11), got[SectorSize-1])
	assert.Equal(t, 3, vc.CommandCount(frame.CmdReadSingleBlock))
}

func TestReadSingle_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.DropReadTokens(100)

	err := c.readSingle(make([]byte, SectorSize), 0)
	var re *RetryExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, DefaultSingleReadAttempts, re.Attempts)
	require.ErrorIs(t, err, ErrBusTimeout)
	assert.Equal(t, DefaultSingleReadAttempts, vc.CommandCount(frame.CmdReadSingleBlock))
}

func TestReadMultiple(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	want := make([]byte, 0, 4*SectorSize)
	for i := range 4 {
		block := pattern(byte(i+1), SectorSize)
		require.NoError(t, vc.SetBlock(uint32(10+i), block))
		want = append(want, block...)
	}

	got := make([]byte, 4*SectorSize)
	require.NoError(t, c.readMultiple(got, 10, 4))
	assert.Equal(t, want, got)
	assert.Equal(t, 1, vc.CommandCount(frame.CmdReadMultipleBlock))
	assert.Equal(t, 1, vc.CommandCount(frame.CmdStopTransmission))
}

func TestReadMultiple_ChecksumFailsStream(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.CorruptBlock(1, 1)

	err := c.readMultiple(make([]byte, 3*SectorSize), 0, 3)
	requireKind(t, err, KindChecksum)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "block 2 of 3")
	assert.Equal(t, 2, vc.TokensSent(), "no block after the bad one is read")
	assert.Zero(t, vc.CommandCount(frame.CmdStopTransmission))
	assert.Equal(t, 1, vc.CommandCount(frame.CmdReadMultipleBlock), "streams are not retried")
}

func TestReadMultiple_MissingTokenFailsStream(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.DropReadTokens(100)

	err := c.readMultiple(make([]byte, 2*SectorSize), 0, 2)
	requireKind(t, err, KindBusTimeout)
	assert.Contains(t, err.Error(), "block 1 of 2")
	assert.Zero(t, vc.TokensSent())
}

func TestWriteSingle(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	data := pattern(0x33, SectorSize)

	require.NoError(t, c.writeSingle(data, 5))
	assert.Equal(t, data, vc.Block(5))
	assert.Equal(t, 1, vc.BlocksWritten())
}

func TestWriteSingle_CommandRetries(t *testing.T) {
	t.Parallel()
	cfg := testutil.DefaultCardConfig()
	c, vc := readyCard(t, cfg)

	err := c.writeSingle(make([]byte, SectorSize), uint32(cfg.Blocks))
	var re *RetryExhaustedError
	require.ErrorAs(t, err, &re)
	pe := requireKind(t, err, KindRejected)
	assert.Equal(t, byte(frame.R1ParameterError), pe.Status)
	assert.Equal(t, DefaultCommandRetries, vc.CommandCount(frame.CmdWriteBlock))
	assert.Zero(t, vc.BlocksWritten())
}

func TestWriteSingle_RejectedDataIsFinal(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.RejectWrites(1)

	err := c.writeSingle(make([]byte, SectorSize), 0)
	pe := requireKind(t, err, KindRejected)
	assert.Equal(t, byte(0xED), pe.Status)
	assert.Equal(t, 1, vc.CommandCount(frame.CmdWriteBlock), "data phase is not retried")
}

func TestWriteMultiple(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	data := pattern(0x77, 3*SectorSize)

	require.NoError(t, c.writeMultiple(data, 20, 3))
	for i := range 3 {
		assert.Equal(t, data[i*SectorSize:(i+1)*SectorSize], vc.Block(uint32(20+i)))
	}
	assert.Equal(t, 3, vc.BlocksWritten())
	assert.Equal(t, 1, vc.CommandCount(frame.CmdWriteMultipleBlock))

	got := make([]byte, 3*SectorSize)
	require.NoError(t, c.readMultiple(got, 20, 3))
	assert.Equal(t, data, got)
}

func TestWriteMultiple_RejectStopsStream(t *testing.T) {
	t.Parallel()
	c, vc := readyCard(t, testutil.DefaultCardConfig())
	vc.RejectWrites(1)

	err := c.writeMultiple(make([]byte, 2*SectorSize), 0, 2)
	requireKind(t, err, KindRejected)
	assert.Contains(t, err.Error(), "block 1 of 2")
	assert.Zero(t, vc.BlocksWritten())
}

func TestWrite_CRCTrailer(t *testing.T) {
	t.Parallel()
	cfg := testutil.DefaultCardConfig()
	cfg.CheckWriteCRC = true
	data := pattern(0x42, SectorSize)

	t.Run("filler trailer is refused by a checking card", func(t *testing.T) {
		t.Parallel()
		c, vc := readyCard(t, cfg)
		err := c.writeSingle(data, 1)
		pe := requireKind(t, err, KindRejected)
		assert.Equal(t, byte(0xEB), pe.Status)
		assert.Zero(t, vc.BlocksWritten())
	})

	t.Run("real trailer", func(t *testing.T) {
		t.Parallel()
		hw := DefaultConfig()
		hw.SendWriteCRC = true
		c, vc := readyCard(t, cfg, WithConfig(hw))
		require.NoError(t, c.writeSingle(data, 1))
		require.NoError(t, c.writeMultiple(append(data, data...), 2, 2))
		assert.Equal(t, 3, vc.BlocksWritten())
		assert.Equal(t, data, vc.Block(3))
	})
}

func TestBlockTrailer(t *testing.T) {
	t.Parallel()
	c, _ := newMockCard(t)
	block := make([]byte, SectorSize)
	assert.Equal(t, [2]byte{0xFF, 0xFF}, c.blockTrailer(block))

	cfg := DefaultConfig()
	cfg.SendWriteCRC = true
	c, _ = newMockCard(t, WithConfig(cfg))
	assert.Equal(t, [2]byte{0x00, 0x00}, c.blockTrailer(block))
}

func TestWaitDataResponse(t *testing.T) {
	t.Parallel()

	c, m := newMockCard(t)
	m.QueueRx(0xFF, 0xFF, 0xE5)
	require.NoError(t, c.waitDataResponse("test"))

	c, m = newMockCard(t)
	m.QueueRx(0x0B)
	requireKind(t, c.waitDataResponse("test"), KindRejected)

	// accepted status in the low nibble, but bit 4 is not zero
	c, m = newMockCard(t)
	m.QueueRx(0x15)
	requireKind(t, c.waitDataResponse("test"), KindRejected)

	c, _ = newMockCard(t)
	requireKind(t, c.waitDataResponse("test"), KindBusTimeout)
}
