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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// SectorSize is the size of one logical sector
const SectorSize = frame.BlockSize

// Direction of a block I/O request
type Direction uint8

const (
	// DirectionRead copies sectors from the card into the buffer
	DirectionRead Direction = iota
	// DirectionWrite copies the buffer onto the card
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "read"
}

// Request is one block I/O request from a storage layer. Buffer must hold
// exactly Count sectors.
type Request struct {
	Buffer    []byte
	Sector    uint32
	Count     uint32
	Direction Direction
}

// Disk serializes sector I/O to one card. Every call holds the Transfer Guard
// for its whole duration, retries included. Any failure that reaches a Disk
// is fatal and goes to its Halter.
type Disk struct {
	card    *Card
	guard   sync.Locker
	halter  Halter
	session Session
}

// Open brings the card on t up and returns a Disk for it. A failed bring-up
// is fatal: it goes to the Halter, and if the Halter returns, Open returns
// the error.
func Open(t Transport, opts ...Option) (*Disk, error) {
	if t == nil {
		return nil, ErrInvalidParameter
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	d := newDisk(t, o)
	if err := d.bringUp(); err != nil {
		return nil, d.halt("bring-up", err)
	}
	return d, nil
}

func newDisk(t Transport, o *options) *Disk {
	return &Disk{
		card:   newCard(t, o),
		guard:  o.guard,
		halter: o.halter,
	}
}

// bringUp runs Init under the guard and records the session
func (d *Disk) bringUp() error {
	d.guard.Lock()
	defer d.guard.Unlock()
	s, err := d.card.Init()
	if err != nil {
		return err
	}
	d.session = *s
	return nil
}

// Read fills buf with count sectors starting at sector
func (d *Disk) Read(ctx context.Context, buf []byte, sector, count uint32) error {
	return d.Submit(ctx, &Request{Buffer: buf, Sector: sector, Count: count, Direction: DirectionRead})
}

// Write stores count sectors from buf starting at sector
func (d *Disk) Write(ctx context.Context, buf []byte, sector, count uint32) error {
	return d.Submit(ctx, &Request{Buffer: buf, Sector: sector, Count: count, Direction: DirectionWrite})
}

// Submit runs one request. ctx is checked once before the guard is taken;
// after that the transfer runs to completion. An invalid request, including
// one reaching past the card's address space, returns ErrInvalidParameter
// without touching the card.
func (d *Disk) Submit(ctx context.Context, req *Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if err := d.session.CheckRange(req.Sector, req.Count); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s cancelled before start: %w", req.Direction, err)
	}

	op := fmt.Sprintf("%s %d sector(s) at %d", req.Direction, req.Count, req.Sector)
	if err := d.transfer(req); err != nil {
		if errors.Is(err, ErrNotInitialized) {
			return err
		}
		return d.halt(op, err)
	}
	return nil
}

func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidParameter)
	}
	if req.Count == 0 {
		return fmt.Errorf("%w: sector count must be at least 1", ErrInvalidParameter)
	}
	if uint64(len(req.Buffer)) != uint64(req.Count)*SectorSize {
		return fmt.Errorf("%w: buffer is %d bytes, %d sector(s) need %d",
			ErrInvalidParameter, len(req.Buffer), req.Count, uint64(req.Count)*SectorSize)
	}
	if req.Direction != DirectionRead && req.Direction != DirectionWrite {
		return fmt.Errorf("%w: direction %d", ErrInvalidParameter, req.Direction)
	}
	return nil
}

func (d *Disk) transfer(req *Request) error {
	d.guard.Lock()
	defer d.guard.Unlock()

	if d.card == nil {
		return fmt.Errorf("%w: disk is closed", ErrNotInitialized)
	}
	c := d.card
	c.bus.begin()

	addr := d.session.Address(req.Sector)
	n := int(req.Count)
	var err error
	switch {
	case req.Direction == DirectionRead && n == 1:
		err = c.readSingle(req.Buffer, addr)
	case req.Direction == DirectionRead:
		err = c.readMultiple(req.Buffer, addr, n)
	case n == 1:
		err = c.writeSingle(req.Buffer, addr)
	default:
		err = c.writeMultiple(req.Buffer, addr, n)
	}
	return c.bus.trace.WrapError(err)
}

// halt hands a fatal error to the Halter and returns it for the case where
// the Halter does not stop the program.
func (d *Disk) halt(op string, err error) error {
	fe := &FatalError{Op: op, Err: err}
	Debugf("fatal: %v", fe)
	d.halter.Halt(fe)
	return fe
}

// ReadBlocks reads len(dst)/512 sectors starting at start. It lets a Disk
// serve as the block device of a FAT filesystem.
func (d *Disk) ReadBlocks(dst []byte, start int64) error {
	count, err := blockCount(dst, start)
	if err != nil {
		return err
	}
	return d.Read(context.Background(), dst, uint32(start), count)
}

// WriteBlocks writes len(src)/512 sectors starting at start
func (d *Disk) WriteBlocks(src []byte, start int64) error {
	count, err := blockCount(src, start)
	if err != nil {
		return err
	}
	return d.Write(context.Background(), src, uint32(start), count)
}

func blockCount(buf []byte, start int64) (uint32, error) {
	if start < 0 || start > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: start sector %d", ErrInvalidParameter, start)
	}
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("%w: buffer of %d bytes is not whole sectors", ErrInvalidParameter, len(buf))
	}
	return uint32(len(buf) / SectorSize), nil
}

// BlockSize returns the sector size in bytes
func (*Disk) BlockSize() int {
	return SectorSize
}

// Session returns what bring-up learned about the card
func (d *Disk) Session() Session {
	return d.session
}

// Close waits for any transfer in flight and closes the transport
func (d *Disk) Close() error {
	d.guard.Lock()
	defer d.guard.Unlock()
	if d.card == nil {
		return nil
	}
	t := d.card.Transport()
	d.card = nil
	if err := t.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}
