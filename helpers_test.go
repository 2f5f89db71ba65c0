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
	"sync"
	"testing"

	testutil "github.com/ZaparooProject/go-sdspi/internal/testing"
	"github.com/stretchr/testify/require"
)

// newVirtualCard returns a card and a transport wired to it
func newVirtualCard(cfg testutil.CardConfig) (*testutil.VirtualCard, *ExchangeTransport) {
	card := testutil.NewVirtualCard(cfg)
	return card, NewExchangeTransport(card)
}

// haltRecorder is a Halter that records instead of stopping
type haltRecorder struct {
	errs []error
	mu   sync.Mutex
}

func (h *haltRecorder) Halt(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *haltRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func (h *haltRecorder) last() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) == 0 {
		return nil
	}
	return h.errs[len(h.errs)-1]
}

// eventLog is an ordered record shared by a recordingTransport and a
// recordingLocker
type eventLog struct {
	events []string
	mu     sync.Mutex
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// recordingTransport logs "io" for every byte and "hold" for every command
// frame start
type recordingTransport struct {
	Transport
	log *eventLog
}

func (r *recordingTransport) SendByte(b byte) error {
	r.log.add("io")
	return r.Transport.SendByte(b)
}

func (r *recordingTransport) RecvByte() (byte, error) {
	r.log.add("io")
	return r.Transport.RecvByte()
}

func (r *recordingTransport) SetChipSelectMode(m ChipSelectMode) error {
	if m == ChipSelectHold {
		r.log.add("hold")
	}
	return r.Transport.SetChipSelectMode(m)
}

// recordingLocker logs acquire and release and counts them
type recordingLocker struct {
	log      *eventLog
	mu       sync.Mutex
	acquires int
	releases int
	stats    sync.Mutex
}

func (r *recordingLocker) Lock() {
	r.mu.Lock()
	r.stats.Lock()
	r.acquires++
	r.stats.Unlock()
	if r.log != nil {
		r.log.add("acquire")
	}
}

func (r *recordingLocker) Unlock() {
	if r.log != nil {
		r.log.add("release")
	}
	r.stats.Lock()
	r.releases++
	r.stats.Unlock()
	r.mu.Unlock()
}

func (r *recordingLocker) counts() (acquires, releases int) {
	r.stats.Lock()
	defer r.stats.Unlock()
	return r.acquires, r.releases
}

// openDisk brings a virtual card up behind a Disk with a recording halter
func openDisk(t *testing.T, cfg testutil.CardConfig, opts ...Option) (*Disk, *testutil.VirtualCard, *haltRecorder) {
	t.Helper()
	card, tr := newVirtualCard(cfg)
	h := &haltRecorder{}
	d, err := Open(tr, append([]Option{WithHalter(h)}, opts...)...)
	require.NoError(t, err)
	require.Zero(t, h.count())
	return d, card, h
}

func pattern(seed byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed ^ byte(i*31) ^ byte(i>>8)
	}
	return data
}
