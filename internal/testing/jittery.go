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

package testing

import (
	"io"
	"math/rand/v2"
	"time"
)

// JitterConfig shapes how a JitteryPort delivers reads.
type JitterConfig struct {
	MaxLatency time.Duration
	// FragmentMinBytes is the smallest chunk a fragmented read returns
	FragmentMinBytes int
	Seed             uint64
	FragmentReads    bool
	// USBBoundaryStress splits reads at 64-byte USB packet boundaries
	USBBoundaryStress bool
}

// DefaultJitterConfig fragments reads down to single bytes without latency.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryPort wraps a serial backend and hands back its answers in random
// fragments after random delays, the way USB serial bridges (FTDI, CDC-ACM)
// do. Data is buffered so fragmentation never loses bytes.
type JitteryPort struct {
	backend   io.ReadWriter
	rng       *rand.Rand
	buf       []byte
	config    JitterConfig
	delivered int
	reads     int
}

// NewJitteryPort wraps backend. A zero Seed picks a random one.
func NewJitteryPort(backend io.ReadWriter, config JitterConfig) *JitteryPort {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // test jitter
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}
	return &JitteryPort{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // test jitter
		buf:     make([]byte, 0, 1024),
	}
}

// Write passes through unchanged
func (j *JitteryPort) Write(data []byte) (int, error) {
	return j.backend.Write(data) //nolint:wrapcheck // pass-through
}

// Read returns a fragment of what the backend has answered.
func (j *JitteryPort) Read(p []byte) (int, error) {
	if j.config.MaxLatency > 0 {
		time.Sleep(time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)))
	}

	if len(j.buf) == 0 {
		tmp := make([]byte, 1024)
		n, err := j.backend.Read(tmp)
		if err != nil || n == 0 {
			return 0, err //nolint:wrapcheck // pass-through
		}
		j.buf = append(j.buf, tmp[:n]...)
	}

	n := min(len(j.buf), len(p))
	if j.config.USBBoundaryStress {
		if edge := 64 - j.delivered%64; edge < n {
			n = edge
		}
	}
	if j.config.FragmentReads && n > j.config.FragmentMinBytes {
		n = j.config.FragmentMinBytes + j.rng.IntN(n-j.config.FragmentMinBytes+1)
	}

	copy(p, j.buf[:n])
	j.buf = j.buf[n:]
	j.delivered += n
	j.reads++
	return n, nil
}

// Reads returns how many non-empty reads were served
func (j *JitteryPort) Reads() int {
	return j.reads
}

// Clear drops buffered data
func (j *JitteryPort) Clear() {
	j.buf = j.buf[:0]
}
