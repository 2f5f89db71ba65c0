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

import "time"

// Default poll and retry budgets. These are iteration counts.
const (
	// DefaultResponsePolls bounds a response leading-byte poll. A card's SPI
	// decoder answers within a handful of bytes (Ncr is at most 8).
	DefaultResponsePolls = 10
	// DefaultReadTokenPolls bounds the start token poll of a single-block read.
	DefaultReadTokenPolls = 20
	// DefaultSingleReadAttempts is the whole-operation budget of a single-block
	// read, shared between missing tokens and CRC16 mismatches.
	DefaultSingleReadAttempts = 5
	// DefaultCommandRetries is the per-step bring-up budget.
	DefaultCommandRetries = 10
	// DefaultBusyPolls bounds each not-busy wait.
	DefaultBusyPolls = 10
	// DefaultDataResponsePolls bounds the wait for a write's data response.
	DefaultDataResponsePolls = 10
	// DefaultPowerUpClocks is ten filler bytes, the 74+ clocks a card needs
	// after power-on.
	DefaultPowerUpClocks = 10
	// DefaultTokenGap is the pause before each multi-block write token.
	DefaultTokenGap = time.Microsecond
)

// Budgets for a physical card. Read access time (Nac) can reach 100ms and
// write busy 250ms; at 1MHz one byte takes 8us.
const (
	HardwareResponsePolls     = 64
	HardwareReadTokenPolls    = 20000
	HardwareCommandRetries    = 100
	HardwareBusyPolls         = 100000
	HardwareDataResponsePolls = 16
)

// Backoff between bring-up attempts on hardware. ACMD41 may take up to a
// second to report power-up complete.
const (
	HardwareInitialBackoff    = 5 * time.Millisecond
	HardwareMaxBackoff        = 50 * time.Millisecond
	HardwareBackoffMultiplier = 2.0
	HardwareJitter            = 0.1
)
