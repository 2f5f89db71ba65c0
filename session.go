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
	"fmt"
	"math"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// Capacity is the card's capacity class
type Capacity uint8

const (
	// CapacityStandard is SDSC: byte addressed, block length set by CMD16.
	CapacityStandard Capacity = iota
	// CapacityHigh is SDHC or SDXC: block addressed, block length fixed at 512.
	CapacityHigh
)

func (c Capacity) String() string {
	switch c {
	case CapacityStandard:
		return "SDSC"
	case CapacityHigh:
		return "SDHC/SDXC"
	default:
		return fmt.Sprintf("Capacity(%d)", uint8(c))
	}
}

// Session is what bring-up learned about the card. It does not change until
// the card is brought up again.
type Session struct {
	Platform   Platform
	OCR        uint32
	BlockLen   int
	Capacity   Capacity
	CRCEnabled bool
	Ready      bool
}

// Sectors past these limits have no 32-bit card address. Standard capacity
// cards take byte offsets, so they stop at 4GiB.
const (
	maxStandardSectors uint64 = (math.MaxUint32 + 1) / frame.BlockSize
	maxHighSectors     uint64 = math.MaxUint32 + 1
)

// CheckRange returns ErrInvalidParameter unless every sector of
// [sector, sector+count) has a card address.
func (s Session) CheckRange(sector, count uint32) error {
	limit := maxHighSectors
	if s.Capacity == CapacityStandard {
		limit = maxStandardSectors
	}
	if end := uint64(sector) + uint64(count); end > limit {
		return fmt.Errorf("%w: sectors %d-%d are beyond the %d addressable on %s",
			ErrInvalidParameter, sector, end-1, limit, s.Capacity)
	}
	return nil
}

// Address translates a sector number to the card's native address: a byte
// offset on standard capacity cards, the sector itself otherwise. The sector
// must have passed CheckRange.
func (s Session) Address(sector uint32) uint32 {
	if s.Capacity == CapacityStandard {
		return sector * frame.BlockSize
	}
	return sector
}

func (s Session) String() string {
	return fmt.Sprintf("%s block=%d crc=%t ocr=0x%08X platform=%s",
		s.Capacity, s.BlockLen, s.CRCEnabled, s.OCR, s.Platform)
}
