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

// Platform selects a bring-up variant.
type Platform string

const (
	// PlatformBoard is real hardware: CMD58 is sent to learn the capacity class.
	PlatformBoard Platform = "board"
	// PlatformEmulated is an emulator without CMD58. Cards are treated as
	// standard capacity and addressed in bytes.
	PlatformEmulated Platform = "emulated"
)

// DefaultPlatform returns the platform selected at build time. Build with
// -tags=sdspi_emulated to default to PlatformEmulated.
func DefaultPlatform() Platform {
	return defaultPlatform
}

// probesOCR reports whether bring-up sends CMD58
func (p Platform) probesOCR() bool {
	return p != PlatformEmulated
}
