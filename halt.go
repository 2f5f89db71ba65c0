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

// Halter receives every fatal error from a Disk. There is no degraded mode:
// once a Halter is called the card state is unknown and the Disk must not be
// used again.
type Halter interface {
	Halt(err error)
}

// HaltFunc adapts a function to the Halter interface
type HaltFunc func(err error)

// Halt calls f(err)
func (f HaltFunc) Halt(err error) {
	f(err)
}

// PanicHalter logs the error and its wire trace, then panics with it. It is
// the default Halter.
type PanicHalter struct{}

// Halt implements Halter
func (PanicHalter) Halt(err error) {
	Debugf("halt: %v", err)
	if te := GetTrace(err); te != nil {
		Debugln(te.FormatTrace())
	}
	panic(err)
}
