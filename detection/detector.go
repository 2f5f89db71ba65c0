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

// Package detection finds SD card adapters: spidev nodes, periph.io SPI
// ports and Bus Pirates on USB serial ports. Transport-specific detectors
// live in subpackages and register themselves on import.
package detection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ZaparooProject/go-sdspi/internal/syncutil"
)

// Mode is how far a detector may go to confirm a card
type Mode int

const (
	// Passive only enumerates device nodes and USB descriptors
	Passive Mode = iota
	// Safe clocks a software reset (CMD0) and looks for the idle status
	Safe
	// Full runs the complete bring-up sequence
	Full
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Safe:
		return "safe"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Confidence is how sure a detector is that a card answers at Path
type Confidence int

const (
	// Low means the adapter exists but nothing was sent to it
	Low Confidence = iota
	// Medium means a card answered the reset
	Medium
	// High means the card completed bring-up
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one detected adapter
type DeviceInfo struct {
	// Metadata holds detector specific details such as "vidpid",
	// "cs_pin" or the card's "capacity"
	Metadata map[string]string
	// Transport is "spidev", "spi" or "buspirate"
	Transport string
	// Path is what the transport opens (e.g. "/dev/spidev0.0", "/dev/ttyUSB0")
	Path       string
	Name       string
	Confidence Confidence
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// Options configures detection
type Options struct {
	// Blocklist holds USB VID:PID pairs never to probe
	Blocklist []string
	// IgnorePaths holds device paths never to probe
	IgnorePaths []string
	// Transports limits which detectors run (empty = all)
	Transports []string
	CacheTTL   time.Duration
	// Timeout bounds the whole detection run
	Timeout     time.Duration
	Mode        Mode
	EnableCache bool
}

// DefaultOptions returns sensible default detection options
func DefaultOptions() Options {
	return Options{
		Mode:        Safe,
		Timeout:     5 * time.Second,
		Blocklist:   DefaultBlocklist(),
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Detector finds adapters of one transport type
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound means no detector found an adapter
	ErrNoDevicesFound = errors.New("no SD card adapters found")
	// ErrDetectionTimeout means detection did not finish within Options.Timeout
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrUnsupportedPlatform means a detector cannot run on this OS
	ErrUnsupportedPlatform = errors.New("platform not supported")
	// ErrNoDetectors means no registered detector matches Options.Transports
	ErrNoDetectors = errors.New("no detectors available for specified transports")
)

var (
	registry   []Detector
	registryMu syncutil.Mutex
)

// RegisterDetector adds a detector to the registry
func RegisterDetector(d Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, d)
}

// getDetectors returns the registered detectors for transports
func getDetectors(transports []string) []Detector {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(transports) == 0 {
		return slices.Clone(registry)
	}
	var filtered []Detector
	for _, d := range registry {
		if slices.Contains(transports, d.Transport()) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs every matching detector in parallel and merges their
// results, best confidence first. Detector failures are reported only when
// nothing was found.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	detectors := getDetectors(opts.Transports)
	if len(detectors) == 0 {
		return nil, ErrNoDetectors
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan detectionResult, len(detectors))
	for _, d := range detectors {
		go func() {
			results <- runDetector(ctx, d, opts)
		}()
	}

	var devices []DeviceInfo
	var errs []error
	for range detectors {
		select {
		case res := <-results:
			if res.err != nil {
				errs = append(errs, res.err)
				continue
			}
			devices = append(devices, res.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(devices) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, ErrNoDevicesFound
	}
	slices.SortStableFunc(devices, func(a, b DeviceInfo) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return devices, nil
}

func runDetector(ctx context.Context, d Detector, opts *Options) detectionResult {
	if opts.EnableCache {
		if cached, ok := getCached(d.Transport(), opts.Mode, opts.CacheTTL); ok {
			// cached results skipped Detect, so filter them again
			return detectionResult{devices: FilterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return detectionResult{err: fmt.Errorf("%s detection failed: %w", d.Transport(), err)}
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			setCached(d.Transport(), opts.Mode, devices)
		} else {
			// a card that was removed must not linger until the TTL expires
			clearCacheForTransport(d.Transport())
		}
	}
	return detectionResult{devices: devices}
}

// ClearDetectionCache removes all cached detection results
func ClearDetectionCache() {
	clearCache()
}

// ClearDetectionCacheForTransport removes cached results for a specific transport
func ClearDetectionCacheForTransport(transport string) {
	clearCacheForTransport(transport)
}
