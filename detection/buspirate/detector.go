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

// Package buspirate detects Bus Pirate adapters on USB serial ports and,
// depending on the mode, probes them for a card.
package buspirate

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/detection"
	"github.com/ZaparooProject/go-sdspi/detection/probe"
	"github.com/ZaparooProject/go-sdspi/transport/buspirate"
	"go.bug.st/serial/enumerator"
)

const probeTimeout = 3 * time.Second

// knownAdapters maps USB IDs to the Bus Pirate hardware that uses them
var knownAdapters = map[string]string{
	"0403:6001": "Bus Pirate v3 (FT232R)",
	"04D8:FB00": "Bus Pirate v4",
	"04D8:FB01": "Bus Pirate v4 bootloader",
	"1209:7331": "Bus Pirate 5",
}

// Hooks replaced in tests
var (
	listPorts     = enumerator.GetDetailedPortsList
	openTransport = func(path string) (sdspi.Transport, error) {
		return buspirate.New(path)
	}
)

type detector struct{}

// New creates a new Bus Pirate detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return string(sdspi.TransportBusPirate)
}

// Detect searches USB serial ports. Passive and Safe only consider ports
// with a known Bus Pirate USB ID; Full also probes unknown USB ports.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		select {
		case <-ctx.Done():
			return devices, detection.ErrDetectionTimeout
		default:
		}
		if device, ok := processPort(ctx, port, opts); ok {
			devices = append(devices, device)
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func processPort(ctx context.Context, port *enumerator.PortDetails, opts *detection.Options) (detection.DeviceInfo, bool) {
	if !port.IsUSB {
		return detection.DeviceInfo{}, false
	}
	vidpid := detection.ParseVIDPID(port.VID + ":" + port.PID)
	if vidpid != "" && detection.IsBlocked(vidpid, opts.Blocklist) {
		return detection.DeviceInfo{}, false
	}
	if detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}

	name, known := knownAdapters[vidpid]
	if !known && opts.Mode != detection.Full {
		return detection.DeviceInfo{}, false
	}
	if !known {
		name = fmt.Sprintf("USB serial port %s", port.Name)
	}

	device := detection.DeviceInfo{
		Transport:  string(sdspi.TransportBusPirate),
		Path:       port.Name,
		Name:       name,
		Confidence: detection.Low,
		Metadata:   map[string]string{},
	}
	if vidpid != "" {
		device.Metadata["vidpid"] = vidpid
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	if opts.Mode == detection.Passive {
		return device, true
	}

	res, err := probePort(ctx, port.Name, opts.Mode)
	if err != nil {
		sdspi.Debugf("buspirate detection: probe %s: %v", port.Name, err)
		// a known adapter without a card is still worth reporting
		if known {
			device.Metadata["probe_error"] = err.Error()
			return device, true
		}
		return detection.DeviceInfo{}, false
	}
	device.Confidence = res.Confidence
	for k, v := range res.Metadata {
		device.Metadata[k] = v
	}
	return device, true
}

// probePort makes one attempt; mode-switch bytes sent to a device that is
// not a Bus Pirate are not retried.
func probePort(ctx context.Context, path string, mode detection.Mode) (probe.Result, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	t, err := openTransport(path)
	if err != nil {
		return probe.Result{}, err
	}
	defer func() { _ = t.Close() }()
	return probe.Card(probeCtx, t, mode)
}

// IsBusPirate reports whether a USB VID:PID belongs to a Bus Pirate
func IsBusPirate(vidpid string) bool {
	_, ok := knownAdapters[strings.ToUpper(vidpid)]
	return ok
}
