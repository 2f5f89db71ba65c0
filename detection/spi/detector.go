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

// Package spi detects SD cards on SPI buses. It registers two detectors:
// "spidev" opens nodes through the kernel spidev driver and "spi" opens
// them, and any other registered port such as an FTDI bridge, through
// periph.io.
package spi

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/detection"
	"github.com/ZaparooProject/go-sdspi/detection/probe"
	spitransport "github.com/ZaparooProject/go-sdspi/transport/spi"
	"github.com/ZaparooProject/go-sdspi/transport/spidev"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const probeTimeout = 2 * time.Second

// Config describes one SPI bus with a card on it
type Config struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	// Device is the node or periph port name (e.g. "/dev/spidev0.0")
	Device string `json:"device"`
	Name   string `json:"name,omitempty"`
	// CSPin is a periph GPIO name driving chip select (e.g. "GPIO8")
	CSPin string `json:"cs_pin,omitempty"`
	// Transport restricts the entry to "spi" or "spidev"
	Transport string `json:"transport,omitempty"`
}

// Search locations, replaceable in tests
var (
	configPaths = []string{
		"sdspi-spi.json",
		".sdspi-spi.json",
		filepath.Join(os.Getenv("HOME"), ".config", "sdspi", "spi.json"),
		"/etc/sdspi/spi.json",
	}
	nodeGlob = "/dev/spidev*"
)

type opener func(Config) (sdspi.Transport, error)

type detector struct {
	open      opener
	ports     func() []Config
	transport string
}

// New returns the periph.io detector
func New() detection.Detector {
	return &detector{
		transport: string(sdspi.TransportSPI),
		open:      openPeriph,
		ports:     periphPorts,
	}
}

// NewSpidev returns the kernel spidev detector
func NewSpidev() detection.Detector {
	return &detector{
		transport: string(sdspi.TransportSpidev),
		open:      openSpidev,
	}
}

func init() {
	detection.RegisterDetector(New())
	detection.RegisterDetector(NewSpidev())
}

func openPeriph(cfg Config) (sdspi.Transport, error) {
	var opts []spitransport.Option
	if cfg.CSPin != "" {
		opts = append(opts, spitransport.WithChipSelectPin(cfg.CSPin))
	}
	return spitransport.New(cfg.Device, opts...)
}

func openSpidev(cfg Config) (sdspi.Transport, error) {
	return spidev.New(cfg.Device)
}

// periphPorts lists the ports periph.io registered, FTDI bridges included
func periphPorts() []Config {
	if _, err := host.Init(); err != nil {
		sdspi.Debugf("spi detection: periph host init failed: %v", err)
		return nil
	}
	var configs []Config
	for _, ref := range spireg.All() {
		configs = append(configs, Config{
			Device:   ref.Name,
			Name:     fmt.Sprintf("SPI port %s", ref.Name),
			Metadata: map[string]string{"aliases": strings.Join(ref.Aliases, ",")},
		})
	}
	return configs
}

// Transport returns the transport type
func (d *detector) Transport() string {
	return d.transport
}

// gatherConfigs merges config files, the environment, device nodes and
// registered ports, first entry per device wins.
func (d *detector) gatherConfigs() []Config {
	var configs []Config
	configs = append(configs, loadConfigFile()...)
	if env := loadEnvConfig(); env != nil {
		configs = append(configs, *env)
	}
	configs = append(configs, globNodes()...)
	if d.ports != nil {
		configs = append(configs, d.ports()...)
	}

	seen := make(map[string]bool)
	var unique []Config
	for _, cfg := range configs {
		if cfg.Device == "" || seen[cfg.Device] {
			continue
		}
		if cfg.Transport != "" && cfg.Transport != d.transport {
			continue
		}
		seen[cfg.Device] = true
		unique = append(unique, cfg)
	}
	return unique
}

// Detect lists the configured buses and, unless passive, probes each for a
// card. Buses whose probe fails are dropped.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	var devices []detection.DeviceInfo
	for _, cfg := range d.gatherConfigs() {
		select {
		case <-ctx.Done():
			return devices, detection.ErrDetectionTimeout
		default:
		}

		if detection.IsPathIgnored(cfg.Device, opts.IgnorePaths) {
			continue
		}
		device := d.deviceInfo(cfg)
		if opts.Mode != detection.Passive && !d.probe(ctx, cfg, &device, opts.Mode) {
			continue
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func (d *detector) deviceInfo(cfg Config) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Transport:  d.transport,
		Path:       cfg.Device,
		Name:       cfg.Name,
		Confidence: detection.Low,
		Metadata:   make(map[string]string),
	}
	maps.Copy(device.Metadata, cfg.Metadata)
	if cfg.CSPin != "" {
		device.Metadata["cs_pin"] = cfg.CSPin
	}
	if device.Name == "" {
		device.Name = fmt.Sprintf("SPI device at %s", cfg.Device)
	}
	return device
}

// probe makes a single attempt; retrying a bus with no card only delays
// detection of the others.
func (d *detector) probe(ctx context.Context, cfg Config, device *detection.DeviceInfo, mode detection.Mode) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	t, err := d.open(cfg)
	if err != nil {
		sdspi.Debugf("spi detection: open %s: %v", cfg.Device, err)
		return false
	}
	defer func() { _ = t.Close() }()

	res, err := probe.Card(probeCtx, t, mode)
	if err != nil {
		sdspi.Debugf("spi detection: probe %s: %v", cfg.Device, err)
		return false
	}
	device.Confidence = res.Confidence
	maps.Copy(device.Metadata, res.Metadata)
	return true
}

// loadConfigFile reads the first config file found. A file holds either one
// Config object or an array of them.
func loadConfigFile() []Config {
	for _, path := range configPaths {
		// #nosec G304 -- fixed search locations
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var configs []Config
		if err := json.Unmarshal(data, &configs); err == nil {
			return configs
		}
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err == nil {
			return []Config{cfg}
		}
		sdspi.Debugf("spi detection: ignoring malformed %s", path)
	}
	return nil
}

// loadEnvConfig reads SDSPI_SPI_DEVICE and SDSPI_SPI_CS_PIN
func loadEnvConfig() *Config {
	device := os.Getenv("SDSPI_SPI_DEVICE")
	if device == "" {
		return nil
	}
	return &Config{
		Device: device,
		Name:   "SPI device from environment",
		CSPin:  os.Getenv("SDSPI_SPI_CS_PIN"),
	}
}

func globNodes() []Config {
	matches, err := filepath.Glob(nodeGlob)
	if err != nil {
		return nil
	}
	slices.Sort(matches)
	configs := make([]Config, 0, len(matches))
	for _, path := range matches {
		configs = append(configs, Config{
			Device: path,
			Name:   fmt.Sprintf("SPI device %s", filepath.Base(path)),
		})
	}
	return configs
}
