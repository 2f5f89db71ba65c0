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


package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/detection"
	"github.com/ZaparooProject/go-sdspi/internal/syncutil"
	_ "github.com/ZaparooProject/go-sdspi/detection/buspirate"
	_ "github.com/ZaparooProject/go-sdspi/detection/spi"
	"github.com/ZaparooProject/go-sdspi/transport/buspirate"
	"github.com/ZaparooProject/go-sdspi/transport/spi"
	"github.com/ZaparooProject/go-sdspi/transport/spidev"
	"periph.io/x/conn/v3/physic"
)

type config struct {
	devicePath  string
	transport   string
	csPin       string
	configPath  string
	logDir      string
	readOut     string
	writeIn     string
	frequency   uint
	sector      uint
	count       uint
	timeout     time.Duration
	lockTimeout time.Duration
	hardware    bool
	read        bool
	verify      bool
	debug       bool
}

var (
	flagDevicePath  string
	flagTransport   string
	flagCSPin       string
	flagConfig      string
	flagLogDir      string
	flagReadOut     string
	flagWriteIn     string
	flagFrequency   uint
	flagSector      uint
	flagCount       uint
	flagTimeout     time.Duration
	flagLockTimeout time.Duration
	flagHardware    bool
	flagRead        bool
	flagVerify      bool
	flagDebug       bool
)

func init() {
	flag.StringVar(&flagDevicePath, "device", "", "Adapter path, e.g. /dev/spidev0.0, SPI0.0, /dev/ttyUSB0 or ftdi (auto-detect if empty)")
	flag.StringVar(&flagTransport, "transport", "", "Transport: spi, spidev, buspirate or ftdi (guessed from -device if empty)")
	flag.StringVar(&flagCSPin, "cs-pin", "", "GPIO to drive chip select with (spi and ftdi only)")
	flag.StringVar(&flagConfig, "config", "", "JSON driver config file")
	flag.StringVar(&flagLogDir, "log-dir", "", "Write a session log to this directory")
	flag.StringVar(&flagReadOut, "out", "", "Write read sectors to this file instead of a hex dump")
	flag.StringVar(&flagWriteIn, "write", "", "Write sectors from this file, starting at -sector")
	flag.UintVar(&flagFrequency, "freq", 0, "SPI clock in Hz (transport default if zero)")
	flag.UintVar(&flagSector, "sector", 0, "First sector")
	flag.UintVar(&flagCount, "count", 1, "Number of sectors to read or verify")
	flag.DurationVar(&flagTimeout, "timeout", 10*time.Second, "Connect timeout")
	flag.DurationVar(&flagLockTimeout, "lock-timeout", 0,
		"Report locks held longer than this (deadlock builds only, default 30s)")
	flag.BoolVar(&flagHardware, "hardware", false, "Use the budgets tuned for real cards")
	flag.BoolVar(&flagRead, "read", false, "Read -count sectors starting at -sector")
	flag.BoolVar(&flagVerify, "verify", false, "Write, read back and restore -count sectors (destructive on failure)")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

func parseConfig() *config {
	cfg := &config{
		devicePath:  flagDevicePath,
		transport:   strings.ToLower(flagTransport),
		csPin:       flagCSPin,
		configPath:  flagConfig,
		logDir:      flagLogDir,
		readOut:     flagReadOut,
		writeIn:     flagWriteIn,
		frequency:   flagFrequency,
		sector:      flagSector,
		count:       flagCount,
		timeout:     flagTimeout,
		lockTimeout: flagLockTimeout,
		hardware:    flagHardware,
		read:        flagRead || flagReadOut != "",
		verify:      flagVerify,
		debug:       flagDebug,
	}

	if cfg.debug {
		sdspi.SetDebugEnabled(true)
	}
	if applyLockTimeout(cfg.lockTimeout) {
		sdspi.Debugf("deadlock detection timeout: %s", cfg.lockTimeout)
	}

	return cfg
}

// applyLockTimeout sets the deadlock detector's timeout and reports whether
// it took effect.
func applyLockTimeout(d time.Duration) bool {
	if d <= 0 || !syncutil.DeadlockDetection {
		return false
	}
	syncutil.SetLockTimeout(d)
	return true
}

// guessTransport picks a transport from the shape of a device path
func guessTransport(path string) string {
	p := strings.ToLower(path)
	switch {
	case p == "ftdi":
		return "ftdi"
	case strings.Contains(p, "spidev"):
		return "spidev"
	case strings.HasPrefix(p, "/dev/tty"), strings.HasPrefix(p, "/dev/cu."), strings.HasPrefix(p, "com"):
		return "buspirate"
	default:
		return "spi"
	}
}

func (cfg *config) spiOptions() []spi.Option {
	var opts []spi.Option
	if cfg.frequency > 0 {
		opts = append(opts, spi.WithFrequency(physic.Frequency(cfg.frequency)*physic.Hertz))
	}
	if cfg.csPin != "" {
		opts = append(opts, spi.WithChipSelectPin(cfg.csPin))
	}
	return opts
}

// pirateSpeed returns the fastest Bus Pirate clock not above hz
func pirateSpeed(hz uint) buspirate.Speed {
	steps := []struct {
		hz    uint
		speed buspirate.Speed
	}{
		{8_000_000, buspirate.Speed8MHz},
		{4_000_000, buspirate.Speed4MHz},
		{2_600_000, buspirate.Speed2600kHz},
		{2_000_000, buspirate.Speed2MHz},
		{1_000_000, buspirate.Speed1MHz},
		{250_000, buspirate.Speed250kHz},
		{125_000, buspirate.Speed125kHz},
	}
	for _, s := range steps {
		if hz >= s.hz {
			return s.speed
		}
	}
	return buspirate.Speed30kHz
}

func (cfg *config) openTransport(kind, path string) (sdspi.Transport, error) {
	switch kind {
	case "spi":
		t, err := spi.New(path, cfg.spiOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport for %s: %w", path, err)
		}
		return t, nil
	case "ftdi":
		t, err := spi.NewFTDI(cfg.spiOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create FTDI transport: %w", err)
		}
		return t, nil
	case "spidev":
		var opts []spidev.Option
		if cfg.frequency > math.MaxUint32 {
			return nil, fmt.Errorf("clock %dHz is out of range", cfg.frequency)
		}
		if cfg.frequency > 0 {
			opts = append(opts, spidev.WithSpeed(uint32(cfg.frequency))) //nolint:gosec // checked above
		}
		t, err := spidev.New(path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create spidev transport for %s: %w", path, err)
		}
		return t, nil
	case "buspirate":
		var opts []buspirate.Option
		if cfg.frequency > 0 {
			opts = append(opts, buspirate.WithSpeed(pirateSpeed(cfg.frequency)))
		}
		t, err := buspirate.New(path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bus Pirate transport for %s: %w", path, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", kind)
	}
}

func (cfg *config) newTransport(path string) (sdspi.Transport, error) {
	if path == "" {
		return nil, errors.New("empty device path")
	}
	kind := cfg.transport
	if kind == "" {
		kind = guessTransport(path)
	}
	return cfg.openTransport(kind, path)
}

func (cfg *config) newTransportFromDevice(device detection.DeviceInfo) (sdspi.Transport, error) {
	if cs := device.Metadata["cs_pin"]; cs != "" && cfg.csPin == "" {
		cfg.csPin = cs
	}
	return cfg.openTransport(strings.ToLower(device.Transport), device.Path)
}

// diskOptions builds the driver options. Fatal errors are reported and
// returned instead of panicking so the tool can exit cleanly.
func (cfg *config) diskOptions() ([]sdspi.Option, error) {
	driverCfg := sdspi.DefaultConfig()
	if cfg.hardware {
		driverCfg = sdspi.HardwareConfig()
	}
	if cfg.configPath != "" {
		loaded, err := sdspi.LoadConfig(cfg.configPath)
		if err != nil {
			return nil, err
		}
		driverCfg = loaded
	}
	halter := sdspi.HaltFunc(func(err error) {
		_, _ = fmt.Fprintf(os.Stderr, "Card halted: %v\n", err)
		if trace := sdspi.GetTrace(err); trace != nil {
			_, _ = fmt.Fprint(os.Stderr, trace.FormatTrace())
		}
	})
	return []sdspi.Option{sdspi.WithConfig(driverCfg), sdspi.WithHalter(halter)}, nil
}

func connectToCard(ctx context.Context, cfg *config, extra ...sdspi.ConnectOption) (*sdspi.Disk, error) {
	diskOpts, err := cfg.diskOptions()
	if err != nil {
		return nil, err
	}

	connectOpts := []sdspi.ConnectOption{
		sdspi.WithDiskOptions(diskOpts...),
		sdspi.WithConnectTimeout(cfg.timeout),
	}
	if cfg.devicePath == "" && cfg.transport != "ftdi" {
		connectOpts = append(connectOpts,
			sdspi.WithAutoDetection(),
			sdspi.WithTransportFromDeviceFactory(cfg.newTransportFromDevice))
		if cfg.debug {
			_, _ = fmt.Println("Auto-detecting SD card adapters...")
		}
	} else {
		if cfg.devicePath == "" {
			cfg.devicePath = "ftdi"
		}
		connectOpts = append(connectOpts, sdspi.WithTransportFactory(cfg.newTransport))
		if cfg.debug {
			_, _ = fmt.Printf("Opening adapter: %s\n", cfg.devicePath)
		}
	}
	connectOpts = append(connectOpts, extra...)

	disk, err := sdspi.Connect(ctx, cfg.devicePath, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SD card: %w", err)
	}
	return disk, nil
}

// sectorRange checks a sector span from the command line against the 32-bit
// sector numbers the driver takes.
func sectorRange(sector, count uint) (uint32, uint32, error) {
	if count == 0 {
		return 0, 0, errors.New("count must be at least 1")
	}
	if uint64(sector)+uint64(count) > math.MaxUint32+1 {
		return 0, 0, fmt.Errorf("sectors %d to %d run past the last sector number %d",
			sector, uint64(sector)+uint64(count)-1, uint32(math.MaxUint32))
	}
	return uint32(sector), uint32(count), nil //nolint:gosec // checked above
}

func runInfoMode(disk *sdspi.Disk) {
	s := disk.Session()
	_, _ = fmt.Printf("Card:      %s\n", s.Capacity)
	_, _ = fmt.Printf("OCR:       0x%08X\n", s.OCR)
	_, _ = fmt.Printf("Block:     %d bytes\n", s.BlockLen)
	_, _ = fmt.Printf("CRC:       %t\n", s.CRCEnabled)
	_, _ = fmt.Printf("Platform:  %s\n", s.Platform)
}

func runReadMode(ctx context.Context, disk *sdspi.Disk, cfg *config) error {
	sector, count, err := sectorRange(cfg.sector, cfg.count)
	if err != nil {
		return err
	}
	buf := make([]byte, int(count)*disk.BlockSize())
	if err := disk.Read(ctx, buf, sector, count); err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	if cfg.readOut != "" {
		if err := os.WriteFile(cfg.readOut, buf, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", cfg.readOut, err)
		}
		_, _ = fmt.Printf("Read %d sector(s) from %d into %s\n", cfg.count, cfg.sector, cfg.readOut)
		return nil
	}

	for _, line := range formatHexDump(buf, uint64(cfg.sector)*uint64(disk.BlockSize())) {
		_, _ = fmt.Println(line)
	}
	return nil
}

func runWriteMode(ctx context.Context, disk *sdspi.Disk, cfg *config) error {
	//nolint:gosec // path is supplied by the operator
	data, err := os.ReadFile(cfg.writeIn)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cfg.writeIn, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", cfg.writeIn)
	}

	// pad the tail sector
	size := disk.BlockSize()
	if rem := len(data) % size; rem != 0 {
		data = append(data, make([]byte, size-rem)...)
	}
	sector, count, err := sectorRange(cfg.sector, uint(len(data)/size))
	if err != nil {
		return err
	}

	if err := disk.Write(ctx, data, sector, count); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	_, _ = fmt.Printf("Wrote %d sector(s) at %d\n", count, cfg.sector)
	return nil
}

func run(ctx context.Context, cfg *config) error {
	if cfg.logDir != "" {
		path, err := sdspi.InitSessionLog(cfg.logDir)
		if err != nil {
			return fmt.Errorf("failed to start session log: %w", err)
		}
		_, _ = fmt.Printf("Session log: %s\n", path)
		defer func() { _ = sdspi.CloseSessionLog() }()
	}

	disk, err := connectToCard(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := disk.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close card: %v\n", err)
		}
	}()

	return runMode(ctx, disk, cfg)
}

func runMode(ctx context.Context, disk *sdspi.Disk, cfg *config) error {
	switch {
	case cfg.writeIn != "":
		return runWriteMode(ctx, disk, cfg)
	case cfg.verify:
		return runVerifyMode(ctx, disk, cfg)
	case cfg.read:
		return runReadMode(ctx, disk, cfg)
	default:
		runInfoMode(disk)
		return nil
	}
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
