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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sdspi "github.com/ZaparooProject/go-sdspi"
)

const hexDumpWidth = 16

type pattern int

const (
	patternZeros pattern = iota
	patternOnes
	patternAlternating
	patternAddress
	patternRandom
)

var allPatterns = []pattern{patternZeros, patternOnes, patternAlternating, patternAddress, patternRandom}

func (p pattern) String() string {
	switch p {
	case patternZeros:
		return "zeros"
	case patternOnes:
		return "ones"
	case patternAlternating:
		return "alternating"
	case patternAddress:
		return "address"
	case patternRandom:
		return "random"
	default:
		return "unknown"
	}
}

// fill returns count sectors of p starting at sector. The address pattern
// stamps each sector with its own number so misdirected writes show up.
func (p pattern) fill(sector uint32, count, size int) []byte {
	buf := make([]byte, count*size)
	switch p {
	case patternZeros:
	case patternOnes:
		for i := range buf {
			buf[i] = 0xFF
		}
	case patternAlternating:
		for i := range buf {
			buf[i] = 0xAA
			if i%2 == 1 {
				buf[i] = 0x55
			}
		}
	case patternAddress:
		for i := range buf {
			s := sector + uint32(i/size) //nolint:gosec // bounded by count
			buf[i] = byte(s >> (8 * (i % 4)))
		}
	case patternRandom:
		_, _ = rand.Read(buf)
	}
	return buf
}

type VerifyResult struct {
	ReportFile string
	Passed     int
	Failed     int
	Duration   time.Duration
	Restored   bool
}

type FailureReport struct {
	Timestamp    time.Time  `json:"timestamp"`
	Session      string     `json:"session"`
	Pattern      string     `json:"pattern"`
	Operation    string     `json:"operation"`
	Error        string     `json:"error"`
	ExpectedHex  string     `json:"expected_hex,omitempty"`
	ActualHex    string     `json:"actual_hex,omitempty"`
	ActualDump   []string   `json:"actual_dump,omitempty"`
	OperationLog []LogEntry `json:"operation_log"`
	FirstSector  uint32     `json:"first_sector"`
	BadSector    uint32     `json:"bad_sector,omitempty"`
	Count        uint32     `json:"count"`
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Error     string    `json:"error,omitempty"`
	Success   bool      `json:"success"`
}

type verifyContext struct {
	disk   *sdspi.Disk
	log    []LogEntry
	sector uint32
	count  uint32
}

func (vc *verifyContext) record(op string, err error) {
	entry := LogEntry{Timestamp: time.Now(), Operation: op, Success: err == nil}
	if err != nil {
		entry.Error = err.Error()
	}
	vc.log = append(vc.log, entry)
}

// errMismatch marks a read-back that differed from what was written. The
// card is still usable afterwards, unlike after a driver error.
var errMismatch = errors.New("read back differs from written data")

func runVerifyMode(ctx context.Context, disk *sdspi.Disk, cfg *config) error {
	sector, count, err := sectorRange(cfg.sector, cfg.count)
	if err != nil {
		return err
	}
	vc := &verifyContext{disk: disk, sector: sector, count: count}
	started := time.Now()
	result := &VerifyResult{}

	_, _ = fmt.Printf("Verifying %d sector(s) from %d on %s\n", vc.count, vc.sector, disk.Session())

	original := make([]byte, int(vc.count)*disk.BlockSize())
	err = disk.Read(ctx, original, vc.sector, vc.count)
	vc.record("backup", err)
	if err != nil {
		return fmt.Errorf("failed to back up sectors: %w", err)
	}

	var failure error
	for _, p := range allPatterns {
		if ctx.Err() != nil {
			failure = ctx.Err()
			break
		}
		perr := vc.checkPattern(ctx, p, cfg, result)
		if perr == nil {
			result.Passed++
			_, _ = fmt.Printf("  [PASS] %s\n", p)
			continue
		}
		result.Failed++
		_, _ = fmt.Printf("  [FAIL] %s: %v\n", p, perr)
		if !errors.Is(perr, errMismatch) {
			// the Disk has halted; do not touch the card again
			failure = perr
			break
		}
	}

	if failure == nil {
		err = disk.Write(ctx, original, vc.sector, vc.count)
		vc.record("restore", err)
		if err != nil {
			failure = fmt.Errorf("failed to restore sectors: %w", err)
		} else {
			result.Restored = true
		}
	}

	result.Duration = time.Since(started)
	printVerifySummary(result)

	if failure != nil {
		return failure
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d patterns failed", result.Failed, len(allPatterns))
	}
	return nil
}

func (vc *verifyContext) checkPattern(ctx context.Context, p pattern, cfg *config, result *VerifyResult) error {
	size := vc.disk.BlockSize()
	want := p.fill(vc.sector, int(vc.count), size)

	err := vc.disk.Write(ctx, want, vc.sector, vc.count)
	vc.record("write "+p.String(), err)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	got := make([]byte, len(want))
	err = vc.disk.Read(ctx, got, vc.sector, vc.count)
	vc.record("read "+p.String(), err)
	if err != nil {
		return fmt.Errorf("read failed: %w", err)
	}

	if bytes.Equal(want, got) {
		return nil
	}
	bad := firstMismatch(want, got) / size
	mismatch := fmt.Errorf("%w at sector %d", errMismatch, vc.sector+uint32(bad)) //nolint:gosec // bounded by count

	report := vc.newReport(p, mismatch)
	report.BadSector = vc.sector + uint32(bad) //nolint:gosec // bounded by count
	lo, hi := bad*size, (bad+1)*size
	report.ExpectedHex = hex.EncodeToString(want[lo:hi])
	report.ActualHex = hex.EncodeToString(got[lo:hi])
	report.ActualDump = formatHexDump(got[lo:hi], uint64(report.BadSector)*uint64(size))

	if file, werr := writeFailureReport(report, cfg.logDir); werr != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to save report: %v\n", werr)
	} else {
		result.ReportFile = file
		_, _ = fmt.Printf("  Report written to %s\n", file)
	}
	return mismatch
}

func (vc *verifyContext) newReport(p pattern, err error) *FailureReport {
	return &FailureReport{
		Timestamp:    time.Now(),
		Session:      vc.disk.Session().String(),
		Pattern:      p.String(),
		Operation:    "compare",
		Error:        err.Error(),
		OperationLog: vc.log,
		FirstSector:  vc.sector,
		Count:        vc.count,
	}
}

func firstMismatch(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

func writeFailureReport(report *FailureReport, dir string) (string, error) {
	timestamp := report.Timestamp.Format("20060102_150405")
	filename := fmt.Sprintf("sdtool_verify_%d_%s_%s.json", report.BadSector, report.Pattern, timestamp)
	if dir != "" {
		filename = filepath.Join(dir, filename)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	return filename, nil
}

// formatHexDump renders data as offset, hex and ASCII columns, with offsets
// starting at base.
func formatHexDump(data []byte, base uint64) []string {
	lines := make([]string, 0, (len(data)+hexDumpWidth-1)/hexDumpWidth)
	for i := 0; i < len(data); i += hexDumpWidth {
		end := min(i+hexDumpWidth, len(data))
		row := data[i:end]

		hexParts := make([]string, len(row))
		ascii := make([]byte, len(row))
		for j, b := range row {
			hexParts[j] = fmt.Sprintf("%02X", b)
			ascii[j] = '.'
			if b >= 0x20 && b < 0x7F {
				ascii[j] = b
			}
		}
		lines = append(lines, fmt.Sprintf("%08X  %-47s  |%s|", base+uint64(i), strings.Join(hexParts, " "), ascii))
	}
	return lines
}

func printVerifySummary(result *VerifyResult) {
	_, _ = fmt.Println("================================================================================")
	_, _ = fmt.Println("                                VERIFY SUMMARY")
	_, _ = fmt.Println("================================================================================")
	_, _ = fmt.Printf("Patterns: %d PASS, %d FAIL\n", result.Passed, result.Failed)
	_, _ = fmt.Printf("Restored: %t\n", result.Restored)
	if result.ReportFile != "" {
		_, _ = fmt.Printf("Report:   %s\n", result.ReportFile)
	}
	_, _ = fmt.Printf("Duration: %s\n", result.Duration.Round(time.Millisecond))
	_, _ = fmt.Println("================================================================================")
}
