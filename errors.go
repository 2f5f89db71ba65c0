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

package sdspi

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// Error categories
var (
	// Wire errors raised by the protocol engine
	ErrBusTimeout       = errors.New("expected token did not appear within poll budget")
	ErrBusWedged        = errors.New("no response byte within poll budget")
	ErrChecksumMismatch = errors.New("data block CRC16 mismatch")
	ErrCardRejected     = errors.New("card rejected command")
	ErrFraming          = errors.New("response trailer end bit not set")

	// Programming and environment errors
	ErrContractViolation   = errors.New("fixed command CRC7 mismatch")
	ErrUnsupportedCommand  = errors.New("command not supported by card")
	ErrUnsupportedPlatform = errors.New("platform not supported")

	// Host side errors
	ErrTransportClosed  = errors.New("transport is closed")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotInitialized   = errors.New("card not initialized")
)

// ErrorKind classifies a ProtocolError for retry and halt decisions
type ErrorKind int

const (
	// KindTransport is a host side link failure. Fatal.
	KindTransport ErrorKind = iota
	// KindContract is a fixed command CRC7 that disagrees with its constant. Fatal.
	KindContract
	// KindBusWedged is a response leading byte that never arrived. Fatal.
	KindBusWedged
	// KindBusTimeout is a data token or data response that never arrived.
	KindBusTimeout
	// KindChecksum is a data block that failed CRC16 verification.
	KindChecksum
	// KindRejected is a card status or postcondition that was not met.
	KindRejected
	// KindFraming is a response trailer without its end bit.
	KindFraming
)

var kindNames = map[ErrorKind]string{
	KindTransport:  "transport",
	KindContract:   "contract",
	KindBusWedged:  "bus wedged",
	KindBusTimeout: "bus timeout",
	KindChecksum:   "checksum",
	KindRejected:   "rejected",
	KindFraming:    "framing",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Retryable reports whether an operation failing with this kind may be
// re-issued by a retry loop.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBusTimeout, KindChecksum, KindRejected, KindFraming:
		return true
	case KindTransport, KindContract, KindBusWedged:
		return false
	default:
		return false
	}
}

// ProtocolError is a failure of one step of the SD protocol
type ProtocolError struct {
	Err    error     // Underlying error
	Op     string    // Operation that failed
	Cmd    string    // Command in flight, e.g. "CMD17"; empty for data phases
	Kind   ErrorKind // Error category
	Status byte      // Card status byte, when the card answered
}

func (e *ProtocolError) Error() string {
	var sb strings.Builder
	_, _ = sb.WriteString(e.Op)
	if e.Cmd != "" {
		_, _ = sb.WriteString(" " + e.Cmd)
	}
	_, _ = fmt.Fprintf(&sb, ": %v", e.Err)
	if e.Kind == KindRejected {
		_, _ = fmt.Fprintf(&sb, " (status 0x%02X)", e.Status)
	}
	return sb.String()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Error constructors for consistent error creation

func newProtocolError(op, cmd string, kind ErrorKind, err error) *ProtocolError {
	return &ProtocolError{Op: op, Cmd: cmd, Kind: kind, Err: err}
}

func newRejectedError(op, cmd string, status byte, err error) *ProtocolError {
	if err == nil {
		err = ErrCardRejected
	}
	return &ProtocolError{Op: op, Cmd: cmd, Kind: KindRejected, Status: status, Err: err}
}

func newTransportError(op, cmd string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Cmd: cmd, Kind: KindTransport, Err: err}
}

// StepError reports a bring-up step that did not complete
type StepError struct {
	Err      error
	Step     string
	Attempts int
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bring-up step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError reports a retry loop that used its whole budget
type RetryExhaustedError struct {
	Err      error // last attempt's error
	Op       string
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// FatalError is what the halt path reports. A Disk that produced one should
// not be used again.
type FatalError struct {
	Err error
	Op  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sdspi: fatal %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re *RetryExhaustedError
	if errors.As(err, &re) {
		return false
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}

	switch {
	case errors.Is(err, ErrBusTimeout),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrCardRejected),
		errors.Is(err, ErrFraming):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error must stop all further use of the card:
// an exhausted budget, a contract violation, a wedged bus, or a dead link.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		return true
	}
	var se *StepError
	if errors.As(err, &se) {
		return true
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		return !pe.Kind.Retryable()
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrContractViolation),
		errors.Is(err, ErrBusWedged),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
// These are defined here because they're not available on non-Windows platforms.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors from an unplugged USB bridge
// or a spidev node that went away.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}

	if runtime.GOOS == "windows" {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}
	return false
}

// =============================================================================
// Wire Trace Logging
// =============================================================================
// TraceableError embeds the last frames exchanged with the card, so a halt
// message shows what was on the wire when the operation failed.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data sent to the card
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data received from the card
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	hexData := formatHexBytes(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData)
}

// TraceableError wraps an error with wire-level trace data.
//
//	var te *sdspi.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err       error
	Transport string
	Trace     []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Transport)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Wire trace (%d entries):\n", e.Transport, len(e.Trace))
	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		hexData := formatHexBytes(entry.Data)
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, "  %s %s (%s)\n", direction, hexData, entry.Note)
		} else {
			_, _ = fmt.Fprintf(&sb, "  %s %s\n", direction, hexData)
		}
	}
	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex values
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	n := min(len(data), 16)
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("%02X", data[i])
	}
	if len(data) > n {
		return strings.Join(parts, " ") + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	return strings.Join(parts, " ")
}

// DefaultTraceSize is the number of frames a TraceBuffer keeps.
const DefaultTraceSize = 16

// TraceBuffer collects trace entries during one operation in a fixed-size
// ring. It is only touched while the Transfer Guard is held.
type TraceBuffer struct {
	transport string
	entries   []TraceEntry
	maxSize   int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(transport string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = DefaultTraceSize
	}
	return &TraceBuffer{
		entries:   make([]TraceEntry, 0, maxSize),
		maxSize:   maxSize,
		transport: transport,
	}
}

// RecordTX records bytes sent to the card
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records bytes received from the card
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordTimeout records an exhausted poll
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.record(TraceRX, nil, "TIMEOUT: "+note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	entry := TraceEntry{
		Direction: dir,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Len returns the number of entries held
func (tb *TraceBuffer) Len() int {
	return len(tb.entries)
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	if HasTrace(err) {
		return err
	}

	entriesCopy := make([]TraceEntry, len(tb.entries))
	copy(entriesCopy, tb.entries)

	return &TraceableError{
		Err:       err,
		Trace:     entriesCopy,
		Transport: tb.transport,
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.entries = tb.entries[:0]
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
