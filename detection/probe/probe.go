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

// Package probe checks whether an SD card answers on an open transport, to
// the depth a detection mode allows.
package probe

import (
	"context"
	"fmt"

	sdspi "github.com/ZaparooProject/go-sdspi"
	"github.com/ZaparooProject/go-sdspi/detection"
)

// Result is what a probe learned
type Result struct {
	Metadata   map[string]string
	Confidence detection.Confidence
}

// Card probes the card behind t. Passive sends nothing, Safe sends a reset
// and Full runs bring-up. opts default to the hardware budgets.
//
// The probe itself cannot be interrupted; when ctx ends first Card returns
// and the caller's Close of t ends the probe with ErrTransportClosed.
func Card(ctx context.Context, t sdspi.Transport, mode detection.Mode, opts ...sdspi.Option) (Result, error) {
	if mode == detection.Passive {
		return Result{Confidence: detection.Low}, nil
	}
	opts = append([]sdspi.Option{sdspi.WithConfig(sdspi.HardwareConfig())}, opts...)
	card, err := sdspi.NewCard(t, opts...)
	if err != nil {
		return Result{}, err
	}

	done := make(chan Result, 1)
	errc := make(chan error, 1)
	go func() {
		res, err := run(card, mode)
		if err != nil {
			errc <- err
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res, nil
	case err := <-errc:
		return Result{}, err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("probe abandoned: %w", ctx.Err())
	}
}

func run(card *sdspi.Card, mode detection.Mode) (Result, error) {
	if mode == detection.Safe {
		if err := card.Probe(); err != nil {
			return Result{}, err
		}
		return Result{Confidence: detection.Medium}, nil
	}

	s, err := card.Init()
	if err != nil {
		return Result{}, err
	}
	return Result{
		Confidence: detection.High,
		Metadata: map[string]string{
			"capacity": s.Capacity.String(),
			"crc":      fmt.Sprintf("%t", s.CRCEnabled),
			"ocr":      fmt.Sprintf("0x%08X", s.OCR),
		},
	}, nil
}
