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

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// Card is the protocol engine for one card on one Transport. It runs bring-up
// and the block transfer state machines but does no locking and never halts;
// Disk adds both. Use a Card directly only when nothing else shares the bus,
// such as a detection probe.
type Card struct {
	bus     *bus
	cfg     *Config
	session *Session
}

// NewCard wraps t. Only the WithConfig, WithPlatform and WithTraceSize
// options apply to a Card.
func NewCard(t Transport, opts ...Option) (*Card, error) {
	if t == nil {
		return nil, ErrInvalidParameter
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return newCard(t, o), nil
}

func newCard(t Transport, o *options) *Card {
	return &Card{
		bus: newBus(t, o.config, o.traceSize),
		cfg: o.config,
	}
}

// Session returns the result of the last successful Init, or nil
func (c *Card) Session() *Session {
	return c.session
}

// Transport returns the underlying transport
func (c *Card) Transport() Transport {
	return c.bus.t
}

// Bring-up step names, used in StepError and logs
const (
	StepPowerUp     = "power-up clocks"
	StepReset       = "reset (CMD0)"
	StepIfCond      = "interface condition (CMD8)"
	StepCRC         = "CRC enable (CMD59)"
	StepOpCond      = "op condition (ACMD41)"
	StepReadOCR     = "read OCR (CMD58)"
	StepSetBlockLen = "set block length (CMD16)"
)

// Init brings the card from power-on to ready for block I/O and returns what
// it learned. Each step gets Config.CommandRetries attempts; CRC enable and
// read OCR are best effort. On a quiescent card Init can run again and
// returns an equal session.
func (c *Card) Init() (*Session, error) {
	c.bus.begin()
	s, err := c.bringUp()
	if err != nil {
		Debugf("bring-up failed: %v", err)
		return nil, c.bus.trace.WrapError(err)
	}
	c.session = s
	Debugf("card ready: %s", s)
	return s, nil
}

func (c *Card) bringUp() (*Session, error) {
	s := &Session{
		Platform: c.cfg.Platform,
		BlockLen: frame.BlockSize,
		Capacity: CapacityStandard,
	}

	if err := c.powerUp(); err != nil {
		return nil, &StepError{Step: StepPowerUp, Attempts: 1, Err: err}
	}

	if err := c.step(StepReset, c.goIdleState); err != nil {
		return nil, err
	}
	if err := c.step(StepIfCond, c.sendIfCond); err != nil {
		return nil, err
	}

	crcErr := c.step(StepCRC, func() error { return c.crcOnOff(true) })
	switch {
	case crcErr == nil:
		s.CRCEnabled = true
	case tolerable(crcErr):
		Debugf("%s not supported, continuing without CRC: %v", StepCRC, crcErr)
	default:
		return nil, crcErr
	}

	if err := c.step(StepOpCond, func() error {
		r, err := c.sdSendOpCond()
		s.OCR = r.OCR
		return err
	}); err != nil {
		return nil, err
	}

	if c.cfg.Platform.probesOCR() {
		var ocr R3Response
		ocrErr := c.step(StepReadOCR, func() error {
			var err error
			ocr, err = c.readOCR()
			return err
		})
		switch {
		case ocrErr == nil:
			s.OCR = ocr.OCR
			if ocr.HighCapacity() {
				s.Capacity = CapacityHigh
			}
		case tolerable(ocrErr):
			Debugf("%s not supported, assuming standard capacity: %v", StepReadOCR, ocrErr)
		default:
			return nil, ocrErr
		}
	} else {
		Debugf("%s skipped on %s platform", StepReadOCR, c.cfg.Platform)
	}

	if s.Capacity == CapacityStandard {
		if err := c.step(StepSetBlockLen, func() error { return c.setBlockLen(frame.BlockSize) }); err != nil {
			return nil, err
		}
	}

	s.Ready = true
	return s, nil
}

// Probe clocks the power-up sequence and a single software reset. It
// succeeds when a card answers CMD0 with the idle status and leaves the
// card uninitialized.
func (c *Card) Probe() error {
	Debugln("probe: power-up and reset")
	if err := c.powerUp(); err != nil {
		return err
	}
	return c.goIdleState()
}

// powerUp clocks filler bytes with chip select released so the card enters
// its native mode, then hands chip select back to the controller.
func (c *Card) powerUp() (err error) {
	const op = "power-up"
	if c.cfg.PowerUpClocks == 0 {
		return nil
	}
	if err = c.bus.setMode(op, ChipSelectDisabled); err != nil {
		return err
	}
	defer c.bus.restoreAuto(op, &err)
	for range c.cfg.PowerUpClocks {
		if err = c.bus.clock(op); err != nil {
			return err
		}
	}
	return nil
}

// step runs one bring-up step under the command retry budget
func (c *Card) step(name string, fn func() error) error {
	Debugf("bring-up: %s", name)
	n, err := retryBounded(name, c.cfg.CommandRetries, c.cfg.RetryBackoff, func(int) error {
		return fn()
	})
	if err != nil {
		return &StepError{Step: name, Attempts: n, Err: err}
	}
	return nil
}

// tolerable reports whether a best-effort step may be skipped: the card kept
// answering but never accepted the command. A wedged bus or a dead link is
// still fatal.
func tolerable(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
