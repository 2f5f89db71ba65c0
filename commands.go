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
	"fmt"

	"github.com/ZaparooProject/go-sdspi/internal/frame"
)

// checkFixedCRC verifies that the computed CRC7 of a protocol-fixed command
// still equals its known constant. A mismatch is a defect in the framer, so
// it is a contract violation and never retried.
func checkFixedCRC(op string, cmd frame.Command, arg uint32, want byte) error {
	if got := frame.CommandCRC(cmd, arg); got != want {
		return newProtocolError(op, cmd.String(), KindContract,
			fmt.Errorf("%w: computed 0x%02X, expected 0x%02X", ErrContractViolation, got, want))
	}
	return nil
}

// fixedCommand sends a command whose argument and CRC7 are fixed by the protocol
func (c *Card) fixedCommand(op string, cmd frame.Command, arg uint32, crc byte) error {
	if err := checkFixedCRC(op, cmd, arg, crc); err != nil {
		return err
	}
	return c.bus.sendCommand(cmd, arg, crc)
}

// command sends a command with a computed CRC7
func (c *Card) command(cmd frame.Command, arg uint32) error {
	return c.bus.sendCommand(cmd, arg, frame.CommandCRC(cmd, arg))
}

// goIdleState sends CMD0 and expects the card to enter the idle state
func (c *Card) goIdleState() error {
	const op = "go idle state"
	if err := c.fixedCommand(op, frame.CmdGoIdleState, frame.NoArg, frame.CRCGoIdleState); err != nil {
		return err
	}
	r, err := c.bus.readR1(op, frame.ExtStatusLength)
	if err != nil {
		return err
	}
	if r.Status != frame.R1Idle {
		return newRejectedError(op, c.bus.cmd, r.Status, nil)
	}
	return nil
}

// sendIfCond sends CMD8 with 2.7-3.6V and the 0xAA check pattern. Version 1
// cards do not know CMD8 and answer illegal command.
func (c *Card) sendIfCond() error {
	const op = "send interface condition"
	if err := c.fixedCommand(op, frame.CmdSendIfCond, frame.IfCondArg, frame.CRCSendIfCond); err != nil {
		return err
	}
	r, err := c.bus.readR7(op)
	if err != nil {
		return err
	}
	if r.Status&frame.R1IllegalCommand != 0 {
		return newRejectedError(op, c.bus.cmd, r.Status, ErrUnsupportedCommand)
	}
	if r.Voltage != frame.IfCondVoltage || r.Pattern != frame.IfCondPattern {
		return newRejectedError(op, c.bus.cmd, r.Status,
			fmt.Errorf("%w: voltage 0x%X pattern 0x%02X", ErrCardRejected, r.Voltage, r.Pattern))
	}
	return nil
}

// stopTransmission sends CMD12 and polls for its status byte only. Chip
// select stays held: the caller waits out the busy period.
func (c *Card) stopTransmission() (byte, error) {
	const op = "stop transmission"
	if err := c.fixedCommand(op, frame.CmdStopTransmission, frame.NoArg, frame.CRCStopTransmission); err != nil {
		return 0, err
	}
	return c.bus.poll(op, frame.R1LeadTarget, frame.R1LeadMask, c.cfg.ResponsePolls)
}

// setBlockLen sends CMD16. Any status above idle is a rejection.
func (c *Card) setBlockLen(n uint32) error {
	const op = "set block length"
	if err := c.command(frame.CmdSetBlockLen, n); err != nil {
		return err
	}
	r, err := c.bus.readR1(op, frame.ExtStatusLength)
	if err != nil {
		return err
	}
	if r.Status > frame.R1Idle {
		return newRejectedError(op, c.bus.cmd, r.Status, nil)
	}
	return nil
}

// readSingleBlockCmd sends CMD17 and polls for the status byte. The data
// token follows on the held bus.
func (c *Card) readSingleBlockCmd(addr uint32) (byte, error) {
	const op = "read single block"
	if err := c.command(frame.CmdReadSingleBlock, addr); err != nil {
		return 0, err
	}
	return c.bus.poll(op, frame.R1LeadTarget, frame.R1LeadMask, c.cfg.ResponsePolls)
}

// readMultipleBlockCmd sends CMD18 and polls for the status byte.
func (c *Card) readMultipleBlockCmd(addr uint32) (byte, error) {
	const op = "read multiple block"
	if err := c.command(frame.CmdReadMultipleBlock, addr); err != nil {
		return 0, err
	}
	return c.bus.poll(op, frame.R1LeadTarget, frame.R1LeadMask, c.cfg.ResponsePolls)
}

// writeBlockCmd sends CMD24. The card must answer a clean status.
func (c *Card) writeBlockCmd(addr uint32) error {
	const op = "write block"
	if err := c.command(frame.CmdWriteBlock, addr); err != nil {
		return err
	}
	r, err := c.bus.readR1(op, frame.ExtStatusLength)
	if err != nil {
		return err
	}
	if r.Status != 0 {
		return newRejectedError(op, c.bus.cmd, r.Status, nil)
	}
	return nil
}

// writeMultipleBlockCmd sends CMD25 and polls for an exact 0x00 status.
// Chip select stays held for the data phase.
func (c *Card) writeMultipleBlockCmd(addr uint32) error {
	const op = "write multiple block"
	if err := c.command(frame.CmdWriteMultipleBlock, addr); err != nil {
		return err
	}
	_, err := c.bus.poll(op, 0x00, 0xFF, c.cfg.ResponsePolls)
	return err
}

// appCmd sends CMD55. During initialization the card answers idle.
func (c *Card) appCmd() error {
	const op = "app command"
	if err := c.fixedCommand(op, frame.CmdAppCmd, frame.NoArg, frame.CRCAppCmd); err != nil {
		return err
	}
	r, err := c.bus.readR1(op, frame.ExtStatusLength)
	if err != nil {
		return err
	}
	if r.Status != frame.R1Idle {
		return newRejectedError(op, c.bus.cmd, r.Status, nil)
	}
	return nil
}

// readOCR sends CMD58. It fails while power-up is still in progress.
func (c *Card) readOCR() (R3Response, error) {
	const op = "read OCR"
	if err := c.fixedCommand(op, frame.CmdReadOCR, frame.NoArg, frame.CRCReadOCR); err != nil {
		return R3Response{}, err
	}
	r, err := c.bus.readR3(op)
	if err != nil {
		return r, err
	}
	if !r.PowerUpDone() {
		return r, newRejectedError(op, c.bus.cmd, r.Status,
			fmt.Errorf("%w: power-up not complete (OCR 0x%08X)", ErrCardRejected, r.OCR))
	}
	return r, nil
}

// crcOnOff sends CMD59. Cards and emulators without CRC checking answer
// illegal command.
func (c *Card) crcOnOff(on bool) error {
	const op = "CRC on/off"
	arg, crc := frame.CRCOffArg, frame.CRCCRCOff
	if on {
		arg, crc = frame.CRCOnArg, frame.CRCCRCOn
	}
	if err := c.fixedCommand(op, frame.CmdCRCOnOff, arg, crc); err != nil {
		return err
	}
	r, err := c.bus.readR1(op, frame.ExtStatusLength)
	if err != nil {
		return err
	}
	if r.Status&frame.R1IllegalCommand != 0 {
		return newRejectedError(op, c.bus.cmd, r.Status, ErrUnsupportedCommand)
	}
	if r.Status > frame.R1Idle {
		return newRejectedError(op, c.bus.cmd, r.Status, nil)
	}
	return nil
}

// sdSendOpCond sends CMD55 then ACMD41 with HCS set. It succeeds once the
// OCR busy bit clears. A failed CMD55 is returned without sending ACMD41.
func (c *Card) sdSendOpCond() (R3Response, error) {
	const op = "send op condition"
	if err := c.appCmd(); err != nil {
		return R3Response{}, err
	}
	if err := c.command(frame.AppCmdSendOpCond, frame.OpCondHCS); err != nil {
		return R3Response{}, err
	}
	r, err := c.bus.readR3(op)
	if err != nil {
		return r, err
	}
	if !r.PowerUpDone() {
		return r, newRejectedError(op, c.bus.cmd, r.Status,
			fmt.Errorf("%w: card busy (OCR 0x%08X)", ErrCardRejected, r.OCR))
	}
	return r, nil
}
