// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/zbm-bridge/modbus"
	"github.com/ffutop/zbm-bridge/modbus/crc"
)

// ApplicationDataUnit is a PDU framed for the serial line.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// ErrCRCMismatch is returned by Decode when the received checksum does not
// verify against the frame content.
type ErrCRCMismatch struct {
	Received uint16
	Computed uint16
}

func (e *ErrCRCMismatch) Error() string {
	return fmt.Sprintf("modbus: response crc '%#04x' does not match expected '%#04x'", e.Received, e.Computed)
}

// Decode parses a raw RTU frame and verifies its checksum. The CRC covers
// every byte up to, but not including, the CRC field itself.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != c.Value() {
		err = &ErrCRCMismatch{Received: checksum, Computed: c.Value()}
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes the PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	// Append crc, low byte first
	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := c.Value()

	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// IsException reports whether the frame is an exception response.
func (adu *ApplicationDataUnit) IsException() bool {
	return adu.Pdu.FunctionCode&modbus.ExceptionBit != 0
}

// ExceptionError converts an exception frame into a typed error. It must
// only be called when IsException reports true.
func (adu *ApplicationDataUnit) ExceptionError() *modbus.ExceptionError {
	var code byte
	if len(adu.Pdu.Data) > 0 {
		code = adu.Pdu.Data[0]
	}
	return &modbus.ExceptionError{
		FunctionCode:  adu.Pdu.FunctionCode &^ modbus.ExceptionBit,
		ExceptionCode: code,
	}
}
