// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "fmt"

// Function codes used on the ZBM bus. Only holding-register reads and
// single-register writes are spoken by the devices; the input-register
// read is kept because some firmware revisions mirror the measurement
// block there.
const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04
	FuncCodeWriteSingleRegister  = 0x06
)

// ExceptionBit is set in the function code of an exception response.
const ExceptionBit = 0x80

// Modbus exception codes.
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionDeviceFailure      = 0x04
)

// ProtocolDataUnit is the transport-independent part of a Modbus frame.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// ExceptionError is an exception response returned by a slave.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionIllegalFunction:
		name = "illegal function"
	case ExceptionIllegalDataAddress:
		name = "illegal data address"
	case ExceptionIllegalDataValue:
		name = "illegal data value"
	case ExceptionDeviceFailure:
		name = "device failure"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, name, e.FunctionCode)
}
