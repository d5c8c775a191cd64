// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Function codes as defined in the Modbus Application Protocol.
const (
	// FuncCodeReadCoils for bit wise access.
	FuncCodeReadCoils = 0x01
	// FuncCodeReadDiscreteInputs for bit wise access.
	FuncCodeReadDiscreteInputs = 0x02
	// FuncCodeReadHoldingRegisters for 16-bit wise access.
	FuncCodeReadHoldingRegisters = 0x03
	// FuncCodeReadInputRegisters for 16-bit wise access.
	FuncCodeReadInputRegisters = 0x04
	// FuncCodeWriteSingleCoil for bit wise access.
	FuncCodeWriteSingleCoil = 0x05
	// FuncCodeWriteSingleRegister for 16-bit wise access.
	FuncCodeWriteSingleRegister = 0x06
	// FuncCodeReadExceptionStatus is serial-line only.
	FuncCodeReadExceptionStatus = 0x07
	// FuncCodeDiagnostics is serial-line only.
	FuncCodeDiagnostics = 0x08
	// FuncCodeWriteMultipleCoils for bit wise access.
	FuncCodeWriteMultipleCoils = 0x0F
	// FuncCodeWriteMultipleRegisters for 16-bit wise access.
	FuncCodeWriteMultipleRegisters = 0x10
	// FuncCodeMaskWriteRegister for 16-bit wise access.
	FuncCodeMaskWriteRegister = 0x16
	// FuncCodeReadWriteMultipleRegisters for 16-bit wise access.
	FuncCodeReadWriteMultipleRegisters = 0x17

	// exceptionBit is set in the function code byte of an exception response.
	exceptionBit = 0x80
)

// Diagnostics sub-function codes recognized by buildDiagnostics. Only the
// "Return Query Data" loopback sub-function is meaningful without a live
// slave-side diagnostic register file, so it is the only one admitted.
const (
	SubFuncReturnQueryData = 0x0000
)

// Modbus exception codes, carried in byte 1 of an exception response.
// Code 9 is unused in the Modbus Application Protocol and is skipped here,
// matching every real-world slave and the grid-x/goburrow lineage this
// module descends from.
const (
	ExceptionIllegalFunction        = 1
	ExceptionIllegalDataAddress     = 2
	ExceptionIllegalDataValue       = 3
	ExceptionSlaveDeviceFailure     = 4
	ExceptionAcknowledge            = 5
	ExceptionSlaveDeviceBusy        = 6
	ExceptionNegativeAcknowledge    = 7
	ExceptionMemoryParityError      = 8
	ExceptionGatewayPathUnavailable = 10
	ExceptionGatewayTargetFailed    = 11
)

func exceptionName(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionSlaveDeviceFailure:
		return "slave device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "slave device busy"
	case ExceptionNegativeAcknowledge:
		return "negative acknowledge"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetFailed:
		return "gateway target device failed to respond"
	default:
		return "unknown exception"
	}
}
