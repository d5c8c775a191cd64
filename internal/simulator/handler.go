// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"

	modbus "github.com/lumberbarons/mbmaster"
)

// PDU is the raw function-code-plus-data shape the simulator exchanges
// with its RTU/TCP framing, independent of the master-side ADU
// representation: the slave role has no pending queue, no pool, no
// callback, just a request in and a response out.
type PDU struct {
	FunctionCode byte
	Data         []byte
}

// Handler processes Modbus function codes and interacts with the DataStore.
type Handler struct {
	dataStore *DataStore
}

// NewHandler creates a new Handler with the given DataStore.
func NewHandler(ds *DataStore) *Handler {
	return &Handler{dataStore: ds}
}

// HandleRequest processes a Modbus PDU request and returns a response PDU.
func (h *Handler) HandleRequest(req *PDU) *PDU {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return h.handleReadCoils(req)
	case modbus.FuncCodeReadDiscreteInputs:
		return h.handleReadDiscreteInputs(req)
	case modbus.FuncCodeReadHoldingRegisters:
		return h.handleReadHoldingRegisters(req)
	case modbus.FuncCodeReadInputRegisters:
		return h.handleReadInputRegisters(req)
	case modbus.FuncCodeWriteSingleCoil:
		return h.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return h.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return h.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return h.handleWriteMultipleRegisters(req)
	case modbus.FuncCodeMaskWriteRegister:
		return h.handleMaskWriteRegister(req)
	case modbus.FuncCodeReadWriteMultipleRegisters:
		return h.handleReadWriteMultipleRegisters(req)
	case modbus.FuncCodeReadExceptionStatus:
		return h.handleReadExceptionStatus(req)
	case modbus.FuncCodeDiagnostics:
		return h.handleDiagnostics(req)
	default:
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalFunction)
	}
}

func (h *Handler) handleReadCoils(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 2000 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	coils, err := h.dataStore.ReadCoils(address, quantity)
	if err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: boolsToBytes(coils)}
}

func (h *Handler) handleReadDiscreteInputs(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 2000 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	inputs, err := h.dataStore.ReadDiscreteInputs(address, quantity)
	if err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: boolsToBytes(inputs)}
}

func (h *Handler) handleReadHoldingRegisters(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 125 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	registers, err := h.dataStore.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: registersToBytes(registers)}
}

func (h *Handler) handleReadInputRegisters(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 125 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	registers, err := h.dataStore.ReadInputRegisters(address, quantity)
	if err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: registersToBytes(registers)}
}

func (h *Handler) handleWriteSingleCoil(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if value != 0x0000 && value != 0xFF00 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	if err := h.dataStore.WriteSingleCoil(address, value == 0xFF00); err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (h *Handler) handleWriteSingleRegister(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := h.dataStore.WriteSingleRegister(address, value); err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (h *Handler) handleWriteMultipleCoils(req *PDU) *PDU {
	if len(req.Data) < 5 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 1968 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	expectedByteCount := (quantity + 7) / 8
	if uint16(byteCount) != expectedByteCount || len(req.Data) < int(5+byteCount) {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	coils := bytesToBools(req.Data[5:5+byteCount], quantity)
	if err := h.dataStore.WriteMultipleCoils(address, coils); err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	response := make([]byte, 4)
	binary.BigEndian.PutUint16(response[0:2], address)
	binary.BigEndian.PutUint16(response[2:4], quantity)
	return &PDU{FunctionCode: req.FunctionCode, Data: response}
}

func (h *Handler) handleWriteMultipleRegisters(req *PDU) *PDU {
	if len(req.Data) < 5 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 123 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	if byteCount != byte(quantity*2) || len(req.Data) < int(5+byteCount) {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	registers := bytesToRegisters(req.Data[5 : 5+byteCount])
	if err := h.dataStore.WriteMultipleRegisters(address, registers); err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	response := make([]byte, 4)
	binary.BigEndian.PutUint16(response[0:2], address)
	binary.BigEndian.PutUint16(response[2:4], quantity)
	return &PDU{FunctionCode: req.FunctionCode, Data: response}
}

func (h *Handler) handleMaskWriteRegister(req *PDU) *PDU {
	if len(req.Data) < 6 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	andMask := binary.BigEndian.Uint16(req.Data[2:4])
	orMask := binary.BigEndian.Uint16(req.Data[4:6])

	if err := h.dataStore.MaskWriteRegister(address, andMask, orMask); err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (h *Handler) handleReadWriteMultipleRegisters(req *PDU) *PDU {
	if len(req.Data) < 9 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	readAddress := binary.BigEndian.Uint16(req.Data[0:2])
	readQuantity := binary.BigEndian.Uint16(req.Data[2:4])
	writeAddress := binary.BigEndian.Uint16(req.Data[4:6])
	writeQuantity := binary.BigEndian.Uint16(req.Data[6:8])
	writeByteCount := req.Data[8]

	if readQuantity < 1 || readQuantity > 125 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if writeQuantity < 1 || writeQuantity > 121 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	if writeByteCount != byte(writeQuantity*2) || len(req.Data) < int(9+writeByteCount) {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}

	writeRegisters := bytesToRegisters(req.Data[9 : 9+writeByteCount])
	if err := h.dataStore.WriteMultipleRegisters(writeAddress, writeRegisters); err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	readRegisters, err := h.dataStore.ReadHoldingRegisters(readAddress, readQuantity)
	if err != nil {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataAddress)
	}

	return &PDU{FunctionCode: req.FunctionCode, Data: registersToBytes(readRegisters)}
}

// handleReadExceptionStatus returns the data store's 8-bit exception
// status coil bank, function code 0x07.
func (h *Handler) handleReadExceptionStatus(req *PDU) *PDU {
	return &PDU{FunctionCode: req.FunctionCode, Data: []byte{h.dataStore.ExceptionStatus()}}
}

// handleDiagnostics implements only the Return Query Data sub-function,
// echoing the 2-byte data field back — the one sub-function the master
// side's BuildDiagnostics allows, per the diagnostics allow-list.
func (h *Handler) handleDiagnostics(req *PDU) *PDU {
	if len(req.Data) != 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalDataValue)
	}
	subFunction := binary.BigEndian.Uint16(req.Data[0:2])
	if subFunction != modbus.SubFuncReturnQueryData {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionIllegalFunction)
	}
	return &PDU{FunctionCode: req.FunctionCode, Data: req.Data}
}

// Helper functions

func newExceptionResponse(functionCode byte, exceptionCode byte) *PDU {
	return &PDU{FunctionCode: functionCode | 0x80, Data: []byte{exceptionCode}}
}

// boolsToBytes converts a slice of bools to Modbus byte format.
// The byte count is prepended, and bits are packed LSB first.
func boolsToBytes(values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	result := make([]byte, 1+byteCount)
	result[0] = byte(byteCount)

	for i, val := range values {
		if val {
			byteIndex := i/8 + 1
			bitIndex := uint(i % 8)
			result[byteIndex] |= 1 << bitIndex
		}
	}
	return result
}

// bytesToBools converts Modbus byte format to a slice of bools.
// Expects packed bits LSB first, extracts quantity bits.
func bytesToBools(data []byte, quantity uint16) []bool {
	result := make([]bool, quantity)
	for i := uint16(0); i < quantity; i++ {
		byteIndex := i / 8
		bitIndex := uint(i % 8)
		result[i] = (data[byteIndex] & (1 << bitIndex)) != 0
	}
	return result
}

// registersToBytes converts a slice of uint16 registers to Modbus byte format.
// The byte count is prepended, and each register is encoded big-endian.
func registersToBytes(registers []uint16) []byte {
	byteCount := len(registers) * 2
	result := make([]byte, 1+byteCount)
	result[0] = byte(byteCount)

	for i, reg := range registers {
		binary.BigEndian.PutUint16(result[1+i*2:], reg)
	}
	return result
}

// bytesToRegisters converts Modbus byte format to a slice of uint16 registers.
// Each pair of bytes is decoded big-endian.
func bytesToRegisters(data []byte) []uint16 {
	count := len(data) / 2
	result := make([]uint16, count)
	for i := 0; i < count; i++ {
		result[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return result
}
