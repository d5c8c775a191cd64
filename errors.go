// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "fmt"

// Kind identifies the category of an Error: either an echoed Modbus
// exception code (1-11) or one of the library-local frame/semantic errors.
type Kind int

const (
	_ Kind = iota

	// KindException marks a Modbus exception response; Error.Exception
	// carries the code (see the ExceptionXxx constants).
	KindException

	KindTooManyData
	KindTooFewData
	KindResponseTimeout
	KindConnResetByPeer
	KindConnRefused
	KindInvalidSlave
	KindInvalidFunction
	KindInvalidSubFunction
	KindInvalidAddress
	KindInvalidData
	KindInvalidDataQuantity
	KindInvalidByteLength
	KindInvalidExceptionCode
	KindCRC
	KindInvalidArgument
	KindInvalidSourceSize
	KindNotSupported
	KindQueueFull
	KindTCPSentBufferFull
	KindTCPNoClientForSlave
	KindNoMoreFreeADU
	KindBufferTooSmall
	KindInvalidMBAPTransactionID
	KindInvalidMBAPProtocolID
	KindInvalidMBAPUnitID
)

var kindNames = map[Kind]string{
	KindException:                "modbus exception",
	KindTooManyData:              "too many data",
	KindTooFewData:               "too few data",
	KindResponseTimeout:          "response timeout",
	KindConnResetByPeer:          "connection reset by peer",
	KindConnRefused:              "connection refused",
	KindInvalidSlave:             "invalid slave",
	KindInvalidFunction:          "invalid function",
	KindInvalidSubFunction:       "invalid sub-function",
	KindInvalidAddress:           "invalid address",
	KindInvalidData:              "invalid data",
	KindInvalidDataQuantity:      "invalid data quantity",
	KindInvalidByteLength:        "invalid byte length",
	KindInvalidExceptionCode:     "invalid exception code",
	KindCRC:                      "crc mismatch",
	KindInvalidArgument:          "invalid argument",
	KindInvalidSourceSize:        "invalid source size",
	KindNotSupported:             "not supported",
	KindQueueFull:                "queue full",
	KindTCPSentBufferFull:        "tcp sent buffer full",
	KindTCPNoClientForSlave:      "no tcp client for slave",
	KindNoMoreFreeADU:            "no more free adu",
	KindBufferTooSmall:           "buffer too small",
	KindInvalidMBAPTransactionID: "invalid mbap transaction id",
	KindInvalidMBAPProtocolID:    "invalid mbap protocol id",
	KindInvalidMBAPUnitID:        "invalid mbap unit id",
}

// Error is the single taxonomy every callback receives in place of a Go
// error: either a relayed Modbus exception or a library-local frame or
// semantic failure. It is a small plain struct; each failure is reported
// through a newly allocated *Error.
type Error struct {
	Kind         Kind
	FunctionCode byte
	Exception    byte // valid only when Kind == KindException
}

func (e *Error) Error() string {
	if e.Kind == KindException {
		return fmt.Sprintf("modbus: exception '%d' (%s), function '%#x'", e.Exception, exceptionName(e.Exception), e.FunctionCode&^exceptionBit)
	}
	name, ok := kindNames[e.Kind]
	if !ok {
		name = "unknown error"
	}
	return fmt.Sprintf("modbus: %s (function %#x)", name, e.FunctionCode)
}

// exceptionError builds an Error from an echoed exception response byte.
func exceptionError(functionCode, exceptionCode byte) *Error {
	return &Error{Kind: KindException, FunctionCode: functionCode, Exception: exceptionCode}
}

func kindError(kind Kind, functionCode byte) *Error {
	return &Error{Kind: kind, FunctionCode: functionCode}
}
