// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	modbus "github.com/lumberbarons/mbmaster"
	"github.com/lumberbarons/mbmaster/adapters/serial"
	goserial "go.bug.st/serial"

	"github.com/lumberbarons/mbmaster/internal/testutil"
)

func splitAddress(address string) (string, int, error) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("address must be host:port, got %q", address)
	}
	port, err := strconv.Atoi(address[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", address, err)
	}
	return address[:idx], port, nil
}

func dialRTU(t *testing.T, devicePath string, baud int) *modbus.RTUMaster {
	t.Helper()
	port, err := serial.Open(serial.Config{
		Address:  devicePath,
		BaudRate: baud,
		DataBits: 8,
		StopBits: goserial.OneStopBit,
		Parity:   goserial.EvenParity,
	})
	if err != nil {
		t.Fatalf("opening simulated serial port: %v", err)
	}
	t.Cleanup(func() { port.Close() })
	return modbus.NewRTUMaster(port, modbus.NewSystemClock(), modbus.WithBaudRate(baud))
}

func TestRTUReadHoldingRegisters(t *testing.T) {
	cleanup, devicePath := testutil.StartRTUSimulator(t, testutil.WithSlaveID(17))
	defer cleanup()

	m := dialRTU(t, devicePath, 19200)

	var done bool
	var result modbus.Result
	m.ReadHoldingRegisters(17, 0, 4, func(r modbus.Result) {
		result = r
		done = true
	})
	drive(t, m.Tick, &done, 5*time.Second)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Data) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(result.Data))
	}
}

func TestRTUWrongSlaveIsIgnored(t *testing.T) {
	cleanup, devicePath := testutil.StartRTUSimulator(t, testutil.WithSlaveID(17))
	defer cleanup()

	m := dialRTU(t, devicePath, 19200)

	var done bool
	var result modbus.Result
	m.ReadHoldingRegisters(9, 0, 1, func(r modbus.Result) {
		result = r
		done = true
	})
	drive(t, m.Tick, &done, 3*time.Second)

	if result.Err == nil {
		t.Fatal("expected a timeout since slave 9 never answers")
	}
	if result.Err.Kind != modbus.KindResponseTimeout {
		t.Fatalf("expected KindResponseTimeout, got %v", result.Err.Kind)
	}
}

func TestRTUWriteSingleRegisterThenReadBack(t *testing.T) {
	cleanup, devicePath := testutil.StartRTUSimulator(t, testutil.WithSlaveID(1))
	defer cleanup()

	m := dialRTU(t, devicePath, 19200)

	var writeDone bool
	var writeResult modbus.Result
	m.WriteSingleRegister(1, 5, 0xBEEF, func(r modbus.Result) {
		writeResult = r
		writeDone = true
	})
	drive(t, m.Tick, &writeDone, 3*time.Second)
	if writeResult.Err != nil {
		t.Fatalf("write failed: %v", writeResult.Err)
	}

	var readDone bool
	var readResult modbus.Result
	m.ReadHoldingRegisters(1, 5, 1, func(r modbus.Result) {
		readResult = r
		readDone = true
	})
	drive(t, m.Tick, &readDone, 3*time.Second)
	if readResult.Err != nil {
		t.Fatalf("read failed: %v", readResult.Err)
	}
	if len(readResult.Data) != 2 || readResult.Data[0] != 0xBE || readResult.Data[1] != 0xEF {
		t.Fatalf("expected BE EF, got % x", readResult.Data)
	}
}
