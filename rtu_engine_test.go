// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"testing"
)

// fakeClock lets a test drive RTUEngine.Tick through an exact sequence of
// microsecond timestamps instead of racing the wall clock.
type fakeClock struct{ us int64 }

func (c *fakeClock) NowMicros() int64 { return c.us }

// fakeStream is an in-memory ByteStream: writes land in tx, reads drain a
// caller-fed rx buffer exactly once each, matching ByteStream's
// never-block contract.
type fakeStream struct {
	tx bytes.Buffer
	rx []byte
}

func (s *fakeStream) Available() int { return len(s.rx) }
func (s *fakeStream) Read(buf []byte) int {
	n := copy(buf, s.rx)
	s.rx = s.rx[n:]
	return n
}
func (s *fakeStream) Write(buf []byte) int {
	n, _ := s.tx.Write(buf) // *bytes.Buffer.Write never errors
	return n
}
func (s *fakeStream) Flush() {}

// TestRTUReadHoldingRegisterWire reproduces spec.md §8 scenario 1 bit-
// exactly: fn=0x03, slave=1, addr=0x0000, count=1 must put
// `01 03 00 00 00 01 84 0A` on the wire, and the slave's
// `01 03 02 12 34 B5 33` reply must decode to register value 0x1234.
func TestRTUReadHoldingRegisterWire(t *testing.T) {
	stream := &fakeStream{}
	clock := &fakeClock{}
	m := NewRTUMaster(stream, clock, WithBaudRate(19200))

	var got Result
	done := false
	m.ReadHoldingRegisters(1, 0x0000, 1, func(r Result) { got = r; done = true })

	m.Tick() // IDLE -> transmit, enter RECEIVE

	wantWire := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(stream.tx.Bytes(), wantWire) {
		t.Fatalf("wire bytes = % x, want % x", stream.tx.Bytes(), wantWire)
	}

	stream.rx = []byte{0x01, 0x03, 0x02, 0x12, 0x34, 0xB5, 0x33}
	clock.us += 1000
	m.Tick() // RECEIVE -> accumulate -> HEAD_CHECKED

	clock.us += 10000
	m.Tick() // HEAD_CHECKED -> frame complete, callback fires

	if !done {
		t.Fatal("expected the callback to have fired")
	}
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	values, err := UnpackTyped[uint16](got.Data)
	if err != nil {
		t.Fatalf("UnpackTyped: %v", err)
	}
	if len(values) != 1 || values[0] != 0x1234 {
		t.Fatalf("got %v, want [0x1234]", values)
	}
}

// TestRTUExceptionResponse reproduces scenario 2: an exception reply must
// surface as KindException with exception code 2 (ILLEGAL_DATA_ADDRESS).
func TestRTUExceptionResponse(t *testing.T) {
	stream := &fakeStream{}
	clock := &fakeClock{}
	m := NewRTUMaster(stream, clock, WithBaudRate(19200))

	var got Result
	m.ReadHoldingRegisters(1, 0x0000, 1, func(r Result) { got = r })
	m.Tick()

	stream.rx = []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}
	clock.us += 1000
	m.Tick()
	clock.us += 10000
	m.Tick()

	if got.Err == nil || got.Err.Kind != KindException || got.Err.Exception != ExceptionIllegalDataAddress {
		t.Fatalf("expected ILLEGAL_DATA_ADDRESS exception, got %v", got.Err)
	}
}

// TestRTUBroadcastWriteCoil reproduces scenario 3: slave 0 fires the
// callback synchronously with no receive attempted.
func TestRTUBroadcastWriteCoil(t *testing.T) {
	stream := &fakeStream{}
	clock := &fakeClock{}
	m := NewRTUMaster(stream, clock, WithBaudRate(19200))

	var got Result
	done := false
	m.WriteSingleCoil(0, 5, true, func(r Result) { got = r; done = true })
	m.Tick()

	if !done {
		t.Fatal("expected the broadcast callback to fire synchronously on send")
	}
	if got.Err != nil {
		t.Fatalf("unexpected error: %v", got.Err)
	}
	wantWire := []byte{0x00, 0x05, 0x00, 0x05, 0xFF, 0x00}
	gotWire := stream.tx.Bytes()
	if len(gotWire) != len(wantWire)+2 || !bytes.Equal(gotWire[:len(wantWire)], wantWire) {
		t.Fatalf("wire bytes = % x, want % x + 2-byte crc", gotWire, wantWire)
	}
}

// TestRTUCRCFailure reproduces scenario 5: a corrupted trailing CRC must
// surface as KindCRC.
func TestRTUCRCFailure(t *testing.T) {
	stream := &fakeStream{}
	clock := &fakeClock{}
	m := NewRTUMaster(stream, clock, WithBaudRate(19200))

	var got Result
	m.ReadHoldingRegisters(1, 0x0000, 1, func(r Result) { got = r })
	m.Tick()

	stream.rx = []byte{0x01, 0x03, 0x02, 0x12, 0x34, 0xFF, 0xFF}
	clock.us += 1000
	m.Tick()
	clock.us += 10000
	m.Tick()

	if got.Err == nil || got.Err.Kind != KindCRC {
		t.Fatalf("expected KindCRC, got %v", got.Err)
	}
}

// TestRTUMultiSlaveRotation reproduces scenario 6: a {1,2,3} slave set with
// no inter-slave delay must poll 1, 2, 3 in order, each answered
// immediately, with no fourth request ready before the 1s repeat-cycle
// delay elapses.
func TestRTUMultiSlaveRotation(t *testing.T) {
	stream := &fakeStream{}
	clock := &fakeClock{}
	m := NewRTUMaster(stream, clock, WithBaudRate(19200))

	set := NewSlaveSet(0, 1000)
	set.Set(1)
	set.Set(2)
	set.Set(3)

	var seen []byte
	m.ReadHoldingRegistersSlaveSet(set, 0x0000, 1, func(r Result) {
		seen = append(seen, r.Slave)
	})

	respondOnce := func(slave byte) {
		m.Tick() // send to the next member
		stream.rx = []byte{slave, 0x03, 0x02, 0x00, 0x00, 0, 0}
		c := crc16([]byte{slave, 0x03, 0x02, 0x00, 0x00})
		stream.rx[5] = byte(c)
		stream.rx[6] = byte(c >> 8)
		clock.us += 1000
		m.Tick() // RECEIVE -> HEAD_CHECKED
		clock.us += 10000
		m.Tick() // completes the frame, reschedules
		clock.us += 10000
		m.Tick() // BUFFER_CLEAR -> IDLE
	}

	respondOnce(1)
	respondOnce(2)
	respondOnce(3)

	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("expected rotation 1,2,3 in order, got %v", seen)
	}

	// Immediately after slave 3, no further member is ready: the cycle
	// wrapped and must wait out the 1000ms repeat-cycle delay before slave
	// 1 is polled again.
	txLenAfterCycle := stream.tx.Len()
	m.Tick()
	if stream.tx.Len() != txLenAfterCycle {
		t.Fatal("expected no new transmission before the repeat-cycle delay elapses")
	}

	clock.us += 1_000_000 // repeat-cycle delay is in milliseconds
	m.Tick()
	if stream.tx.Len() == txLenAfterCycle {
		t.Fatal("expected a new transmission to slave 1 once the repeat-cycle delay elapses")
	}
}
