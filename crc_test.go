// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "testing"

func TestCRC16KnownFrame(t *testing.T) {
	// Read holding registers request, slave 0x11, address 0x006B, quantity
	// 3 — the wire trailer for this exact frame is the well-known 0x76,
	// 0x87 (low byte first), i.e. register value 0x8776.
	frame := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	got := crc16(frame)
	want := uint16(0x8776)
	if got != want {
		t.Fatalf("crc16(%x) = %#04x, want %#04x", frame, got, want)
	}
}

func TestCRC16KnownFrame2(t *testing.T) {
	// Read holding registers request, slave 0x01, address 0x0000, quantity
	// 10 — wire trailer 0xC5, 0xCD, register value 0xCDC5.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	got := crc16(frame)
	want := uint16(0xCDC5)
	if got != want {
		t.Fatalf("crc16(%x) = %#04x, want %#04x", frame, got, want)
	}
}

func TestCRC16RoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	c := crc16(frame)
	withCRC := append(append([]byte{}, frame...), byte(c), byte(c>>8))
	if crc16(withCRC) != 0 {
		t.Fatalf("crc16 of frame+its own CRC should be 0, got %#04x", crc16(withCRC))
	}
}

func TestCRC16EmptyInput(t *testing.T) {
	if got := crc16(nil); got != 0xFFFF {
		t.Fatalf("crc16(nil) = %#04x, want seed 0xFFFF", got)
	}
}

func TestCRC16ExportedMatchesInternal(t *testing.T) {
	frame := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	if CRC16(frame) != crc16(frame) {
		t.Fatalf("CRC16 and crc16 disagree")
	}
}

func TestCRC16SingleByteFlip(t *testing.T) {
	a := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	b := []byte{0x11, 0x03, 0x00, 0x6C, 0x00, 0x03}
	if crc16(a) == crc16(b) {
		t.Fatal("expected different CRC for a single flipped byte")
	}
}
