// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package serial adapts go.bug.st/serial to modbus.ByteStream, the
// non-blocking duplex contract the RTU engine ticks against. It replaces
// the teacher's serial.go, which opened the port behind a blocking
// io.ReadWriteCloser and a context-cancellable Send loop; here the port is
// polled with a short read deadline each Tick instead.
package serial

import (
	"time"

	goserial "go.bug.st/serial"

	modbus "github.com/lumberbarons/mbmaster"
)

// pollTimeout bounds how long one Port.Read call may block; it keeps the
// adapter's Available/Read pair effectively non-blocking from the engine's
// point of view without spinning a reader goroutine.
const pollTimeout = 2 * time.Millisecond

// Port wraps an open go.bug.st/serial port as a modbus.ByteStream, with
// optional RS-485 direction-control lines.
type Port struct {
	port goserial.Port
	buf  [256]byte
	n    int

	rtsForDE bool // use RTS as the RS-485 driver-enable line
}

// Config mirrors the fields the teacher's serialPort carried.
type Config struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits goserial.StopBits
	Parity   goserial.Parity
	// RTSForDirection, when true, drives RTS high during transmit and low
	// otherwise — the common half-duplex RS-485 USB-adapter convention.
	RTSForDirection bool
}

// Open opens and configures the serial port described by cfg.
func Open(cfg Config) (*Port, error) {
	mode := &goserial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}
	p, err := goserial.Open(cfg.Address, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(pollTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return &Port{port: p, rtsForDE: cfg.RTSForDirection}, nil
}

// Close releases the underlying port.
func (p *Port) Close() error { return p.port.Close() }

var _ modbus.ByteStream = (*Port)(nil)
var _ modbus.DirectionPins = (*Port)(nil)

// Available fills the adapter's internal buffer with whatever is waiting
// on the line (bounded by pollTimeout) and reports how many bytes are now
// buffered.
func (p *Port) Available() int {
	if p.n >= len(p.buf) {
		return p.n
	}
	got, err := p.port.Read(p.buf[p.n:])
	if err == nil {
		p.n += got
	}
	return p.n
}

// Read drains up to len(buf) bytes from the adapter's internal buffer.
func (p *Port) Read(buf []byte) int {
	n := copy(buf, p.buf[:p.n])
	copy(p.buf[:], p.buf[n:p.n])
	p.n -= n
	return n
}

// Write writes buf to the port; go.bug.st/serial's Write blocks only on
// the underlying driver's own output buffering, matching the non-blocking
// contract closely enough for the polling sizes the engine uses.
func (p *Port) Write(buf []byte) int {
	n, err := p.port.Write(buf)
	if err != nil {
		return 0
	}
	return n
}

// Flush discards any buffered input, on the wire and in the adapter.
func (p *Port) Flush() {
	p.n = 0
	p.port.ResetInputBuffer()
}

// SetDriverEnable asserts or releases the RS-485 driver-enable line (RTS,
// when configured via RTSForDirection).
func (p *Port) SetDriverEnable(on bool) {
	if p.rtsForDE {
		p.port.SetRTS(on)
	}
}

// SetReceiverEnable is a no-op on adapters where the same RTS line that
// drives the transmitter also gates the receiver, which is the common
// case for cheap RS-485 USB dongles; kept for symmetry with
// modbus.DirectionPins.
func (p *Port) SetReceiverEnable(on bool) {}
