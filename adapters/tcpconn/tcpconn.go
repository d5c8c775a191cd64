// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package tcpconn adapts net.Conn to modbus.TCPConn, the non-blocking
// per-slave connection contract the TCP engine ticks against. Grounded on
// the teacher's tcpclient.go dialer, minus its context-based Send loop.
package tcpconn

import (
	"fmt"
	"net"
	"time"

	modbus "github.com/lumberbarons/mbmaster"
)

const pollTimeout = 2 * time.Millisecond

// Conn wraps a net.Conn as a modbus.TCPConn. It dials lazily: Connect is
// called by the engine whenever it finds itself disconnected.
type Conn struct {
	conn net.Conn
	buf  [512]byte
}

var _ modbus.TCPConn = (*Conn)(nil)

// Connect dials ip:port, returning false on failure so the caller can
// retry later instead of blocking the tick loop on a slow/absent peer.
func (c *Conn) Connect(ip string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), 2*time.Second)
	if err != nil {
		return false
	}
	c.conn = conn
	return true
}

// Connected reports whether a connection is currently open.
func (c *Conn) Connected() bool { return c.conn != nil }

// Available polls the socket for up to pollTimeout and returns how many
// bytes it read into the adapter's buffer.
func (c *Conn) Available() int {
	if c.conn == nil {
		return 0
	}
	c.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, err := c.conn.Read(c.buf[:])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0
		}
		c.conn.Close()
		c.conn = nil
		return 0
	}
	return n
}

// Read copies the bytes Available just buffered.
func (c *Conn) Read(dst []byte) int {
	return copy(dst, c.buf[:])
}

// Write writes buf to the socket, closing and clearing the connection on
// error so the engine's next Tick reconnects.
func (c *Conn) Write(buf []byte) int {
	if c.conn == nil {
		return 0
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return 0
	}
	return n
}
