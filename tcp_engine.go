// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"sync/atomic"
)

// tcpTxCounter is the process-wide monotonically incrementing transaction-ID
// source spec.md §3 and §9 call for: one counter shared by every TCPEngine
// in the process, wrapping naturally at 16 bits, not required to be unique
// across engines — modeled on the teacher's atomic.AddUint32 usage.
var tcpTxCounter uint32

func nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&tcpTxCounter, 1))
}

const (
	tcpProtocolIdentifier uint16 = 0x0000
	tcpHeaderSize                = 7
	tcpMaxADU                    = 260
)

// tcpClientItem is one configured remote slave: its own TCPConn, receive
// buffer and reconnect bookkeeping; transaction IDs come from the
// process-wide tcpTxCounter. spec.md §4.3 calls for
// per-slave connections rather than the teacher's single shared handler,
// since Modbus-TCP gateways commonly front more than one unit ID behind
// distinct sockets.
type tcpClientItem struct {
	slave         byte
	ip            string
	port          int
	conn          TCPConn
	rxBuf         [tcpMaxADU]byte
	rxLen         int
	reconnectAtMs int64
	everConnected bool
	pipelined     bool // allow more than one in-flight request to this slave
}

// TCPEngine multiplexes requests to any number of configured remote
// slaves over independent TCPConn connections, matching up replies to
// requests by MBAP transaction ID rather than by arrival order — required
// because §4.3 permits a pipelined client to have several requests
// in flight to the same slave at once.
type TCPEngine struct {
	clock       Clock
	pool        *Pool
	pending     *PendingQueue
	sent        *SentWindow
	clients     map[byte]*tcpClientItem
	timeoutMs   int64
	reconnectMs int64
	keepAlive   bool
	log         Logger
}

// NewTCPEngine builds an engine with the given pool, pending queue and
// sent-window capacity.
func NewTCPEngine(clock Clock, pool *Pool, pending *PendingQueue, sentCapacity int, timeoutMs, reconnectMs int64, keepAlive bool) *TCPEngine {
	return &TCPEngine{
		clock:       clock,
		pool:        pool,
		pending:     pending,
		sent:        NewSentWindow(sentCapacity),
		clients:     make(map[byte]*tcpClientItem),
		timeoutMs:   timeoutMs,
		reconnectMs: reconnectMs,
		keepAlive:   keepAlive,
		log:         nopLogger{},
	}
}

// SetLogger installs a logger; a nil logger is replaced by a no-op one.
func (e *TCPEngine) SetLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	e.log = l
}

// AddClient registers a TCPConn for the given slave (unit) id, connecting
// to ip:port. Pipelined enables more than one simultaneous in-flight
// request to this slave; disabled, the engine holds later requests in the
// pending queue until the earlier one completes or times out.
func (e *TCPEngine) AddClient(slave byte, ip string, port int, conn TCPConn, pipelined bool) {
	e.clients[slave] = &tcpClientItem{slave: slave, ip: ip, port: port, conn: conn, pipelined: pipelined}
}

// Tick advances every configured client connection and the shared pending
// queue by one step. nowMs is milliseconds on the engine's Clock.
func (e *TCPEngine) Tick(nowMs int64) {
	for _, c := range e.clients {
		e.tickClient(c, nowMs)
	}
	e.scanTimeouts(nowMs)
	e.tickPending(nowMs)
}

func (e *TCPEngine) tickClient(c *tcpClientItem, nowMs int64) {
	if !c.conn.Connected() {
		// Per spec.md §4.3: the first connect attempt always proceeds; once
		// a connection has dropped, a further automatic reconnect only
		// happens when keep-alive is enabled, and only after the
		// reconnect interval has elapsed since the last attempt.
		if c.everConnected && !e.keepAlive {
			return
		}
		if nowMs < c.reconnectAtMs {
			return
		}
		if !c.conn.Connect(c.ip, c.port) {
			c.reconnectAtMs = nowMs + e.reconnectMs
			return
		}
		c.everConnected = true
	}
	n := c.conn.Available()
	if n <= 0 {
		return
	}
	buf := make([]byte, n)
	got := c.conn.Read(buf)
	if c.rxLen+got > len(c.rxBuf) {
		got = len(c.rxBuf) - c.rxLen
	}
	copy(c.rxBuf[c.rxLen:], buf[:got])
	c.rxLen += got
	e.drainFrames(c, nowMs)
}

// drainFrames peels off as many complete MBAP frames as the client's
// receive buffer currently holds.
func (e *TCPEngine) drainFrames(c *tcpClientItem, nowMs int64) {
	for {
		if c.rxLen < tcpHeaderSize+1 {
			return
		}
		buf := c.rxBuf[:c.rxLen]
		length := binary.BigEndian.Uint16(buf[4:6])
		total := tcpHeaderSize + int(length) - 1
		if c.rxLen < total {
			return
		}
		frame := make([]byte, total)
		copy(frame, buf[:total])
		remaining := c.rxLen - total
		copy(c.rxBuf[:remaining], buf[total:c.rxLen])
		c.rxLen = remaining
		e.handleFrame(c, frame, nowMs)
	}
}

func (e *TCPEngine) handleFrame(c *tcpClientItem, frame []byte, nowMs int64) {
	transactionID := binary.BigEndian.Uint16(frame)
	unitID := frame[6]
	a := e.sent.Lookup(transactionID)
	if a == nil || a.slave != unitID {
		e.log.Debugf("tcp: unmatched frame slave=%d tid=%d", unitID, transactionID)
		return
	}
	e.sent.Remove(a)

	body := frame[tcpHeaderSize:]
	data, err := validateResponse(a.hdr, body)
	if err != nil {
		if mbErr, ok := err.(*Error); ok {
			e.finish(a, Result{Slave: unitID, FunctionCode: a.functionCode(), Err: mbErr}, nowMs)
		} else {
			e.finish(a, Result{Slave: unitID, FunctionCode: a.functionCode(), Err: kindError(KindInvalidData, a.functionCode())}, nowMs)
		}
		return
	}
	n, cerr := collapseTypedRead(data, a.elementSize)
	if cerr != nil {
		e.finish(a, Result{Slave: unitID, FunctionCode: a.functionCode(), Err: cerr.(*Error)}, nowMs)
		return
	}
	out := make([]byte, n)
	copy(out, data[:n])
	e.finish(a, Result{Slave: unitID, FunctionCode: a.functionCode(), Data: out}, nowMs)
}

func (e *TCPEngine) scanTimeouts(nowMs int64) {
	for _, a := range e.sent.TimedOut(nowMs, e.timeoutMs) {
		e.sent.Remove(a)
		e.finish(a, Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: kindError(KindResponseTimeout, a.functionCode())}, nowMs)
	}
}

func (e *TCPEngine) finish(a *ADU, res Result, nowMs int64) {
	deliver(a, res)
	e.rescheduleOrRelease(a, nowMs)
}

// rescheduleOrRelease mirrors RTUEngine's §4.4 scheduling: once a's
// callback has fired, ask its SlaveSet (if any, set via a slave-set
// request) for the next member and either re-stamp+re-enqueue a for that
// slave's own client, or release a back to the pool when the set is
// exhausted.
func (e *TCPEngine) rescheduleOrRelease(a *ADU, nowMs int64) {
	if a.slaveSet == nil {
		e.pool.Release(a)
		return
	}
	prev := a.slave
	next := a.slaveSet.Next()
	if next == SlaveEOF {
		e.pool.Release(a)
		return
	}
	delayMs := a.slaveSet.InterSlaveDelayMs()
	if next <= prev {
		delayMs = a.slaveSet.RepeatCycleDelayMs()
	}
	a.slave = next
	a.queuedAt = nowMs
	a.delay = delayMs
	if err := e.pending.Add(a); err != nil {
		e.pool.Release(a)
	}
}

func (e *TCPEngine) tickPending(nowMs int64) {
	a := e.pending.Ready(nowMs)
	if a == nil {
		return
	}
	c, ok := e.clients[a.slave]
	if !ok {
		e.finish(a, Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: kindError(KindTCPNoClientForSlave, a.functionCode())}, nowMs)
		return
	}
	if !c.conn.Connected() {
		// Requeue with a short delay rather than dropping the request.
		a.queuedAt = nowMs
		a.delay = e.reconnectMs
		_ = e.pending.Add(a)
		return
	}
	if !c.pipelined && e.hasInFlight(c) {
		a.queuedAt = nowMs
		a.delay = 10
		_ = e.pending.Add(a)
		return
	}
	e.send(c, a, nowMs)
}

func (e *TCPEngine) hasInFlight(c *tcpClientItem) bool {
	return e.sent.HasSlave(c.slave)
}

func (e *TCPEngine) send(c *tcpClientItem, a *ADU, nowMs int64) {
	a.transactionID = nextTransactionID()
	a.sentAtMilli = nowMs

	frame := make([]byte, tcpHeaderSize+a.pduLen)
	binary.BigEndian.PutUint16(frame, a.transactionID)
	binary.BigEndian.PutUint16(frame[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(frame[4:], uint16(1+a.pduLen))
	frame[6] = a.slave
	copy(frame[7:], a.txBuf[:a.pduLen])

	c.conn.Write(frame)
	if err := e.sent.Add(a); err != nil {
		e.finish(a, Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: err.(*Error)}, nowMs)
		return
	}
	e.log.Debugf("tcp: tx slave=%d tid=%d fn=%#x", a.slave, a.transactionID, a.functionCode())
}
