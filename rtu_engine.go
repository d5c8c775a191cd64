// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// rtuState is the tick-driven state machine spec.md §4.2 describes. It
// replaces the teacher's blocking calculateDelay/time.Sleep/io.ReadFull
// loop in rtuclient.go with an explicit machine advanced one Tick at a
// time: no goroutine, no blocking read, ever.
type rtuState int

const (
	rtuIdle rtuState = iota
	rtuReceive
	rtuHeadChecked
	rtuBufferClear
)

const (
	rtuMinFrame = 4 // slave + function + 2-byte CRC
	rtuMaxFrame = 256
)

// RTUEngine drives one RS-485/RS-232 line: one ByteStream, one pending
// queue, one sent ADU at a time (serial lines have no pipelining). Timing
// is derived from baudRate following the classic character/frame delay
// formula from the Modbus-over-serial-line guide, ported from
// rtuclient.go's calculateDelay into tick-compatible deadlines instead of
// time.Sleep.
type RTUEngine struct {
	stream   ByteStream
	pins     DirectionPins // nil if the stream has no RS-485 direction lines
	clock    Clock
	pool     *Pool
	pending  *PendingQueue
	baudRate int

	state   rtuState
	current *ADU
	rxBuf   [rtuMaxFrame]byte
	rxLen   int

	charDelayUs  int64
	frameDelayUs int64
	silenceUntil int64 // microseconds; RECEIVE/BUFFER_CLEAR deadline
	log          Logger

	// Direct overrides (spec.md §6's frame-timeout-us/byte-timeout-us/
	// response-timeout options); 0 means "derive from baud/uart-mode".
	responseTimeoutOverrideUs int64
}

// NewRTUEngine builds an engine for the given stream, pool and queue.
// baudRate <= 0 or > 19200 selects the fixed 750us/1750us timing the guide
// mandates for high baud rates. totalBits is 1 (start) + data-bits +
// parity-bits + stop-bits, the uart-mode option spec.md §6 describes; pass
// 10 for the common 8-N-1 framing.
func NewRTUEngine(stream ByteStream, clock Clock, pool *Pool, pending *PendingQueue, baudRate, totalBits int) *RTUEngine {
	e := &RTUEngine{
		stream:   stream,
		clock:    clock,
		pool:     pool,
		pending:  pending,
		baudRate: baudRate,
		log:      nopLogger{},
	}
	if pins, ok := stream.(DirectionPins); ok {
		e.pins = pins
	}
	e.charDelayUs, e.frameDelayUs = rtuTiming(baudRate, totalBits)
	return e
}

// SetLogger installs a logger; a nil logger is replaced by a no-op one.
func (e *RTUEngine) SetLogger(l Logger) {
	if l == nil {
		l = nopLogger{}
	}
	e.log = l
}

// SetTimeoutOverrides replaces the derived byte/frame/response timeouts
// with explicit values (spec.md §6's frame-timeout-us/byte-timeout-us/
// response-timeout options); a zero argument leaves the corresponding
// derived value in place.
func (e *RTUEngine) SetTimeoutOverrides(byteTimeoutUs, frameTimeoutUs, responseTimeoutUs int64) {
	if byteTimeoutUs > 0 {
		e.charDelayUs = byteTimeoutUs
	}
	if frameTimeoutUs > 0 {
		e.frameDelayUs = frameTimeoutUs
	}
	e.responseTimeoutOverrideUs = responseTimeoutUs
}

// rtuTiming derives the byte (1.5 char-time) and frame (3.5 char-time)
// silence timeouts from baudRate and the uart framing's total bit count,
// per the Modbus-over-serial-line guide's formula in spec.md §4.2. Baud
// rates above 19200 use the guide's fixed high-speed timing regardless of
// framing.
func rtuTiming(baudRate, totalBits int) (byteTimeoutUs, frameTimeoutUs int64) {
	if baudRate <= 0 || baudRate > 19200 {
		return 750, 1750
	}
	if totalBits <= 0 {
		totalBits = 10 // 1 start + 8 data + 1 stop, no parity
	}
	charUs := int64(totalBits) * 1000000 / int64(baudRate)
	return charUs * 3 / 2, charUs * 7 / 2
}

// Tick advances the engine by one step. now is microseconds on the
// engine's Clock. Tick never blocks: it performs at most one non-blocking
// stream Read/Write and returns.
func (e *RTUEngine) Tick(now int64) {
	switch e.state {
	case rtuIdle:
		e.tickIdle(now)
	case rtuReceive:
		e.tickReceive(now)
	case rtuHeadChecked:
		e.tickHeadChecked(now)
	case rtuBufferClear:
		e.tickBufferClear(now)
	}
}

func (e *RTUEngine) tickIdle(now int64) {
	a := e.pending.Ready(now)
	if a == nil {
		return
	}
	e.transmit(a, now)
}

func (e *RTUEngine) transmit(a *ADU, now int64) {
	frame := make([]byte, 0, a.pduLen+4)
	frame = append(frame, a.slave)
	frame = append(frame, a.txBuf[:a.pduLen]...)
	c := crc16(frame)
	frame = append(frame, byte(c), byte(c>>8))

	if e.pins != nil {
		e.pins.SetDriverEnable(true)
		e.pins.SetReceiverEnable(false)
	}
	e.stream.Write(frame)
	e.stream.Flush()
	if e.pins != nil {
		e.pins.SetDriverEnable(false)
		e.pins.SetReceiverEnable(true)
	}
	e.log.Debugf("rtu: tx slave=%d fn=%#x bytes=% x", a.slave, a.functionCode(), frame)

	if a.slave == 0 {
		// Broadcast: no response expected. Enforce turnaround silence
		// before the next transmission, but the callback fires now.
		e.current = nil
		e.silenceUntil = now + int64(len(frame))*e.charDelayUs + e.frameDelayUs
		e.state = rtuBufferClear
		deliver(a, Result{Slave: 0, FunctionCode: a.functionCode()})
		e.rescheduleOrRelease(a, now)
		return
	}

	e.current = a
	e.rxLen = 0
	e.state = rtuReceive
	e.silenceUntil = now + e.responseTimeoutUs()
}

// responseTimeoutUs bounds how long the engine waits for the first byte of
// a response before declaring KindResponseTimeout; it is generous relative
// to the inter-character timeout used once bytes start arriving.
func (e *RTUEngine) responseTimeoutUs() int64 {
	if e.responseTimeoutOverrideUs > 0 {
		return e.responseTimeoutOverrideUs
	}
	const minTimeoutUs = 500000
	t := e.frameDelayUs * 200
	if t < minTimeoutUs {
		return minTimeoutUs
	}
	return t
}

func (e *RTUEngine) tickReceive(now int64) {
	n := e.stream.Available()
	if n > 0 {
		buf := make([]byte, n)
		got := e.stream.Read(buf)
		if e.rxLen+got > len(e.rxBuf) {
			got = len(e.rxBuf) - e.rxLen
		}
		copy(e.rxBuf[e.rxLen:], buf[:got])
		e.rxLen += got
		// Inter-character silence resets the frame-boundary deadline;
		// a byte just arrived so push it out by three byte timeouts plus
		// one frame timeout.
		e.silenceUntil = now + e.charDelayUs*3 + e.frameDelayUs
		e.state = rtuHeadChecked
		return
	}
	if now >= e.silenceUntil {
		e.finish(Result{Slave: e.current.slave, FunctionCode: e.current.functionCode(), Err: kindError(KindResponseTimeout, e.current.functionCode())})
	}
}

func (e *RTUEngine) tickHeadChecked(now int64) {
	n := e.stream.Available()
	if n > 0 {
		buf := make([]byte, n)
		got := e.stream.Read(buf)
		if e.rxLen+got > len(e.rxBuf) {
			got = len(e.rxBuf) - e.rxLen
		}
		copy(e.rxBuf[e.rxLen:], buf[:got])
		e.rxLen += got
		e.silenceUntil = now + e.charDelayUs*3 + e.frameDelayUs
		return
	}
	if now < e.silenceUntil {
		return
	}
	// Frame boundary: the line has been silent for long enough that no
	// more bytes from this response are coming.
	e.completeFrame(now)
}

func (e *RTUEngine) completeFrame(now int64) {
	frame := e.rxBuf[:e.rxLen]
	a := e.current
	if len(frame) < rtuMinFrame {
		e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: kindError(KindInvalidByteLength, a.functionCode())})
		return
	}
	if frame[0] != a.slave {
		e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: kindError(KindInvalidSlave, a.functionCode())})
		return
	}
	body := frame[:len(frame)-2]
	gotCRC := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if crc16(body) != gotCRC {
		e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: kindError(KindCRC, a.functionCode())})
		return
	}

	data, err := validateResponse(a.hdr, body[1:])
	if err != nil {
		if mbErr, ok := err.(*Error); ok {
			e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: mbErr})
		} else {
			e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: kindError(KindInvalidData, a.functionCode())})
		}
		return
	}
	n, cerr := collapseTypedRead(data, a.elementSize)
	if cerr != nil {
		e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Err: cerr.(*Error)})
		return
	}
	out := make([]byte, n)
	copy(out, data[:n])
	e.finish(Result{Slave: a.slave, FunctionCode: a.functionCode(), Data: out})
}

func (e *RTUEngine) finish(res Result) {
	a := e.current
	e.current = nil
	e.state = rtuBufferClear
	now := e.clock.NowMicros()
	e.silenceUntil = now + e.frameDelayUs
	deliver(a, res)
	e.rescheduleOrRelease(a, now)
}

func (e *RTUEngine) tickBufferClear(now int64) {
	if now < e.silenceUntil {
		return
	}
	e.stream.Flush()
	e.state = rtuIdle
}

// rescheduleOrRelease implements spec.md §4.4: once a's callback has fired,
// ask its SlaveSet (if any) for the next member. A single-slave request
// (Single()) has RepeatEnabled()==false and a one-member set, so Next
// immediately returns SlaveEOF and a is simply released. Otherwise a is
// re-stamped with the next slave id and re-enqueued with the repeat-cycle
// delay (cycle just wrapped, or a single-element cyclic broadcast) or the
// inter-slave delay (plain advance to a new member).
func (e *RTUEngine) rescheduleOrRelease(a *ADU, now int64) {
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
	a.queuedAt = now
	a.delay = delayMs * 1000
	if err := e.pending.Add(a); err != nil {
		e.pool.Release(a)
	}
}

func deliver(a *ADU, res Result) {
	if a.callback != nil {
		a.callback(res)
	}
}
