// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Option configures a Master at construction time, following the
// functional-options idiom the wider example pack uses in place of the
// teacher's field-assignment handler structs (NewRTUClientHandler,
// NewTCPClientHandler).
type Option func(*masterConfig)

type masterConfig struct {
	poolSize       int
	queueCapacity  int
	sentCapacity   int
	baudRate       int
	uartTotalBits  int // 1 (start) + data-bits + parity-bits + stop-bits
	tcpTimeoutMs   int64
	tcpReconnectMs int64
	tcpKeepAlive   bool
	logger         Logger

	// Direct RTU timeout overrides (spec.md §6); 0 means "derive from
	// baud/uart-mode".
	byteTimeoutUs     int64
	frameTimeoutUs    int64
	responseTimeoutUs int64
}

func defaultConfig() masterConfig {
	return masterConfig{
		poolSize:       32,
		queueCapacity:  64,
		sentCapacity:   16,
		baudRate:       19200,
		uartTotalBits:  10, // 8-N-1
		tcpTimeoutMs:   1000,
		tcpReconnectMs: 3000,
		tcpKeepAlive:   true,
		logger:         nopLogger{},
	}
}

// WithPoolSize overrides the fixed ADU pool capacity (default 32).
func WithPoolSize(n int) Option { return func(c *masterConfig) { c.poolSize = n } }

// WithQueueCapacity overrides the pending-queue capacity (default 64).
func WithQueueCapacity(n int) Option { return func(c *masterConfig) { c.queueCapacity = n } }

// WithSentWindowCapacity overrides the TCP sent-window capacity (default 16).
func WithSentWindowCapacity(n int) Option { return func(c *masterConfig) { c.sentCapacity = n } }

// WithBaudRate sets the RTU line's baud rate, used to derive inter-
// character and inter-frame silence timing (default 19200).
func WithBaudRate(baud int) Option { return func(c *masterConfig) { c.baudRate = baud } }

// WithTCPTimeout sets how long a TCP master waits for a response before
// delivering KindResponseTimeout (default 1000ms).
func WithTCPTimeout(ms int64) Option { return func(c *masterConfig) { c.tcpTimeoutMs = ms } }

// WithTCPReconnectInterval sets the delay between reconnect attempts to a
// dropped TCP slave (default 3000ms).
func WithTCPReconnectInterval(ms int64) Option { return func(c *masterConfig) { c.tcpReconnectMs = ms } }

// WithTCPKeepAlive controls whether a TCPMaster automatically reconnects a
// client after its connection drops (default true). The first connect
// attempt for a newly added slave always proceeds regardless of this
// setting; it only gates *subsequent* reconnects.
func WithTCPKeepAlive(on bool) Option { return func(c *masterConfig) { c.tcpKeepAlive = on } }

// WithUARTMode sets the serial framing (data bits, parity bits — 0 or 1,
// stop bits) used, together with WithBaudRate, to derive the RTU byte and
// frame silence timeouts (default 8 data bits, no parity, 1 stop bit).
func WithUARTMode(dataBits, parityBits, stopBits int) Option {
	return func(c *masterConfig) { c.uartTotalBits = 1 + dataBits + parityBits + stopBits }
}

// WithRTUTimeouts directly overrides the derived byte-timeout, frame-
// timeout and response-timeout (all in microseconds); passing 0 for any
// argument leaves that value derived from baud/uart-mode instead.
func WithRTUTimeouts(byteTimeoutUs, frameTimeoutUs, responseTimeoutUs int64) Option {
	return func(c *masterConfig) {
		c.byteTimeoutUs = byteTimeoutUs
		c.frameTimeoutUs = frameTimeoutUs
		c.responseTimeoutUs = responseTimeoutUs
	}
}

// WithLogger installs l as the master's diagnostic logger; nil restores
// the no-op default.
func WithLogger(l Logger) Option { return func(c *masterConfig) { c.logger = l } }

// RTUMaster is the asynchronous, single-threaded facade over one serial
// line: construct once, call a Request* method per desired transaction,
// and call Tick on every pass of the caller's own event loop. There is no
// blocking call anywhere in this type, unlike the teacher's
// context.Context-based Client.
type RTUMaster struct {
	engine  *RTUEngine
	pool    *Pool
	pending *PendingQueue
	clock   Clock
}

// NewRTUMaster builds a master driving stream, using clock as its time
// source.
func NewRTUMaster(stream ByteStream, clock Clock, opts ...Option) *RTUMaster {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	pool := NewPool(cfg.poolSize)
	pending := NewPendingQueue(cfg.queueCapacity)
	engine := NewRTUEngine(stream, clock, pool, pending, cfg.baudRate, cfg.uartTotalBits)
	engine.SetLogger(cfg.logger)
	engine.SetTimeoutOverrides(cfg.byteTimeoutUs, cfg.frameTimeoutUs, cfg.responseTimeoutUs)
	return &RTUMaster{engine: engine, pool: pool, pending: pending, clock: clock}
}

// Tick advances the master by one step; call it as often as the caller's
// own loop permits (a tight loop, a ticker, or a select-driven reactor).
func (m *RTUMaster) Tick() {
	m.engine.Tick(m.clock.NowMicros())
}

// request is the common path every Request* method funnels through: get a
// free ADU, let build populate its tx buffer and expected header, enqueue
// it, and on any failure invoke cb synchronously with the resulting error
// instead of ever queuing it.
func (m *RTUMaster) request(slaveSet *SlaveSet, delayMs int64, cb Callback, build func(buf []byte) (int, expectedHeader, int, error)) {
	now := m.clock.NowMicros()
	a, err := m.pool.GetFree(aduRTU, slaveSet, cb, now, delayMs*1000)
	if err != nil {
		cb(Result{Err: err.(*Error)})
		return
	}
	n, hdr, elemSize, berr := build(a.TxBuf())
	if berr != nil {
		m.pool.Release(a)
		cb(Result{Err: berr.(*Error)})
		return
	}
	a.slave = slaveSet.Active()
	if a.slave == SlaveBOF {
		a.slave = slaveSet.Next()
	}
	// spec.md §8: a target slave id of 0 is rejected synchronously, before
	// anything reaches the wire, for every function code that isn't a
	// write (reads, diagnostics, exception status never have a broadcast
	// form).
	if a.slave == 0 && !hdr.broadcastOK {
		m.pool.Release(a)
		cb(Result{Err: kindError(KindInvalidSlave, hdr.functionCode)})
		return
	}
	a.SetPDU(n, hdr, elemSize)
	if qerr := m.pending.Add(a); qerr != nil {
		m.pool.Release(a)
		cb(Result{Err: qerr.(*Error)})
	}
}

// RequestSlaveSet issues an arbitrary PDU build rotating across every
// member of set instead of one fixed slave, per spec.md §4.4's slave-
// iteration scheduler: the callback fires once per member (in increasing
// id order), and, when set.RepeatEnabled(), the rotation restarts after
// set.RepeatCycleDelayMs() once it completes.
func (m *RTUMaster) RequestSlaveSet(set *SlaveSet, cb Callback, build func(buf []byte) (int, expectedHeader, int, error)) {
	// spec.md §5: the set passed here is copied into the ADU so the
	// caller's own copy can be freely reused or mutated afterwards
	// without corrupting this rotation's in-flight cursor.
	m.request(set.Clone(), 0, cb, build)
}

// ReadHoldingRegistersSlaveSet rotates function code 0x03 across set.
func (m *RTUMaster) ReadHoldingRegistersSlaveSet(set *SlaveSet, address, count uint16, cb Callback) {
	m.RequestSlaveSet(set, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadHoldingRegisters(buf, address, count)
		return n, hdr, 0, err
	})
}

// WriteMultipleRegistersSlaveSet rotates function code 0x10 across set.
func (m *RTUMaster) WriteMultipleRegistersSlaveSet(set *SlaveSet, address, count uint16, data []byte, cb Callback) {
	m.RequestSlaveSet(set, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteMultipleRegisters(buf, address, count, data)
		return n, hdr, 0, err
	})
}

// ReadHoldingRegisters issues function code 0x03 against the given slave.
func (m *RTUMaster) ReadHoldingRegisters(slave byte, address, count uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadHoldingRegisters(buf, address, count)
		return n, hdr, 0, err
	})
}

// ReadInputRegisters issues function code 0x04 against the given slave.
func (m *RTUMaster) ReadInputRegisters(slave byte, address, count uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadInputRegisters(buf, address, count)
		return n, hdr, 0, err
	})
}

// ReadCoils issues function code 0x01 against the given slave.
func (m *RTUMaster) ReadCoils(slave byte, address, count uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadCoils(buf, address, count)
		return n, hdr, 0, err
	})
}

// ReadDiscreteInputs issues function code 0x02 against the given slave.
func (m *RTUMaster) ReadDiscreteInputs(slave byte, address, count uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadDiscreteInputs(buf, address, count)
		return n, hdr, 0, err
	})
}

// WriteSingleCoil issues function code 0x05. slave 0 broadcasts.
func (m *RTUMaster) WriteSingleCoil(slave byte, address uint16, on bool, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteSingleCoil(buf, address, on)
		return n, hdr, 0, err
	})
}

// WriteSingleRegister issues function code 0x06. slave 0 broadcasts.
func (m *RTUMaster) WriteSingleRegister(slave byte, address, value uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteSingleRegister(buf, address, value)
		return n, hdr, 0, err
	})
}

// WriteMultipleRegisters issues function code 0x10. slave 0 broadcasts.
func (m *RTUMaster) WriteMultipleRegisters(slave byte, address, count uint16, data []byte, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteMultipleRegisters(buf, address, count, data)
		return n, hdr, 0, err
	})
}

// WriteMultipleCoils issues function code 0x0F. slave 0 broadcasts.
func (m *RTUMaster) WriteMultipleCoils(slave byte, address, count uint16, bits []byte, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteMultipleCoils(buf, address, count, bits)
		return n, hdr, 0, err
	})
}

// MaskWriteRegister issues function code 0x16. slave 0 broadcasts.
func (m *RTUMaster) MaskWriteRegister(slave byte, address, andMask, orMask uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildMaskWriteRegister(buf, address, andMask, orMask)
		return n, hdr, 0, err
	})
}

// ReadWriteMultipleRegisters issues function code 0x17: a single round trip
// that writes writeCount registers at writeAddress and reads back readCount
// registers from readAddress. No broadcast form.
func (m *RTUMaster) ReadWriteMultipleRegisters(slave byte, readAddress, readCount, writeAddress, writeCount uint16, data []byte, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadWriteMultipleRegisters(buf, readAddress, readCount, writeAddress, writeCount, data)
		return n, hdr, 0, err
	})
}

// ReadExceptionStatus issues function code 0x07, serial-line only.
func (m *RTUMaster) ReadExceptionStatus(slave byte, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadExceptionStatus(buf)
		return n, hdr, 0, err
	})
}

// Diagnostics issues function code 0x08 sub-function 0x00 (Return Query
// Data), the one sub-function spec.md §7 allow-lists.
func (m *RTUMaster) Diagnostics(slave byte, data uint16, cb Callback) {
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildDiagnostics(buf, SubFuncReturnQueryData, data)
		return n, hdr, 0, err
	})
}

// ReadHoldingRegistersTyped reads count elements of T (via
// ReadHoldingRegisters' wire layout) and hands the caller back a
// host-native []T instead of raw register bytes, applying register.go's
// pack/unpack rules.
func ReadHoldingRegistersTyped[T RegisterValue](m *RTUMaster, slave byte, address uint16, count uint16, cb func([]T, *Error)) {
	elemSize := elementSizeOf[T]()
	m.request(Single(slave), 0, func(r Result) {
		if r.Err != nil {
			cb(nil, r.Err)
			return
		}
		// The engine has already collapsed r.Data into host-native element
		// bytes using the element size recorded below.
		values := make([]T, len(r.Data)/elemSize)
		for i := range values {
			values[i] = bytesToElement[T](r.Data[i*elemSize:])
		}
		cb(values, nil)
	}, func(buf []byte) (int, expectedHeader, int, error) {
		regCount := (int(count)*paddedElementSize(elemSize) + 1) / 2
		n, hdr, err := BuildReadHoldingRegisters(buf, address, uint16(regCount))
		return n, hdr, elemSize, err
	})
}

// WriteMultipleRegistersTyped packs values with register.go's rules and
// issues function code 0x10.
func WriteMultipleRegistersTyped[T RegisterValue](m *RTUMaster, slave byte, address uint16, values []T, cb Callback) {
	elemSize := elementSizeOf[T]()
	packed := make([]byte, len(values)*paddedElementSize(elemSize))
	n, err := PackTyped(packed, values)
	if err != nil {
		cb(Result{Err: err.(*Error)})
		return
	}
	count := uint16(n / 2)
	m.request(Single(slave), 0, cb, func(buf []byte) (int, expectedHeader, int, error) {
		bn, hdr, berr := BuildWriteMultipleRegisters(buf, address, count, packed[:n])
		return bn, hdr, 0, berr
	})
}

// TCPMaster is the asynchronous facade over any number of Modbus-TCP
// remote slaves, each on its own TCPConn.
type TCPMaster struct {
	engine  *TCPEngine
	pool    *Pool
	pending *PendingQueue
	clock   Clock
}

// NewTCPMaster builds a master with the given options; use AddSlave to
// register each remote unit before issuing requests to it.
func NewTCPMaster(clock Clock, opts ...Option) *TCPMaster {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	pool := NewPool(cfg.poolSize)
	pending := NewPendingQueue(cfg.queueCapacity)
	engine := NewTCPEngine(clock, pool, pending, cfg.sentCapacity, cfg.tcpTimeoutMs, cfg.tcpReconnectMs, cfg.tcpKeepAlive)
	engine.SetLogger(cfg.logger)
	return &TCPMaster{engine: engine, pool: pool, pending: pending, clock: clock}
}

// AddSlave registers conn as the transport for unit id slave at ip:port.
// pipelined allows more than one request to be in flight to this slave at
// once; disabled, later requests wait behind the earliest unanswered one.
func (m *TCPMaster) AddSlave(slave byte, ip string, port int, conn TCPConn, pipelined bool) {
	m.engine.AddClient(slave, ip, port, conn, pipelined)
}

// Tick advances every configured connection and the pending queue by one
// step.
func (m *TCPMaster) Tick() {
	m.engine.Tick(nowMillis(m.clock))
}

func (m *TCPMaster) request(slave byte, cb Callback, build func(buf []byte) (int, expectedHeader, int, error)) {
	m.requestSet(Single(slave), cb, build)
}

// RequestSlaveSet issues an arbitrary PDU build rotating across every
// member of set, each against its own registered client (AddSlave), per
// spec.md §4.4. Members with no registered client fail that rotation step
// with KindTCPNoClientForSlave without halting the rotation.
func (m *TCPMaster) RequestSlaveSet(set *SlaveSet, cb Callback, build func(buf []byte) (int, expectedHeader, int, error)) {
	// spec.md §5: copy the caller's set into the ADU so it can reuse or
	// mutate its own copy without corrupting this rotation's cursor.
	m.requestSet(set.Clone(), cb, build)
}

func (m *TCPMaster) requestSet(set *SlaveSet, cb Callback, build func(buf []byte) (int, expectedHeader, int, error)) {
	now := nowMillis(m.clock)
	a, err := m.pool.GetFree(aduTCP, set, cb, now, 0)
	if err != nil {
		cb(Result{Err: err.(*Error)})
		return
	}
	n, hdr, elemSize, berr := build(a.TxBuf())
	if berr != nil {
		m.pool.Release(a)
		cb(Result{Err: berr.(*Error)})
		return
	}
	a.slave = set.Active()
	if a.slave == SlaveBOF {
		a.slave = set.Next()
	}
	if a.slave == 0 && !hdr.broadcastOK {
		m.pool.Release(a)
		cb(Result{Err: kindError(KindInvalidSlave, hdr.functionCode)})
		return
	}
	a.SetPDU(n, hdr, elemSize)
	if qerr := m.pending.Add(a); qerr != nil {
		m.pool.Release(a)
		cb(Result{Err: qerr.(*Error)})
	}
}

// ReadHoldingRegisters issues function code 0x03 against slave.
func (m *TCPMaster) ReadHoldingRegisters(slave byte, address, count uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadHoldingRegisters(buf, address, count)
		return n, hdr, 0, err
	})
}

// ReadInputRegisters issues function code 0x04 against slave.
func (m *TCPMaster) ReadInputRegisters(slave byte, address, count uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadInputRegisters(buf, address, count)
		return n, hdr, 0, err
	})
}

// WriteMultipleRegisters issues function code 0x10 against slave.
func (m *TCPMaster) WriteMultipleRegisters(slave byte, address, count uint16, data []byte, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteMultipleRegisters(buf, address, count, data)
		return n, hdr, 0, err
	})
}

// WriteSingleRegister issues function code 0x06 against slave.
func (m *TCPMaster) WriteSingleRegister(slave byte, address, value uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteSingleRegister(buf, address, value)
		return n, hdr, 0, err
	})
}

// ReadCoils issues function code 0x01 against slave.
func (m *TCPMaster) ReadCoils(slave byte, address, count uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadCoils(buf, address, count)
		return n, hdr, 0, err
	})
}

// ReadDiscreteInputs issues function code 0x02 against slave.
func (m *TCPMaster) ReadDiscreteInputs(slave byte, address, count uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadDiscreteInputs(buf, address, count)
		return n, hdr, 0, err
	})
}

// WriteSingleCoil issues function code 0x05 against slave.
func (m *TCPMaster) WriteSingleCoil(slave byte, address uint16, on bool, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteSingleCoil(buf, address, on)
		return n, hdr, 0, err
	})
}

// WriteMultipleCoils issues function code 0x0F against slave.
func (m *TCPMaster) WriteMultipleCoils(slave byte, address, count uint16, bits []byte, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildWriteMultipleCoils(buf, address, count, bits)
		return n, hdr, 0, err
	})
}

// MaskWriteRegister issues function code 0x16 against slave.
func (m *TCPMaster) MaskWriteRegister(slave byte, address, andMask, orMask uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildMaskWriteRegister(buf, address, andMask, orMask)
		return n, hdr, 0, err
	})
}

// ReadWriteMultipleRegisters issues function code 0x17 against slave.
func (m *TCPMaster) ReadWriteMultipleRegisters(slave byte, readAddress, readCount, writeAddress, writeCount uint16, data []byte, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildReadWriteMultipleRegisters(buf, readAddress, readCount, writeAddress, writeCount, data)
		return n, hdr, 0, err
	})
}

// Diagnostics issues function code 0x08 sub-function 0x00 (Return Query
// Data) against slave.
func (m *TCPMaster) Diagnostics(slave byte, data uint16, cb Callback) {
	m.request(slave, cb, func(buf []byte) (int, expectedHeader, int, error) {
		n, hdr, err := BuildDiagnostics(buf, SubFuncReturnQueryData, data)
		return n, hdr, 0, err
	})
}

// ReadHoldingRegistersTypedTCP is TCPMaster's counterpart to the RTU
// generic helper ReadHoldingRegistersTyped.
func ReadHoldingRegistersTypedTCP[T RegisterValue](m *TCPMaster, slave byte, address uint16, count uint16, cb func([]T, *Error)) {
	elemSize := elementSizeOf[T]()
	m.request(slave, func(r Result) {
		if r.Err != nil {
			cb(nil, r.Err)
			return
		}
		// The engine has already collapsed r.Data into host-native element
		// bytes using the element size recorded below.
		values := make([]T, len(r.Data)/elemSize)
		for i := range values {
			values[i] = bytesToElement[T](r.Data[i*elemSize:])
		}
		cb(values, nil)
	}, func(buf []byte) (int, expectedHeader, int, error) {
		regCount := (int(count)*paddedElementSize(elemSize) + 1) / 2
		n, hdr, err := BuildReadHoldingRegisters(buf, address, uint16(regCount))
		return n, hdr, elemSize, err
	})
}
