package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	goserial "go.bug.st/serial"

	modbus "github.com/lumberbarons/mbmaster"
	"github.com/lumberbarons/mbmaster/adapters/serial"
	"github.com/lumberbarons/mbmaster/adapters/tcpconn"
)

func main() {
	app := &cli.App{
		Name:  "mbmaster-cli",
		Usage: "Command-line tool for Modbus communication",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "protocol", Aliases: []string{"p"}, Usage: "Protocol type: tcp or rtu", Required: true},
			&cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "Connection address (TCP: host:port, RTU: /dev/ttyUSB0)", Required: true},
			&cli.IntFlag{Name: "slave-id", Aliases: []string{"s"}, Usage: "Modbus slave/unit ID", Value: 1},
			&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Usage: "Response timeout", Value: 1 * time.Second},
			&cli.IntFlag{Name: "baud", Usage: "Baud rate (RTU only)", Value: 19200},
			&cli.IntFlag{Name: "data-bits", Usage: "Data bits (RTU only)", Value: 8},
			&cli.IntFlag{Name: "stop-bits", Usage: "Stop bits (RTU only)", Value: 1},
			&cli.StringFlag{Name: "parity", Usage: "Parity: none, odd, even (RTU only)", Value: "even"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable debug logging"},
			&cli.BoolFlag{Name: "keep-alive", Usage: "Automatically reconnect a dropped TCP connection", Value: true},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return runRead(c, func(m session, addr, count uint16, done func(modbus.Result)) {
						m.readCoils(addr, count, done)
					})
				},
			},
			{
				Name:  "read-discrete-inputs",
				Usage: "Read discrete inputs (function code 2)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return runRead(c, func(m session, addr, count uint16, done func(modbus.Result)) {
						m.readDiscreteInputs(addr, count, done)
					})
				},
			},
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return runRead(c, func(m session, addr, count uint16, done func(modbus.Result)) {
						m.readHoldingRegisters(addr, count, done)
					})
				},
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return runRead(c, func(m session, addr, count uint16, done func(modbus.Result)) {
						m.readInputRegisters(addr, count, done)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
		&cli.UintFlag{Name: "count", Usage: "Quantity to read", Required: true},
		&cli.StringFlag{Name: "format", Usage: "Output format: hex, decimal, binary", Value: "hex"},
	}
}

// session is the thin seam the action closures above call through,
// letting the same runRead driver loop work against either an RTUMaster
// or a TCPMaster without branching in every command.
type session struct {
	tick                 func()
	readCoils            func(addr, count uint16, cb modbus.Callback)
	readDiscreteInputs   func(addr, count uint16, cb modbus.Callback)
	readHoldingRegisters func(addr, count uint16, cb modbus.Callback)
	readInputRegisters   func(addr, count uint16, cb modbus.Callback)
	close                func()
}

func buildSession(c *cli.Context) (session, error) {
	if c.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	slaveID := byte(c.Int("slave-id"))
	logger := modbus.NewLogrusLogger(logrus.StandardLogger(), "cli")

	switch c.String("protocol") {
	case "rtu":
		port, err := serial.Open(serial.Config{
			Address:  c.String("address"),
			BaudRate: c.Int("baud"),
			DataBits: c.Int("data-bits"),
			StopBits: parseStopBits(c.Int("stop-bits")),
			Parity:   parseParity(c.String("parity")),
		})
		if err != nil {
			return session{}, fmt.Errorf("opening serial port: %w", err)
		}
		parityBits := 0
		if strings.ToLower(c.String("parity")) != "none" {
			parityBits = 1
		}
		m := modbus.NewRTUMaster(port, modbus.NewSystemClock(),
			modbus.WithBaudRate(c.Int("baud")),
			modbus.WithUARTMode(c.Int("data-bits"), parityBits, c.Int("stop-bits")),
			modbus.WithLogger(logger))
		return session{
			tick:                 m.Tick,
			readCoils:            func(a, n uint16, cb modbus.Callback) { m.ReadCoils(slaveID, a, n, cb) },
			readDiscreteInputs:   func(a, n uint16, cb modbus.Callback) { m.ReadDiscreteInputs(slaveID, a, n, cb) },
			readHoldingRegisters: func(a, n uint16, cb modbus.Callback) { m.ReadHoldingRegisters(slaveID, a, n, cb) },
			readInputRegisters:   func(a, n uint16, cb modbus.Callback) { m.ReadInputRegisters(slaveID, a, n, cb) },
			close:                func() { port.Close() },
		}, nil

	case "tcp":
		host, port, err := splitHostPort(c.String("address"))
		if err != nil {
			return session{}, err
		}
		m := modbus.NewTCPMaster(modbus.NewSystemClock(),
			modbus.WithTCPTimeout(c.Duration("timeout").Milliseconds()),
			modbus.WithTCPKeepAlive(c.Bool("keep-alive")),
			modbus.WithLogger(logger))
		m.AddSlave(slaveID, host, port, &tcpconn.Conn{}, false)
		return session{
			tick:                 m.Tick,
			readCoils:            func(a, n uint16, cb modbus.Callback) { m.ReadCoils(slaveID, a, n, cb) },
			readDiscreteInputs:   func(a, n uint16, cb modbus.Callback) { m.ReadDiscreteInputs(slaveID, a, n, cb) },
			readHoldingRegisters: func(a, n uint16, cb modbus.Callback) { m.ReadHoldingRegisters(slaveID, a, n, cb) },
			readInputRegisters:   func(a, n uint16, cb modbus.Callback) { m.ReadInputRegisters(slaveID, a, n, cb) },
			close:                func() {},
		}, nil

	default:
		return session{}, fmt.Errorf("unsupported protocol: %s (must be tcp or rtu)", c.String("protocol"))
	}
}

func runRead(c *cli.Context, issue func(session, uint16, uint16, func(modbus.Result))) error {
	m, err := buildSession(c)
	if err != nil {
		return err
	}
	defer m.close()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	format := c.String("format")
	timeout := c.Duration("timeout")

	var result modbus.Result
	done := false
	issue(m, start, count, func(r modbus.Result) {
		result = r
		done = true
	})

	deadline := time.Now().Add(timeout + 2*time.Second)
	for !done && time.Now().Before(deadline) {
		m.tick()
		time.Sleep(time.Millisecond)
	}
	if !done {
		return fmt.Errorf("timed out waiting for response")
	}
	if result.Err != nil {
		return fmt.Errorf("request failed: %s", result.Err)
	}

	printResults(start, count, result.Data, format)
	return nil
}

func printResults(start, count uint16, data []byte, format string) {
	if len(data)%2 == 0 && len(data) > 0 && format != "binary" {
		for i := uint16(0); i < count; i++ {
			offset := int(i) * 2
			if offset+1 >= len(data) {
				break
			}
			value := uint16(data[offset])<<8 | uint16(data[offset+1])
			if format == "decimal" {
				fmt.Printf("0x%04X: %d\n", start+i, value)
			} else {
				fmt.Printf("0x%04X: 0x%04X\n", start+i, value)
			}
		}
		return
	}
	for i := uint16(0); i < count; i++ {
		byteIndex := i / 8
		bitIndex := i % 8
		if int(byteIndex) >= len(data) {
			break
		}
		bit := (data[byteIndex] >> bitIndex) & 0x01
		fmt.Printf("0x%04X: %d\n", start+i, bit)
	}
}

func splitHostPort(address string) (string, int, error) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("address must be host:port")
	}
	port, err := strconv.Atoi(address[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", address, err)
	}
	return address[:idx], port, nil
}

func parseStopBits(bits int) goserial.StopBits {
	switch bits {
	case 2:
		return goserial.TwoStopBits
	default:
		return goserial.OneStopBit
	}
}

func parseParity(parity string) goserial.Parity {
	switch parity {
	case "none":
		return goserial.NoParity
	case "odd":
		return goserial.OddParity
	default:
		return goserial.EvenParity
	}
}
