package serialline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
)

const lineBuffer = 128

// openPort opens the serial device with the configured framing.
func openPort(p Params) (io.ReadWriteCloser, error) {
	mode, err := p.mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(p.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", p.Port, err)
	}
	return port, nil
}

func (p Params) mode() (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: p.BaudRate, DataBits: p.DataBits}
	switch strings.ToLower(strings.TrimSpace(p.Parity)) {
	case "", "n", "none":
		m.Parity = serial.NoParity
	case "e", "even":
		m.Parity = serial.EvenParity
	case "o", "odd":
		m.Parity = serial.OddParity
	case "m", "mark":
		m.Parity = serial.MarkParity
	case "s", "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrInvalidConfig, p.Parity)
	}
	switch p.StopBits {
	case 1:
		m.StopBits = serial.OneStopBit
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", ErrInvalidConfig, p.StopBits)
	}
	return m, nil
}

// lineConn splits the port's byte stream into lines on a receive
// goroutine. Writes happen on the driver goroutine only.
type lineConn struct {
	port       io.ReadWriteCloser
	terminator string

	lines chan string
	errc  chan error

	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Uint64
}

func newLineConn(port io.ReadWriteCloser, terminator string) *lineConn {
	c := &lineConn{
		port:       port,
		terminator: terminator,
		lines:      make(chan string, lineBuffer),
		errc:       make(chan error, 1),
	}
	c.wg.Add(1)
	go c.receive()
	return c
}

func (c *lineConn) receive() {
	defer c.wg.Done()
	sc := bufio.NewScanner(c.port)
	sc.Split(splitLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			c.dropped.Add(1)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.errc <- err
}

// splitLines is a bufio.SplitFunc that accepts CR, LF or CRLF endings.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (c *lineConn) send(line string) error {
	_, err := io.WriteString(c.port, line+c.terminator)
	return err
}

// failed returns the receive error, if the goroutine has stopped, without
// consuming it.
func (c *lineConn) failed() error {
	select {
	case err := <-c.errc:
		c.errc <- err
		return err
	default:
		return nil
	}
}

func (c *lineConn) close() {
	c.closeOnce.Do(func() {
		c.port.Close() //nolint:errcheck // Best-effort close
		c.wg.Wait()
	})
}
