package knx

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWriteTimeout = 5 * time.Second
	telegramQueueSize   = 256
)

// groupConn is an open knxd group socket. A receive goroutine frames
// incoming packets onto telegrams; the first read error ends it and is
// reported on errc.
type groupConn struct {
	conn      net.Conn
	telegrams chan Telegram
	errc      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup

	rx      atomic.Uint64
	dropped atomic.Uint64
}

// parseConnectionURL splits a knxd URL into network and address.
// Supported: "unix:///run/knxd" and "tcp://host:port".
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:6720"
		}
		return "tcp", host, nil
	}
	return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
}

// dialGroupConn connects to knxd and opens a group socket.
func dialGroupConn(ctx context.Context, connURL string, timeout time.Duration) (*groupConn, error) {
	network, address, err := parseConnectionURL(connURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, address, err)
	}

	if err := openGroupCon(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake: %w", ErrConnectionFailed, err)
	}

	c := &groupConn{
		conn:      conn,
		telegrams: make(chan Telegram, telegramQueueSize),
		errc:      make(chan error, 1),
	}
	c.wg.Add(1)
	go c.receive()
	return c, nil
}

// openGroupCon sends EIB_OPEN_GROUPCON (reserved, write_only=0, reserved)
// and waits for knxd to echo the message type.
func openGroupCon(ctx context.Context, conn net.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck // Best-effort reset

	if _, err := conn.Write(encodeMessage(eibOpenGroupCon, []byte{0x00, 0x00, 0x00})); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	msgType, _, err := readMessage(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if msgType != eibOpenGroupCon {
		return fmt.Errorf("unexpected response type 0x%04X", msgType)
	}
	return nil
}

func (c *groupConn) receive() {
	defer c.wg.Done()
	for {
		msgType, payload, err := readMessage(c.conn)
		if err != nil {
			c.errc <- err
			return
		}
		if msgType != eibGroupPacket {
			continue
		}
		t, err := parseGroupPacket(payload)
		if err != nil {
			continue
		}
		c.rx.Add(1)
		select {
		case c.telegrams <- t:
		default:
			c.dropped.Add(1)
		}
	}
}

// send writes one telegram.
func (c *groupConn) send(ctx context.Context, t Telegram) error {
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(encodeMessage(eibGroupPacket, t.encodeGroupPacket())); err != nil {
		return fmt.Errorf("send to %s: %w", t.Destination, err)
	}
	return nil
}

// failed returns the receive error if the receive goroutine has ended.
func (c *groupConn) failed() error {
	select {
	case err := <-c.errc:
		c.errc <- err
		return err
	default:
		return nil
	}
}

func (c *groupConn) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.wg.Wait()
	})
}
