// Package rcon implements the Source-RCON wire protocol used by
// Minecraft-family servers: little-endian length-prefixed packets, a password
// auth handshake, then command/response round trips over one TCP connection.
package rcon

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	typeAuth         = 3
	typeAuthResponse = 2
	typeCommand      = 2
	typeResponse     = 0

	// Packet length excludes the length field itself: id(4) + type(4) +
	// payload + two NUL terminators.
	packetOverhead = 10

	maxPayload = 4096
)

var (
	ErrAuthFailed = errors.New("rcon: authentication failed")
	ErrClosed     = errors.New("rcon: client closed")
)

type Client struct {
	mu     sync.Mutex
	addr   string
	pass   string
	conn   net.Conn
	nextID int32
}

func NewClient(addr, password string) *Client {
	return &Client{addr: addr, pass: password, nextID: 1}
}

// Command sends one command and returns the response payload. The connection
// is dialed (and authenticated) lazily and redialed after any I/O error. The
// whole round trip is bounded by the context deadline.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return "", err
		}
	}
	resp, err := c.commandLocked(ctx, cmd)
	if err != nil {
		// Drop the connection so the next call starts fresh.
		_ = c.conn.Close()
		c.conn = nil
		return "", err
	}
	return resp, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dialLocked(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("rcon: dial %s: %w", c.addr, err)
	}
	c.conn = conn

	id, _, err := c.exchangeLocked(ctx, typeAuth, c.pass)
	if err != nil {
		_ = conn.Close()
		c.conn = nil
		return err
	}
	// Servers answer a failed auth with request id -1.
	if id == -1 {
		_ = conn.Close()
		c.conn = nil
		return ErrAuthFailed
	}
	return nil
}

// commandLocked sends one command and collects its response. Servers split
// responses larger than one packet into several RESPONSE packets carrying the
// request id, so an empty follow-up request is sent as an end marker: packets
// are accumulated until the server answers the marker id.
func (c *Client) commandLocked(ctx context.Context, cmd string) (string, error) {
	if c.conn == nil {
		return "", ErrClosed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = c.conn.SetDeadline(deadline)

	id := c.nextID
	marker := c.nextID + 1
	c.nextID += 2

	if err := writePacket(c.conn, id, typeCommand, cmd); err != nil {
		return "", err
	}
	if err := writePacket(c.conn, marker, typeResponse, ""); err != nil {
		return "", err
	}

	var body strings.Builder
	for {
		respID, _, part, err := readPacket(c.conn)
		if err != nil {
			return "", err
		}
		if respID == marker {
			return body.String(), nil
		}
		if respID == id {
			body.WriteString(part)
		}
	}
}

func (c *Client) exchangeLocked(ctx context.Context, ptype int32, payload string) (int32, string, error) {
	if c.conn == nil {
		return 0, "", ErrClosed
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = c.conn.SetDeadline(deadline)

	id := c.nextID
	c.nextID++

	if err := writePacket(c.conn, id, ptype, payload); err != nil {
		return 0, "", err
	}
	respID, _, body, err := readPacket(c.conn)
	if err != nil {
		return 0, "", err
	}
	return respID, body, nil
}

func writePacket(conn net.Conn, id, ptype int32, payload string) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("rcon: payload too large (%d bytes)", len(payload))
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(len(payload)+packetOverhead))
	_ = binary.Write(&buf, binary.LittleEndian, id)
	_ = binary.Write(&buf, binary.LittleEndian, ptype)
	buf.WriteString(payload)
	buf.Write([]byte{0, 0})
	_, err := conn.Write(buf.Bytes())
	return err
}

func readPacket(conn net.Conn) (id, ptype int32, payload string, err error) {
	var length int32
	if err = binary.Read(conn, binary.LittleEndian, &length); err != nil {
		return
	}
	if length < packetOverhead || length > maxPayload+packetOverhead {
		err = fmt.Errorf("rcon: bad packet length %d", length)
		return
	}
	if err = binary.Read(conn, binary.LittleEndian, &id); err != nil {
		return
	}
	if err = binary.Read(conn, binary.LittleEndian, &ptype); err != nil {
		return
	}
	body := make([]byte, length-packetOverhead+2)
	if _, err = readFull(conn, body); err != nil {
		return
	}
	payload = string(bytes.TrimRight(body, "\x00"))
	return
}

func readFull(conn net.Conn, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := conn.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
