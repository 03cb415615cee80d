package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer speaks just enough of the protocol to auth and answer commands.
type fakeServer struct {
	ln       net.Listener
	password string
	handle   func(cmd string) string
}

func startFakeServer(t *testing.T, password string, handle func(cmd string) string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, password: password, handle: handle}
	go s.loop()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) loop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	authed := false
	for {
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		id, ptype, payload, err := readPacket(conn)
		if err != nil {
			return
		}
		switch {
		case ptype == typeAuth:
			respID := id
			if payload != s.password {
				respID = -1
			}
			if err := writePacket(conn, respID, typeAuthResponse, ""); err != nil {
				return
			}
			authed = respID != -1
		case authed && ptype == typeCommand:
			// Real servers split large responses across packets.
			body := s.handle(payload)
			for len(body) > maxPayload {
				if err := writePacket(conn, id, typeResponse, body[:maxPayload]); err != nil {
					return
				}
				body = body[maxPayload:]
			}
			if err := writePacket(conn, id, typeResponse, body); err != nil {
				return
			}
		case authed && ptype == typeResponse:
			// End-of-response marker: mirror it back.
			if err := writePacket(conn, id, typeResponse, ""); err != nil {
				return
			}
		default:
			return
		}
	}
}

func TestCommand_RoundTrip(t *testing.T) {
	srv := startFakeServer(t, "hunter2", func(cmd string) string {
		if cmd == "tps" {
			return "20.0"
		}
		return "unknown command " + cmd
	})

	c := NewClient(srv.addr(), "hunter2")
	defer c.Close()

	resp, err := c.Command(context.Background(), "tps")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp != "20.0" {
		t.Fatalf("resp = %q", resp)
	}

	// Second command reuses the authenticated connection.
	resp, err = c.Command(context.Background(), "list")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp != "unknown command list" {
		t.Fatalf("resp = %q", resp)
	}
}

func TestCommand_FragmentedResponse(t *testing.T) {
	// A chunk list for a heavily-loaded region does not fit in one packet.
	var sb strings.Builder
	for x := 0; x < 32; x++ {
		for z := 0; z < 32; z++ {
			fmt.Fprintf(&sb, "%d,%d;", x, z)
		}
	}
	long := sb.String()
	if len(long) <= maxPayload {
		t.Fatalf("fixture fits in one packet (%d bytes)", len(long))
	}
	srv := startFakeServer(t, "pw", func(string) string { return long })

	c := NewClient(srv.addr(), "pw")
	defer c.Close()

	resp, err := c.Command(context.Background(), "chunks loaded overworld 0 0")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp != long {
		t.Fatalf("resp = %d bytes, want %d", len(resp), len(long))
	}
}

func TestCommand_AuthFailure(t *testing.T) {
	srv := startFakeServer(t, "hunter2", func(string) string { return "" })

	c := NewClient(srv.addr(), "wrong")
	defer c.Close()

	if _, err := c.Command(context.Background(), "tps"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestCommand_RedialAfterError(t *testing.T) {
	srv := startFakeServer(t, "pw", func(cmd string) string { return "ok:" + cmd })

	c := NewClient(srv.addr(), "pw")
	defer c.Close()

	if _, err := c.Command(context.Background(), "first"); err != nil {
		t.Fatalf("command: %v", err)
	}

	// Kill the connection under the client; the next call should redial.
	c.mu.Lock()
	_ = c.conn.Close()
	c.mu.Unlock()

	var resp string
	var err error
	for i := 0; i < 2; i++ {
		resp, err = c.Command(context.Background(), "second")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("command after redial: %v", err)
	}
	if resp != "ok:second" {
		t.Fatalf("resp = %q", resp)
	}
}

func TestCommand_ContextDeadline(t *testing.T) {
	// A listener that accepts but never answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := NewClient(ln.Addr().String(), "pw")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Command(ctx, "tps"); err == nil {
		t.Fatalf("expected deadline error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("command did not honor context deadline")
	}
}

func TestCommand_PayloadTooLarge(t *testing.T) {
	srv := startFakeServer(t, "pw", func(string) string { return "" })
	c := NewClient(srv.addr(), "pw")
	defer c.Close()

	big := make([]byte, maxPayload+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := c.Command(context.Background(), string(big)); err == nil {
		t.Fatalf("expected payload size error")
	}
}
