package management

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpnctl/common"
)

// fakeEndpoint accepts one connection and records every command line.
type fakeEndpoint struct {
	ln       net.Listener
	conn     chan net.Conn
	commands chan string
}

func newFakeEndpoint(t *testing.T, password string) *fakeEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeEndpoint{ln: ln, conn: make(chan net.Conn, 1), commands: make(chan string, 32)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)
		if password != "" {
			conn.Write([]byte(passwordPrompt))
			line, _ := r.ReadString('\n')
			if strings.TrimSpace(line) != password {
				conn.Write([]byte("ERROR: bad password\n"))
				conn.Close()
				return
			}
			conn.Write([]byte("SUCCESS: password is correct\n"))
		}
		f.conn <- conn
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(f.commands)
				return
			}
			f.commands <- strings.TrimRight(line, "\n")
		}
	}()
	return f
}

func (f *fakeEndpoint) addr() string { return f.ln.Addr().String() }

func nextCommand(t *testing.T, f *fakeEndpoint) string {
	t.Helper()
	select {
	case cmd := <-f.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return ""
	}
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestClient_PasswordHandshakeAndStart(t *testing.T) {
	f := newFakeEndpoint(t, "s3cret")

	c, err := Dial(context.Background(), f.addr(), DialConfig{Password: "s3cret"})
	require.NoError(t, err)
	defer c.Close()

	ev := nextEvent(t, c)
	assert.Equal(t, EventSuccess, ev.Kind)

	require.NoError(t, c.Start(1))
	assert.Equal(t, "state on", nextCommand(t, f))
	assert.Equal(t, "bytecount 1", nextCommand(t, f))
	assert.Equal(t, "log on", nextCommand(t, f))
	assert.Equal(t, "hold release", nextCommand(t, f))
}

func TestClient_SendCredentials(t *testing.T) {
	f := newFakeEndpoint(t, "")
	c, err := Dial(context.Background(), f.addr(), DialConfig{})
	require.NoError(t, err)
	defer c.Close()

	secret := common.NewSecret(`pa"ss`)
	require.NoError(t, c.SendCredentials("Auth", "alice", secret))

	assert.Equal(t, `username "Auth" "alice"`, nextCommand(t, f))
	assert.Equal(t, `password "Auth" "pa\"ss"`, nextCommand(t, f))
	assert.Equal(t, `pa"ss`, secret.String(), "caller owns the secret")
}

func TestClient_EventsAndClose(t *testing.T) {
	f := newFakeEndpoint(t, "")
	c, err := Dial(context.Background(), f.addr(), DialConfig{})
	require.NoError(t, err)

	conn := <-f.conn
	conn.Write([]byte(">HOLD:Waiting for hold release:0\r\n>BYTECOUNT:10,20\n"))

	assert.Equal(t, EventHold, nextEvent(t, c).Kind)
	bc := nextEvent(t, c)
	assert.Equal(t, EventByteCount, bc.Kind)
	assert.Equal(t, int64(20), bc.BytesOut)

	conn.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice closed endpoint")
	}
	assert.NoError(t, c.Err())
	c.Close()
}

func TestClient_WrongPassword(t *testing.T) {
	f := newFakeEndpoint(t, "")
	// An endpoint without a prompt answers nothing; the greeting read times out.
	_, err := Dial(context.Background(), f.addr(), DialConfig{Password: "x", Timeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestDial_ContextCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, addr, DialConfig{})
	assert.Error(t, err)
}
