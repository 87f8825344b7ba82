package management

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
)

// passwordPrompt is sent without a line terminator by a password protected
// endpoint right after accept.
const passwordPrompt = "ENTER PASSWORD:"

// ErrClosed is returned by commands sent after the connection ended.
var ErrClosed = errors.New("management connection closed")

// Client is a connection to one management endpoint. Parsed lines are
// delivered on Events until the connection ends.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	log    *zap.SugaredLogger

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// DialConfig tunes Dial.
type DialConfig struct {
	// Password answers the endpoint's password prompt when set.
	Password string
	// Retry governs attempts while the process opens its port.
	Retry common.RetryConfig
	// Timeout bounds each single dial and the password exchange.
	Timeout time.Duration
}

// Dial connects to addr, retrying while the endpoint is not yet listening,
// and authenticates if a password is configured.
func Dial(ctx context.Context, addr string, cfg DialConfig) (*Client, error) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = common.DefaultRetryConfig()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = common.ManagementTimeout
	}

	var d net.Dialer
	conn, err := common.RetryWithResult(ctx, cfg.Retry, func() (net.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return d.DialContext(dctx, "tcp", addr)
	})
	if err != nil {
		return nil, fmt.Errorf("dial management %s: %w", addr, err)
	}

	c := newClient(conn)
	if cfg.Password != "" {
		if err := c.authenticate(cfg.Password, cfg.Timeout); err != nil {
			conn.Close()
			return nil, err
		}
	}
	go c.readLoop()
	return c, nil
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		log:    common.Named("management"),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func (c *Client) authenticate(password string, timeout time.Duration) error {
	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	buf := make([]byte, len(passwordPrompt))
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return fmt.Errorf("read password prompt: %w", err)
	}
	if string(buf) != passwordPrompt {
		return fmt.Errorf("unexpected management greeting %q", buf)
	}
	if err := c.Send(password); err != nil {
		return fmt.Errorf("send management password: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		line, err := c.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			ev := ParseLine(line)
			c.log.Debugf("<- %s", line)
			c.events <- ev
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.setErr(err)
			}
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Events delivers parsed lines. The channel is closed when the connection
// ends. Consumers must keep draining it.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send writes one command line.
func (c *Client) Send(cmd string) error {
	return c.write([]byte(cmd))
}

func (c *Client) write(line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	defer wipe(buf)
	if _, err := c.conn.Write(buf); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Start enables real-time notifications and releases the hold so the
// tunnel starts connecting.
func (c *Client) Start(bytecountInterval int) error {
	for _, cmd := range []string{
		"state on",
		fmt.Sprintf("bytecount %d", bytecountInterval),
		"log on",
		"hold release",
	} {
		if err := c.Send(cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// SendCredentials answers a password request for realm. The secret is
// not retained and the command buffer is zeroed after writing.
func (c *Client) SendCredentials(realm, username string, secret *common.Secret) error {
	if err := c.Send(fmt.Sprintf("username %s %s", Quote(realm), Quote(username))); err != nil {
		return err
	}
	var err error
	secret.Use(func(b []byte) {
		q := quoteBytes(b)
		defer wipe(q)
		line := make([]byte, 0, len(q)+len(realm)+16)
		line = append(line, "password "...)
		line = append(line, Quote(realm)...)
		line = append(line, ' ')
		line = append(line, q...)
		defer wipe(line)
		err = c.write(line)
	})
	return err
}

// Signal sends a signal such as SIGTERM to the tunnel process.
func (c *Client) Signal(sig string) error {
	return c.Send("signal " + sig)
}

// Close ends the connection and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.conn.Close()
	go func() {
		// Unblock a reader waiting on a full channel.
		for range c.events {
		}
	}()
	<-c.done
	return err
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
