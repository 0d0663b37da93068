package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("not connected")

// Client is a line-oriented SCPI connection over TCP. One request is on the
// wire at a time.
type Client struct {
	address   string
	timeout   time.Duration
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return c.address
}

// Connect stellt TCP-Verbindung her
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true

	return nil
}

// Close schließt die Verbindung
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil
	c.reader = nil

	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Write sends a command that produces no response.
func (c *Client) Write(ctx context.Context, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.send(ctx, command)
}

// Query sends a command and returns the response line without terminator.
func (c *Client) Query(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, command); err != nil {
		return "", err
	}

	c.conn.SetReadDeadline(c.deadline(ctx))

	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.dropLocked()
		return "", fmt.Errorf("read failed: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) send(ctx context.Context, command string) error {
	if !c.connected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.conn.SetWriteDeadline(c.deadline(ctx))

	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		c.dropLocked()
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Frühere Deadline aus Kontext oder Timeout
func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// A failed read or write leaves the stream out of sync; the caller has to
// reconnect.
func (c *Client) dropLocked() {
	c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.connected = false
}
