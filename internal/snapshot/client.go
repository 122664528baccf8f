// Package snapshot fetches camera images from the remote listener. Each fetch
// dials a fresh TCP connection, writes the bare command and reads until the
// peer closes.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// Camera commands understood by the listener.
const (
	Cam0 = "CAM_0"
	Cam1 = "CAM_1"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 16 << 20
)

// ValidCommand reports whether cmd is a known camera command.
func ValidCommand(cmd string) bool {
	return cmd == Cam0 || cmd == Cam1
}

// Client fetches snapshots from a fixed address.
type Client struct {
	addr     string
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// Options configures a Client.
type Options struct {
	Timeout  time.Duration
	MaxBytes int64
	Logger   *slog.Logger
}

// NewClient creates a client for the listener at addr (host:port).
func NewClient(addr string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		addr:     addr,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger.With("component", "snapshot"),
	}
}

// Fetch sends command and returns the bytes the listener sent back. Any
// failure returns an empty slice; callers treat that as "fetch failed".
func (c *Client) Fetch(ctx context.Context, command string) []byte {
	if !ValidCommand(command) {
		c.logger.Warn("refusing unknown camera command", "command", command)
		return []byte{}
	}
	data, err := c.fetch(ctx, command)
	if err != nil {
		c.logger.Warn("snapshot fetch failed", "addr", c.addr, "command", command, "error", err)
		return []byte{}
	}
	return data
}

func (c *Client) fetch(ctx context.Context, command string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := io.WriteString(conn, command); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(conn, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
