// Package clock resolves authoritative time from an NTP server and falls back
// to the local clock when the server cannot be reached.
package clock

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"
)

const defaultTimeout = 3 * time.Second

// Source answers Now with network time when it can.
type Source struct {
	server  string
	timeout time.Duration
	loc     *time.Location
	local   func() time.Time
	logger  *slog.Logger
}

// Options configures a Source. Server may carry an explicit ":port".
type Options struct {
	Server   string
	Timeout  time.Duration
	Location *time.Location
	Logger   *slog.Logger
}

// New creates a clock source for the given time server.
func New(opts Options) *Source {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Source{
		server:  opts.Server,
		timeout: opts.Timeout,
		loc:     opts.Location,
		local:   time.Now,
		logger:  opts.Logger.With("component", "clock"),
	}
}

// Now returns the server's transmit time in the configured zone. Any query
// failure yields the local clock instead; Now never fails.
func (s *Source) Now() time.Time {
	t, err := s.NetworkTime()
	if err != nil {
		s.logger.Debug("network time unavailable, using local clock", "server", s.server, "error", err)
		return s.local().In(s.loc)
	}
	return t.In(s.loc)
}

// NetworkTime performs a single bounded NTP exchange.
func (s *Source) NetworkTime() (time.Time, error) {
	if s.server == "" {
		return time.Time{}, fmt.Errorf("ntp query: no server configured")
	}
	resp, err := ntp.QueryWithOptions(s.server, ntp.QueryOptions{Timeout: s.timeout})
	if err != nil {
		return time.Time{}, fmt.Errorf("ntp query %s: %w", s.server, err)
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("ntp response from %s: %w", s.server, err)
	}
	return resp.Time, nil
}
