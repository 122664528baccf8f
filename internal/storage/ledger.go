package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"lightwatch/internal/models"
)

const (
	// MaxRecentEntries bounds every outage log read.
	MaxRecentEntries = 10
	// NoData is what Statistics reports for an empty or unreadable log.
	NoData = "No data"

	defaultOutageThreshold = time.Minute
	entryTimeLayout        = "2006-01-02 15:04:05"
)

// ErrNoData is returned by RecentEntries when there is nothing to show.
var ErrNoData = errors.New("no data")

// LedgerOptions describes where the ledger keeps its two artifacts.
type LedgerOptions struct {
	MarkerPath string
	LogPath    string
	Threshold  time.Duration
	// RecentLimit is the window Statistics(true) and RecentEntries(0) use,
	// capped at MaxRecentEntries.
	RecentLimit int
	Location    *time.Location
	Logger      *slog.Logger
	// OnOutage is called under the ledger lock after an outage line was appended.
	OnOutage func(recoveredAt time.Time, gap time.Duration)
}

// Ledger owns the last-online marker and the append-only outage log. One
// mutex guards both files so readers never see a torn update.
type Ledger struct {
	mu          sync.Mutex
	markerPath  string
	logPath     string
	threshold   time.Duration
	recentLimit int
	loc         *time.Location
	logger      *slog.Logger
	onOutage    func(time.Time, time.Duration)
}

// NewLedger prepares the data directories and creates an empty outage log if
// none exists. An existing marker is reused.
func NewLedger(opts LedgerOptions) (*Ledger, error) {
	if opts.MarkerPath == "" || opts.LogPath == "" {
		return nil, errors.New("ledger: marker and log paths are required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultOutageThreshold
	}
	if opts.RecentLimit <= 0 || opts.RecentLimit > MaxRecentEntries {
		opts.RecentLimit = MaxRecentEntries
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	for _, path := range []string{opts.MarkerPath, opts.LogPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure data directory: %w", err)
		}
	}
	f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create outage log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close outage log: %w", err)
	}

	return &Ledger{
		markerPath:  opts.MarkerPath,
		logPath:     opts.LogPath,
		threshold:   opts.Threshold,
		recentLimit: opts.RecentLimit,
		loc:         opts.Location,
		logger:      opts.Logger.With("component", "ledger"),
		onOutage:    opts.OnOutage,
	}, nil
}

// Record consumes one monitor state. Off states are ignored. The marker moves
// to every Online state newer than it; when the gap exceeds the threshold an
// outage line is appended afterwards. States not newer than the marker are
// dropped so the marker never moves backwards. If the marker cannot be
// written nothing is appended, so a retried state never logs an outage twice.
func (l *Ledger) Record(state models.LightState) {
	if !state.IsOnline() {
		return
	}
	observed := state.ObservedAt

	l.mu.Lock()
	defer l.mu.Unlock()

	marker, err := l.readMarkerLocked()
	switch {
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, errCorruptMarker):
		if errors.Is(err, errCorruptMarker) {
			l.logger.Warn("replacing unreadable marker", "path", l.markerPath, "error", err)
		}
		if err := l.writeMarkerLocked(observed); err != nil {
			l.logger.Warn("write marker failed", "path", l.markerPath, "error", err)
		}
		return
	case err != nil:
		l.logger.Warn("read marker failed, skipping update", "path", l.markerPath, "error", err)
		return
	}

	if !observed.After(marker) {
		l.logger.Debug("ignoring state not newer than marker", "observed_at", observed, "marker", marker)
		return
	}

	if err := l.writeMarkerLocked(observed); err != nil {
		l.logger.Warn("write marker failed, state dropped", "path", l.markerPath, "error", err)
		return
	}

	gap := observed.Sub(marker)
	if gap <= l.threshold {
		return
	}
	if err := l.appendLocked(l.formatOutage(observed, gap)); err != nil {
		l.logger.Error("marker advanced but outage line lost",
			"path", l.logPath, "recovered_at", observed, "gap", gap, "error", err)
		return
	}
	l.logger.Info("outage recorded", "recovered_at", observed, "gap", gap)
	if l.onOutage != nil {
		l.onOutage(observed, gap)
	}
}

// LastOnline returns the marker, if one has been written.
func (l *Ledger) LastOnline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	marker, err := l.readMarkerLocked()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("read marker failed", "path", l.markerPath, "error", err)
		}
		return time.Time{}, false
	}
	return marker.In(l.loc), true
}

// RecentEntries returns at most limit of the newest outage lines, oldest
// first. A limit of zero or less means the configured window; anything above
// MaxRecentEntries is capped. An empty or unreadable log yields ErrNoData.
func (l *Ledger) RecentEntries(limit int) ([]string, error) {
	if limit <= 0 {
		limit = l.recentLimit
	}
	if limit > MaxRecentEntries {
		limit = MaxRecentEntries
	}

	l.mu.Lock()
	data, err := os.ReadFile(l.logPath)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("read outage log failed", "path", l.logPath, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}

	lines := make([]string, 0, MaxRecentEntries)
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, ErrNoData
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

// Statistics renders the latest entry, or the configured window of recent
// entries when all is set, one per line. It returns NoData when there is
// nothing to show.
func (l *Ledger) Statistics(all bool) string {
	limit := 1
	if all {
		limit = l.recentLimit
	}
	entries, err := l.RecentEntries(limit)
	if err != nil {
		return NoData
	}
	return strings.Join(entries, "\n")
}

var errCorruptMarker = errors.New("corrupt marker")

func (l *Ledger) readMarkerLocked() (time.Time, error) {
	data, err := os.ReadFile(l.markerPath)
	if err != nil {
		return time.Time{}, err
	}
	marker, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", errCorruptMarker, err)
	}
	return marker, nil
}

// writeMarkerLocked replaces the marker through a temp file. The temp name is
// fixed; callers hold l.mu.
func (l *Ledger) writeMarkerLocked(t time.Time) error {
	payload := []byte(t.Format(time.RFC3339Nano) + "\n")

	tmpPath := l.markerPath + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("write temp marker: %w", err)
	}
	if err := os.Rename(tmpPath, l.markerPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace marker: %w", err)
	}
	return nil
}

func (l *Ledger) appendLocked(line string) error {
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outage log: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write outage log: %w", err)
	}
	return f.Close()
}

func (l *Ledger) formatOutage(recoveredAt time.Time, gap time.Duration) string {
	return fmt.Sprintf("%s back online after %s",
		recoveredAt.In(l.loc).Format(entryTimeLayout),
		durafmt.Parse(gap.Truncate(time.Second)).LimitFirstN(2).String())
}
