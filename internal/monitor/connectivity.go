package monitor

import (
	"log/slog"
	"sync"
	"time"

	"lightwatch/internal/models"
)

const (
	defaultInitialDelay = 5 * time.Second
	defaultInterval     = 10 * time.Second
)

// Prober performs one reachability check.
type Prober interface {
	Probe() models.Reachability
}

// Clock supplies the timestamp for Online states.
type Clock interface {
	Now() time.Time
}

// Observer receives one LightState per tick.
type Observer func(models.LightState)

// Options tunes the schedule of a ConnectivityMonitor.
type Options struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Logger       *slog.Logger
	// OnTickFailure is called after a tick panicked and emitted nothing.
	OnTickFailure func(reason any)
}

// ConnectivityMonitor periodically probes connectivity and reports a LightState
// to its single observer on every tick.
type ConnectivityMonitor struct {
	prober        Prober
	clock         Clock
	initialDelay  time.Duration
	interval      time.Duration
	logger        *slog.Logger
	onTickFailure func(any)

	mu       sync.Mutex
	observer Observer
	started  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewConnectivityMonitor configures a new connectivity monitor.
func NewConnectivityMonitor(prober Prober, clock Clock, opts Options) *ConnectivityMonitor {
	if opts.InitialDelay < 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ConnectivityMonitor{
		prober:        prober,
		clock:         clock,
		initialDelay:  opts.InitialDelay,
		interval:      opts.Interval,
		logger:        opts.Logger.With("component", "monitor"),
		onTickFailure: opts.OnTickFailure,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Subscribe registers the observer, replacing any previous one.
func (m *ConnectivityMonitor) Subscribe(fn Observer) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Unsubscribe removes the observer. Ticks keep running but emit nowhere.
func (m *ConnectivityMonitor) Unsubscribe() {
	m.Subscribe(nil)
}

// Start launches the monitoring loop. Calling it more than once has no effect.
func (m *ConnectivityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.run()
}

// Stop terminates the loop and waits for an in-flight tick to finish. After
// Stop returns the observer is never called again by the schedule.
func (m *ConnectivityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	started := m.started
	m.started = true // a later Start must not revive the loop
	m.mu.Unlock()

	if !started {
		return
	}
	<-m.doneCh
}

// ForceCheck probes once and returns the state without notifying the observer.
// A failed check reports Off.
func (m *ConnectivityMonitor) ForceCheck() (state models.LightState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("forced check failed", "panic", r)
			state = models.OffState()
		}
	}()
	return m.check()
}

func (m *ConnectivityMonitor) run() {
	defer close(m.doneCh)

	delay := time.NewTimer(m.initialDelay)
	select {
	case <-delay.C:
	case <-m.stopCh:
		delay.Stop()
		return
	}

	m.tick()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Stop wins over a ticker that fired at the same moment.
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// tick runs one probe-and-emit cycle. A panic anywhere in the cycle is
// recovered and the tick emits nothing.
func (m *ConnectivityMonitor) tick() (emitted bool) {
	defer func() {
		if r := recover(); r != nil {
			emitted = false
			m.logger.Error("monitor tick failed", "panic", r)
			if m.onTickFailure != nil {
				m.onTickFailure(r)
			}
		}
	}()

	state := m.check()

	m.mu.Lock()
	observer := m.observer
	m.mu.Unlock()
	if observer != nil {
		observer(state)
	}
	return true
}

func (m *ConnectivityMonitor) check() models.LightState {
	if m.prober.Probe() == models.Unreachable {
		return models.OffState()
	}
	return models.OnlineAt(m.clock.Now())
}
