// Package heartbeat detects half-open connections.
//
// While running, a Monitor calls its ping function every interval. Each
// ping must be acknowledged within the timeout; otherwise the timeout
// callback fires once and the monitor stops. Callbacks are never invoked
// while the monitor's lock is held, so they may call back into the owner.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"
)

// Default values.
const (
	DefaultInterval = 30 * time.Second
)

// PingFunc sends a liveness probe stamped with sentAt.
type PingFunc func(sentAt time.Time) error

// Config configures a Monitor.
type Config struct {
	Interval time.Duration // Time between probes
	Timeout  time.Duration // Max wait for an acknowledgment (0 = Interval)
}

// Monitor sends periodic probes and reports missing acknowledgments.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	epoch     uint64 // bumped on Start/Stop to invalidate stale timers
	tick      *time.Timer
	deadline  *time.Timer
	awaiting  bool
	ping      PingFunc
	onTimeout func()

	lastPingAt time.Time
	lastAckAt  time.Time
	latency    time.Duration
	hasLatency bool
	sent       int64
	timeouts   int64
}

// Stats holds monitor counters.
type Stats struct {
	Running    bool
	PingsSent  int64
	Timeouts   int64
	LastPingAt time.Time
	LastAckAt  time.Time
}

// New creates a stopped Monitor.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// Start begins probing. A running monitor is restarted.
func (m *Monitor) Start(ping PingFunc, onTimeout func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.running = true
	m.epoch++
	m.ping = ping
	m.onTimeout = onTimeout
	m.awaiting = false

	epoch := m.epoch
	m.tick = time.AfterFunc(m.cfg.Interval, func() { m.fire(epoch) })
}

// Stop cancels any pending probe or timeout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.running {
		return
	}
	m.running = false
	m.epoch++
	m.awaiting = false
	if m.tick != nil {
		m.tick.Stop()
		m.tick = nil
	}
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Ack records an acknowledgment received at the given time.
func (m *Monitor) Ack(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastAckAt = at
	if !m.awaiting {
		return
	}
	m.awaiting = false
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
	if !m.lastPingAt.IsZero() && !at.Before(m.lastPingAt) {
		m.latency = at.Sub(m.lastPingAt)
		m.hasLatency = true
	}
}

// LastPingAt returns when the last probe was sent.
func (m *Monitor) LastPingAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPingAt
}

// Latency returns the round-trip time of the last acknowledged probe.
func (m *Monitor) Latency() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency, m.hasLatency
}

// Stats returns monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Running:    m.running,
		PingsSent:  m.sent,
		Timeouts:   m.timeouts,
		LastPingAt: m.lastPingAt,
		LastAckAt:  m.lastAckAt,
	}
}

// fire sends one probe and arms the acknowledgment deadline.
func (m *Monitor) fire(epoch uint64) {
	m.mu.Lock()
	if !m.running || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	ping := m.ping
	sentAt := time.Now()
	m.lastPingAt = sentAt
	m.sent++
	if !m.awaiting {
		m.awaiting = true
		m.deadline = time.AfterFunc(m.cfg.Timeout, func() { m.expire(epoch) })
	}
	m.tick = time.AfterFunc(m.cfg.Interval, func() { m.fire(epoch) })
	m.mu.Unlock()

	if ping == nil {
		return
	}
	if err := ping(sentAt); err != nil {
		// The owner's send path handles transport failures.
		m.logger.Debug("heartbeat ping failed", "error", err)
	}
}

// expire reports a missed acknowledgment.
func (m *Monitor) expire(epoch uint64) {
	m.mu.Lock()
	if !m.running || m.epoch != epoch || !m.awaiting {
		m.mu.Unlock()
		return
	}
	m.timeouts++
	onTimeout := m.onTimeout
	lastPing := m.lastPingAt
	m.stopLocked()
	m.mu.Unlock()

	m.logger.Warn("heartbeat timeout, connection stale",
		"last_ping", lastPing,
		"timeout", m.cfg.Timeout,
	)
	if onTimeout != nil {
		onTimeout()
	}
}
