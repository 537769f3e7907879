package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livesession/internal/backoff"
	"github.com/rickgao/livesession/internal/buffer"
	"github.com/rickgao/livesession/internal/dispatch"
	"github.com/rickgao/livesession/internal/heartbeat"
	"github.com/rickgao/livesession/internal/protocol"
)

// Emitter receives lifecycle and application events in order.
type Emitter interface {
	Post(ev dispatch.Event)
}

// Machine owns one logical connection and drives it through its lifecycle.
//
// All state lives behind mu. Socket callbacks and timers carry the
// generation they were created for and are ignored once it is superseded,
// so a closed socket or a cancelled timer can never act on the current one.
type Machine struct {
	cfg    Config
	logger *slog.Logger
	emit   Emitter
	policy backoff.Policy

	queue *buffer.Buffer[protocol.Envelope]
	hb    *heartbeat.Monitor

	mu            sync.Mutex
	state         State
	gen           uint64
	client        Client
	dialCancel    context.CancelFunc
	attempts      int
	lastAttemptAt time.Time
	retryFloor    time.Duration // Server-requested minimum for the next delay
	failure       error
	waiters       []chan error
	disposed      bool

	reconnectTimer *time.Timer
	reconnectSeq   uint64
	authTimer      *time.Timer

	pendingReconnects atomic.Int32
	peakReconnects    atomic.Int32
}

// NewMachine creates an idle Machine. Events are posted to emit.
func NewMachine(cfg Config, emit Emitter, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AuthMode == "" {
		cfg.AuthMode = def.AuthMode
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.NewClient == nil {
		cfg.NewClient = NewClient
	}

	var queue *buffer.Buffer[protocol.Envelope]
	if cfg.QueueCapacity > 0 {
		queue = buffer.NewBounded[protocol.Envelope](min(cfg.QueueCapacity, 64), cfg.QueueCapacity)
	} else {
		queue = buffer.New[protocol.Envelope](64)
	}

	return &Machine{
		cfg:    cfg,
		logger: logger,
		emit:   emit,
		policy: backoff.Policy{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.MaxReconnectAttempts,
			Rand:        cfg.Jitter,
		},
		queue: queue,
		hb: heartbeat.New(heartbeat.Config{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		}, logger),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	latency, ok := m.hb.Latency()
	return Status{
		State:         m.state,
		Attempts:      m.attempts,
		MaxAttempts:   m.cfg.MaxReconnectAttempts,
		LastAttemptAt: m.lastAttemptAt,
		Latency:       latency,
		HasLatency:    ok,
		LastPingAt:    m.hb.LastPingAt(),
		QueueLen:      m.queue.Len(),
		Err:           m.failure,
	}
}

// PendingReconnects returns the number of armed reconnect timers.
func (m *Machine) PendingReconnects() int {
	return int(m.pendingReconnects.Load())
}

// PeakReconnects returns the highest PendingReconnects value observed.
func (m *Machine) PeakReconnects() int {
	return int(m.peakReconnects.Load())
}

// Connect starts connecting and blocks until the machine is Ready, fails,
// is disconnected, or ctx ends. Calling Connect while a connection is
// already in progress joins it. Calling Connect on a Failed machine starts
// over with a fresh reconnect budget.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}

	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateIdle, StateClosed, StateFailed:
		m.attempts = 0
		m.failure = nil
		m.startConnectLocked()
	}

	w := make(chan error, 1)
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		for i, other := range m.waiters {
			if other == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Disconnect closes the connection gracefully and cancels any pending
// reconnect. Queued envelopes are kept for a later Connect.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(CloseNormal, "client disconnect")
}

// Restart drops the current connection and dials again immediately
// without consuming a reconnect attempt.
func (m *Machine) Restart(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.live() && m.state != StateReconnecting {
		return
	}
	m.logger.Info("restarting connection", "reason", reason, "state", m.state)
	m.cancelReconnectLocked()
	m.releaseLocked(CloseNormal, reason)
	m.setStateLocked(StateConnecting, &DisconnectInfo{Code: CloseNormal, Reason: reason})
	m.dialLocked()
}

// Close disconnects and releases the machine. It cannot be reused.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disconnectLocked(CloseNormal, "client closed")
	m.disposed = true
	m.queue.Reset()
}

// Send writes env immediately when Ready. Otherwise env is queued for the
// next Ready transition and Send reports false. A full queue rejects env
// with a QueueOverflowError.
func (m *Machine) Send(env protocol.Envelope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return false, ErrAlreadyClosed
	}

	if m.state == StateReady {
		err := m.writeLocked(env)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrTransport) {
			return false, err
		}
		// The loss path has already run; keep env for the next session.
	}

	if err := m.queue.Push(env); err != nil {
		if errors.Is(err, buffer.ErrFull) {
			m.logger.Warn("outbound queue full, rejecting message",
				"type", env.Type,
				"capacity", m.queue.Limit(),
			)
			return false, &QueueOverflowError{Capacity: m.queue.Limit()}
		}
		return false, err
	}
	return false, nil
}

// QueueLen returns the number of queued outbound envelopes.
func (m *Machine) QueueLen() int {
	return m.queue.Len()
}

// startConnectLocked enters Connecting and dials.
func (m *Machine) startConnectLocked() {
	m.setStateLocked(StateConnecting, nil)
	m.dialLocked()
}

// dialLocked creates a transport for a new generation and dials it.
func (m *Machine) dialLocked() {
	m.gen++
	gen := m.gen
	m.lastAttemptAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	clientCfg := ClientConfig{
		URL:              m.dialURL(),
		Header:           m.cfg.Header,
		WriteTimeout:     m.cfg.WriteTimeout,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		BufferSize:       m.cfg.BufferSize,
	}
	c := m.cfg.NewClient(clientCfg, m.logger.With("gen", gen))

	m.logger.Debug("dialing", "url", redactURL(clientCfg.URL), "gen", gen, "attempt", m.attempts)
	go m.dial(ctx, gen, c)
}

func (m *Machine) dial(ctx context.Context, gen uint64, c Client) {
	err := c.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateConnecting {
		if err == nil {
			go c.Close(CloseNormal, "superseded")
		}
		return
	}
	m.dialCancel()
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("connection failed", "error", err, "attempt", m.attempts)
		terr := asTransportError("dial", err)
		m.postLocked(EventError, ErrorInfo{Err: terr}, nil)
		m.scheduleReconnectLocked(DisconnectInfo{Code: terr.Code, Reason: "dial failed"})
		return
	}

	m.client = c
	go m.pump(gen, c)
	m.openedLocked()
}

// openedLocked runs once the socket is open.
func (m *Machine) openedLocked() {
	m.setStateLocked(StateOpen, nil)

	token := m.token()
	if token == "" || m.cfg.AuthMode == AuthQuery {
		m.readyLocked()
		return
	}

	m.setStateLocked(StateAuthenticating, nil)
	env, err := protocol.New(protocol.TypeAuthenticate, protocol.AuthenticatePayload{Token: token}, m.cfg.SessionID)
	if err != nil {
		m.failLocked(fmt.Errorf("build authenticate frame: %w", err), nil)
		return
	}
	if err := m.writeLocked(env); err != nil {
		return
	}

	gen := m.gen
	m.authTimer = time.AfterFunc(m.cfg.AuthTimeout, func() { m.authExpired(gen) })
}

// readyLocked enters Ready, starts the heartbeat and flushes the queue.
func (m *Machine) readyLocked() {
	m.stopAuthTimerLocked()
	m.setStateLocked(StateReady, nil)

	attempts := m.attempts
	m.attempts = 0
	m.retryFloor = 0

	gen := m.gen
	m.hb.Start(
		func(sentAt time.Time) error { return m.sendPing(gen, sentAt) },
		func() { m.heartbeatExpired(gen) },
	)

	m.logger.Info("connection ready", "url", redactURL(m.cfg.URL), "attempts", attempts)
	m.postLocked(EventConnect, ConnectInfo{URL: redactURL(m.cfg.URL), Attempts: attempts}, nil)

	if n := m.queue.Len(); n > 0 {
		m.logger.Debug("flushing outbound queue", "count", n)
	}
	m.queue.Flush(func(env protocol.Envelope) error {
		if m.state != StateReady {
			return ErrNotConnected
		}
		err := m.writeLocked(env)
		if err != nil && !errors.Is(err, ErrTransport) {
			m.logger.Warn("dropping unencodable queued message", "type", env.Type, "error", err)
			return nil
		}
		return err
	})

	// A failed flush has already moved on to Reconnecting; waiters keep waiting.
	if m.state == StateReady {
		m.resolveLocked(nil)
	}
}

// writeLocked encodes and sends env on the current transport. A transport
// failure runs the loss path before returning.
func (m *Machine) writeLocked(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if m.client == nil {
		return &TransportError{Op: "send", Code: CloseAbnormal, Err: ErrNotConnected}
	}
	if m.cfg.Debug {
		m.logger.Debug("frame sent", "type", env.Type, "id", env.ID)
	}
	if err := m.client.Send(data); err != nil {
		terr := &TransportError{Op: "send", Code: CloseAbnormal, Err: err}
		m.lossLocked(terr, DisconnectInfo{Code: CloseAbnormal, Reason: "send failed"})
		return terr
	}
	return nil
}

// pump feeds inbound frames for one generation in receive order. A terminal
// read error is handled only after every frame before it.
func (m *Machine) pump(gen uint64, c Client) {
	for msg := range c.Messages() {
		m.handleFrame(gen, msg)
	}
	select {
	case err := <-c.Errors():
		m.handleReadError(gen, err)
	default:
	}
}

func (m *Machine) handleFrame(gen uint64, msg TimestampedMessage) {
	env, err := protocol.Decode(msg.Data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	if err != nil {
		perr := newProtocolError(msg.Data, err)
		m.logger.Warn("dropping malformed frame", "error", err)
		m.postLocked(EventError, ErrorInfo{Err: perr}, nil)
		return
	}
	if m.cfg.Debug {
		m.logger.Debug("frame received", "type", env.Type, "id", env.ID)
	}

	switch protocol.Classify(env.Type) {
	case protocol.KindLiveness:
		m.hb.Ack(msg.ReceivedAt)

	case protocol.KindAuthenticated:
		if m.state == StateAuthenticating {
			m.readyLocked()
		}

	case protocol.KindAuthRejected:
		reason := ""
		if se := protocol.ParseServerError(env); se != nil {
			reason = se.Message
		}
		m.authFailedLocked(&AuthError{Reason: reason})

	case protocol.KindServerError:
		m.serverErrorLocked(env)

	default:
		m.postLocked(env.Type, env.Payload, &env)
	}
}

// serverErrorLocked handles an inbound "error" frame.
func (m *Machine) serverErrorLocked(env protocol.Envelope) {
	se := protocol.ParseServerError(env)
	if se == nil {
		se = &protocol.ServerError{Message: "unspecified server error"}
	}

	if m.state == StateAuthenticating {
		m.authFailedLocked(&AuthError{Reason: se.Message})
		return
	}

	m.logger.Warn("server error", "code", se.Code, "message", se.Message)
	m.postLocked(EventError, ErrorInfo{Err: se}, &env)

	switch {
	case se.Fatal():
		m.failLocked(fmt.Errorf("%w: %w", ErrServerFatal, se), &DisconnectInfo{Code: CloseNormal, Reason: se.Message})
	case se.RetryAfter() > 0:
		m.retryFloor = se.RetryAfter()
		m.lossLocked(nil, DisconnectInfo{Code: CloseNormal, Reason: "server requested retry"})
	}
}

func (m *Machine) handleReadError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	terr := asTransportError("read", err)

	if expectedClose(terr.Code) && m.state.live() {
		if m.state == StateAuthenticating {
			// A deliberate close before authenticated is a rejection;
			// redialling with the same credential cannot succeed.
			reason := terr.Reason
			if reason == "" {
				reason = fmt.Sprintf("server closed connection (%d)", terr.Code)
			}
			m.authFailedLocked(&AuthError{Reason: reason})
			return
		}
		m.logger.Info("server closed connection", "code", terr.Code, "reason", terr.Reason, "state", m.state)
		m.releaseLocked(CloseNormal, "")
		m.setStateLocked(StateClosed, &DisconnectInfo{Code: terr.Code, Reason: terr.Reason})
		m.resolveLocked(ErrClosed)
		return
	}

	m.logger.Warn("connection lost", "code", terr.Code, "error", err)
	m.lossLocked(terr, DisconnectInfo{Code: terr.Code, Reason: terr.Reason})
}

// lossLocked tears down a live connection and schedules a reconnect.
// cause, when set, is emitted as an error event first.
func (m *Machine) lossLocked(cause error, info DisconnectInfo) {
	if !m.state.live() {
		return
	}
	if cause != nil {
		m.postLocked(EventError, ErrorInfo{Err: cause}, nil)
	}
	m.releaseLocked(CloseGoingAway, "reconnecting")
	m.scheduleReconnectLocked(info)
}

// scheduleReconnectLocked enters Reconnecting with the next backoff delay,
// or Failed when the attempt budget is spent.
func (m *Machine) scheduleReconnectLocked(info DisconnectInfo) {
	if m.policy.Exhausted(m.attempts) {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
		m.postLocked(EventReconnectFailed, ReconnectFailedInfo{Attempts: m.attempts}, nil)
		m.failLocked(&ExhaustionError{Attempts: m.attempts}, &info)
		return
	}

	m.attempts++
	delay := m.policy.Delay(m.attempts)
	if delay < m.retryFloor {
		delay = m.retryFloor
	}
	m.retryFloor = 0

	m.setStateLocked(StateReconnecting, &info)
	m.logger.Info("attempting reconnection", "attempt", m.attempts, "delay", delay)
	m.postLocked(EventReconnectAttempt, ReconnectAttemptInfo{Attempt: m.attempts, Delay: delay}, nil)
	m.armReconnectLocked(delay)
}

func (m *Machine) armReconnectLocked(delay time.Duration) {
	m.cancelReconnectLocked()

	seq := m.reconnectSeq
	n := m.pendingReconnects.Add(1)
	for {
		peak := m.peakReconnects.Load()
		if n <= peak || m.peakReconnects.CompareAndSwap(peak, n) {
			break
		}
	}
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectFired(seq) })
}

func (m *Machine) cancelReconnectLocked() {
	m.reconnectSeq++
	if m.reconnectTimer == nil {
		return
	}
	if m.reconnectTimer.Stop() {
		m.pendingReconnects.Add(-1)
	}
	m.reconnectTimer = nil
}

func (m *Machine) reconnectFired(seq uint64) {
	m.pendingReconnects.Add(-1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != m.reconnectSeq || m.state != StateReconnecting {
		return
	}
	m.reconnectTimer = nil
	m.reconnectSeq++
	m.startConnectLocked()
}

func (m *Machine) sendPing(gen uint64, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateReady {
		return ErrNotConnected
	}
	env, err := protocol.New(protocol.TypePing, protocol.PingPayload{ClientTimestamp: sentAt}, m.cfg.SessionID)
	if err != nil {
		return err
	}
	return m.writeLocked(env)
}

func (m *Machine) heartbeatExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateReady {
		return
	}
	terr := &TransportError{Op: "heartbeat", Code: CloseAbnormal, Reason: "heartbeat timeout", Err: ErrStaleConnection}
	m.lossLocked(terr, DisconnectInfo{Code: CloseAbnormal, Reason: "heartbeat timeout"})
}

func (m *Machine) authExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateAuthenticating {
		return
	}
	m.authFailedLocked(&AuthError{Timeout: true})
}

func (m *Machine) authFailedLocked(aerr *AuthError) {
	if m.state != StateAuthenticating && m.state != StateReady {
		return
	}
	m.logger.Error("authentication failed", "error", aerr)
	m.postLocked(EventError, ErrorInfo{Err: aerr}, nil)
	m.failLocked(aerr, &DisconnectInfo{Code: CloseNormal, Reason: aerr.Error()})
}

// failLocked enters the terminal Failed state.
func (m *Machine) failLocked(err error, info *DisconnectInfo) {
	m.cancelReconnectLocked()
	m.releaseLocked(CloseNormal, "")
	m.failure = err
	m.setStateLocked(StateFailed, info)
	m.resolveLocked(err)
}

func (m *Machine) disconnectLocked(code int, reason string) {
	m.cancelReconnectLocked()

	switch m.state {
	case StateIdle, StateClosed:
		m.resolveLocked(ErrClosed)
		return
	}

	// Drop socket callbacks before the close frame goes out.
	m.setStateLocked(StateClosing, &DisconnectInfo{Code: code, Reason: reason})
	m.releaseLocked(code, reason)
	// Closed does not wait for the peer's close acknowledgment; the
	// released generation ignores it.
	m.setStateLocked(StateClosed, nil)
	m.resolveLocked(ErrClosed)
}

// releaseLocked invalidates the current generation and closes its
// transport, cancelling any dial still in flight.
func (m *Machine) releaseLocked(code int, reason string) {
	m.gen++
	m.stopAuthTimerLocked()
	m.hb.Stop()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if c := m.client; c != nil {
		m.client = nil
		go func() {
			if err := c.Close(code, reason); err != nil {
				m.logger.Debug("close failed", "error", err)
			}
		}()
	}
}

func (m *Machine) stopAuthTimerLocked() {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

// setStateLocked records a transition. Leaving Ready emits disconnect with
// info, or an abnormal-closure record when info is nil.
func (m *Machine) setStateLocked(to State, info *DisconnectInfo) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	if from == StateReady {
		m.hb.Stop()
		d := DisconnectInfo{Code: CloseAbnormal}
		if info != nil {
			d = *info
		}
		m.postLocked(EventDisconnect, d, nil)
	}

	m.logger.Debug("state change", "from", from, "to", to)
	m.postLocked(EventStateChange, StateChange{From: from, To: to}, nil)
}

func (m *Machine) resolveLocked(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Machine) postLocked(typ string, data any, env *protocol.Envelope) {
	if m.emit == nil {
		return
	}
	m.emit.Post(dispatch.Event{Type: typ, Data: data, Envelope: env, At: time.Now()})
}

func (m *Machine) token() string {
	if m.cfg.Token == nil {
		return ""
	}
	return m.cfg.Token()
}

// dialURL returns the URL to dial, carrying the token in query mode.
func (m *Machine) dialURL() string {
	token := m.token()
	if token == "" || m.cfg.AuthMode != AuthQuery {
		return m.cfg.URL
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// redactURL strips credentials from a URL for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if q := u.Query(); q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

func asTransportError(op string, err error) *TransportError {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr
	}
	return &TransportError{Op: op, Code: CloseAbnormal, Err: err}
}
