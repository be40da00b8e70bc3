package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"
)

// Manager owns the single duplex connection to the chat server: it opens and
// closes the transport, reconnects with a bounded number of retries, and
// hands decoded envelopes to its consumer.
//
// All state changes run on one event loop goroutine. Transport reads, writes,
// dials and the retry timer only post events to that loop.
type Manager struct {
	cfg     Config
	clock   clock.WithDelayedExecution
	metrics *Metrics
	loop    *loop
	notify  *notifier
	wg      sync.WaitGroup

	state     atomic.Int32
	latchSeen atomic.Bool

	// Owned by the loop goroutine.
	logger        Logger
	enabled       bool
	closed        bool
	connectedOnce bool
	attempts      int
	gen           uint64
	link          *link
	dialCancel    context.CancelFunc
	retryTimer    clock.Timer
	retrySeq      uint64

	onStateChanged func(StateEvent)
	onEnvelope     func(Envelope)
	onOpen         func(reconnected bool)
}

// link is one live transport with its reader and writer goroutines.
type link struct {
	gen    uint64
	t      Transport
	out    chan []byte
	cancel context.CancelFunc
}

// NewManager constructs an enabled, disconnected manager.
// Use DefaultConfig() as a starting point and call Close when done.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		loop:    newLoop(64),
		notify:  newNotifier(),
		logger:  noopLogger{},
		enabled: true,
	}
	if m.metrics != nil {
		m.metrics.ConnectionState.Set(float64(StateDisconnected))
	}
	return m
}

// SetLogger overrides logger (optional).
func (m *Manager) SetLogger(l Logger) {
	if l == nil {
		return
	}
	m.loop.call(func() { m.logger = l })
}

// OnStateChanged registers callback for state transitions.
func (m *Manager) OnStateChanged(fn func(StateEvent)) {
	m.loop.call(func() { m.onStateChanged = fn })
}

// OnEnvelope registers callback for every well-formed inbound envelope.
func (m *Manager) OnEnvelope(fn func(Envelope)) {
	m.loop.call(func() {
		if fn == nil {
			m.onEnvelope = nil
			return
		}
		m.onEnvelope = func(env Envelope) { m.notify.push(func() { fn(env) }) }
	})
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState { return ConnectionState(m.state.Load()) }

// HasConnectedOnce reports whether a transport opened since the last Enable.
func (m *Manager) HasConnectedOnce() bool { return m.latchSeen.Load() }

// Enable allows connections and starts one. A manager that was disabled
// treats the next open as a first connection.
func (m *Manager) Enable() { m.loop.call(m.enable) }

// Disable tears down any live or pending connection and stops retrying.
func (m *Manager) Disable() { m.loop.call(m.disable) }

// Connect opens the transport unless one is live or being dialed.
func (m *Manager) Connect() { m.loop.call(m.connect) }

// Disconnect cancels a pending retry and closes the transport. Idempotent.
func (m *Manager) Disconnect() { m.loop.call(m.disconnect) }

// Send transmits env if connected. It never queues: when the manager is not
// connected the envelope is dropped, a warning is logged and false is returned.
func (m *Manager) Send(env Envelope) bool {
	var ok bool
	m.loop.call(func() { ok = m.send(env) })
	return ok
}

// Close disables the manager and waits for every goroutine it started.
func (m *Manager) Close() error {
	m.loop.call(func() {
		m.disable()
		m.closed = true
	})
	m.loop.stop()
	m.wg.Wait()
	m.notify.stop()
	return nil
}

func (m *Manager) setHooks(onEnvelope func(Envelope), onOpen func(bool)) {
	m.onEnvelope = onEnvelope
	m.onOpen = onOpen
}

func (m *Manager) enable() {
	if !m.enabled {
		m.enabled = true
		m.resetLatch()
	}
	m.connect()
}

func (m *Manager) disable() {
	m.enabled = false
	m.disconnect()
	m.attempts = 0
	m.resetLatch()
}

func (m *Manager) resetLatch() {
	m.connectedOnce = false
	m.latchSeen.Store(false)
}

func (m *Manager) connect() {
	if m.closed || !m.enabled {
		m.logger.Debug("connect ignored", map[string]any{"enabled": m.enabled})
		return
	}
	if m.link != nil || m.dialCancel != nil {
		return
	}
	m.cancelRetry()

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.setState(StateConnecting, nil)
	m.logger.Debug("dialing", map[string]any{"url": m.cfg.URL, "attempt": m.attempts})

	dialer, url := m.cfg.Dialer, m.cfg.URL
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t, err := dialer.Dial(ctx, url)
		if !m.loop.post(func() { m.handleDial(gen, t, err) }) && t != nil {
			_ = t.Close()
		}
	}()
}

func (m *Manager) disconnect() {
	m.cancelRetry()
	m.teardown()
	m.setState(StateDisconnected, nil)
}

func (m *Manager) send(env Envelope) bool {
	if m.State() != StateConnected || m.link == nil {
		m.metrics.observeSend("dropped")
		m.logger.Warn("not connected, dropping envelope", map[string]any{"type": env.Type, "state": m.State().String()})
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		m.metrics.observeSend("dropped")
		m.logger.Warn("failed to marshal envelope", map[string]any{"type": env.Type, "error": err})
		return false
	}
	select {
	case m.link.out <- data:
		m.metrics.observeSend("sent")
		return true
	default:
		m.metrics.observeSend("dropped")
		m.logger.Warn("send buffer full, dropping envelope", map[string]any{"type": env.Type})
		return false
	}
}

func (m *Manager) handleDial(gen uint64, t Transport, err error) {
	if gen != m.gen || m.dialCancel == nil {
		// disconnected while dialing
		if t != nil {
			m.closeTransport(t, nil)
		}
		return
	}
	m.dialCancel()
	m.dialCancel = nil
	if err != nil {
		m.fail(WrapError(ErrorConnection, "dial failed", err), true)
		return
	}
	m.open(gen, t)
}

func (m *Manager) open(gen uint64, t Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{gen: gen, t: t, out: make(chan []byte, m.cfg.SendBuffer), cancel: cancel}
	m.link = l
	m.wg.Add(2)
	go m.readLoop(ctx, l)
	go m.writeLoop(ctx, l)

	reconnected := m.connectedOnce
	m.attempts = 0
	m.connectedOnce = true
	m.latchSeen.Store(true)
	m.setState(StateConnected, nil)
	m.logger.Info("connected", map[string]any{"url": m.cfg.URL, "reconnected": reconnected})
	if m.onOpen != nil {
		m.onOpen(reconnected)
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	if m.link == nil || m.link.gen != gen {
		return
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		m.metrics.observeFrame("malformed")
		fields := map[string]any{"size": len(data)}
		if err != nil {
			fields["error"] = err
		}
		m.logger.Warn("dropping malformed frame", fields)
		return
	}
	m.metrics.observeFrame("ok")
	if m.onEnvelope != nil {
		m.onEnvelope(env)
	}
}

func (m *Manager) handleMalformed(gen uint64, err error) {
	if m.link == nil || m.link.gen != gen {
		return
	}
	m.metrics.observeFrame("malformed")
	m.logger.Warn("dropping malformed frame", map[string]any{"error": err})
}

func (m *Manager) handleTransportFailure(gen uint64, err error, abnormal bool) {
	if m.link == nil || m.link.gen != gen {
		return
	}
	m.fail(err, abnormal)
}

// fail runs the close path. An abnormal failure reports Errored first.
func (m *Manager) fail(err error, abnormal bool) {
	var closeErr error
	if abnormal {
		m.setState(StateErrored, err)
		m.logger.Warn("transport error", map[string]any{"error": err})
	} else {
		closeErr = err
	}
	m.teardown()
	m.setState(StateDisconnected, closeErr)
	m.logger.Info("disconnected", map[string]any{"attempts": m.attempts})
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	if !m.enabled || !m.cfg.AutoReconnect {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Warn("reconnect attempts exhausted", map[string]any{"attempts": m.attempts})
		return
	}
	m.attempts++
	m.retrySeq++
	seq := m.retrySeq
	m.metrics.observeReconnect()
	m.logger.Info("reconnect scheduled", map[string]any{
		"attempt": m.attempts,
		"in":      m.cfg.ReconnectInterval.String(),
	})
	m.retryTimer = m.clock.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.loop.post(func() { m.fireRetry(seq) })
	})
}

func (m *Manager) fireRetry(seq uint64) {
	if seq != m.retrySeq || m.retryTimer == nil || !m.enabled {
		return
	}
	m.retryTimer = nil
	m.connect()
}

func (m *Manager) cancelRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retrySeq++
}

func (m *Manager) teardown() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if l := m.link; l != nil {
		m.link = nil
		m.closeTransport(l.t, l.cancel)
	}
}

// closeTransport closes t off the loop; the close handshake may block.
func (m *Manager) closeTransport(t Transport, cancel context.CancelFunc) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = t.Close()
		if cancel != nil {
			cancel()
		}
	}()
}

func (m *Manager) setState(next ConnectionState, err error) {
	prev := m.State()
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		m.logger.Warn("unexpected state transition", map[string]any{"from": prev.String(), "to": next.String()})
	}
	m.state.Store(int32(next))
	m.metrics.observeState(next)
	if fn := m.onStateChanged; fn != nil {
		ev := StateEvent{OldState: prev, NewState: next, Error: err}
		m.notify.push(func() { fn(ev) })
	}
}

func (m *Manager) readLoop(ctx context.Context, l *link) {
	defer m.wg.Done()
	for {
		data, err := l.t.Read(ctx)
		if errors.Is(err, errBinaryFrame) {
			if !m.loop.post(func() { m.handleMalformed(l.gen, err) }) {
				return
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			abnormal := !isNormalClosure(err)
			code := ErrorConnection
			if !abnormal {
				code = ErrorDisconnected
			}
			werr := WrapError(code, "connection closed", err)
			m.loop.post(func() { m.handleTransportFailure(l.gen, werr, abnormal) })
			return
		}
		if !m.loop.post(func() { m.handleFrame(l.gen, data) }) {
			return
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, l *link) {
	defer m.wg.Done()
	for {
		select {
		case data := <-l.out:
			if err := l.t.Write(ctx, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				werr := WrapError(ErrorConnection, "write failed", err)
				m.loop.post(func() { m.handleTransportFailure(l.gen, werr, true) })
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
