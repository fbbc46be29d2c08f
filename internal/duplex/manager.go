package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults. The idle threshold sits above the backend's 60s silence horizon;
// the keep-alive period sits well below it.
const (
	defaultConnectTimeout    = 8 * time.Second
	defaultCallTimeout       = 120 * time.Second
	defaultKeepAliveInterval = 25 * time.Second
	defaultIdleTimeout       = 65 * time.Second
	defaultWatchdogInterval  = 5 * time.Second
	defaultBackoffFloor      = 250 * time.Millisecond
	defaultBackoffCap        = 8 * time.Second
)

// Config holds configuration for a session manager.
type Config struct {
	// URL is the streaming-socket URL (from endpoint.SocketURL).
	URL string

	// Dial overrides the transport; nil uses a gorilla dialer.
	Dial Dialer

	Logger *log.Logger

	ConnectTimeout    time.Duration
	CallTimeout       time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	WatchdogInterval  time.Duration
	BackoffFloor      time.Duration
	BackoffCap        time.Duration
}

// CallOptions control one request/response exchange.
type CallOptions struct {
	// ExpectKind is the response kind used for fallback correlation when the
	// outgoing message carries no id.
	ExpectKind string

	// Timeout for this call; zero uses Config.CallTimeout.
	Timeout time.Duration
}

type callResult struct {
	msg *Message
	err error
}

type pendingCall struct {
	id    string // explicit correlation id, "" for kind fallback
	kind  string // expected response kind
	seq   uint64 // registration order, for oldest-call error fallback
	done  chan callResult
	timer *time.Timer
}

// Manager owns at most one live connection and the pending-call table.
// Construct one instance per logical client; rebuild it on explicit address
// change rather than caching instances by derived strings.
type Manager struct {
	cfg    Config
	logger *log.Logger
	dial   Dialer

	wmu sync.Mutex // serializes socket writes

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         int // bumped per connection attempt; supersedes stale loops
	connectCh   chan struct{}
	connectErr  error
	manualClose bool
	pending     map[string]*pendingCall
	waiters     []*pendingCall // kind-correlated, oldest first
	seq         uint64
	delay       time.Duration  // last reconnect delay; floor after an open
	reconnect   *time.Timer
	lastInbound time.Time

	obsMu     sync.Mutex
	observers []Observer
}

// NewManager creates a manager in the Disconnected state. No connection is
// attempted until the first call needs one or Connect is invoked.
func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = defaultBackoffFloor
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	dial := cfg.Dial
	if dial == nil {
		dial = gorillaDialer(cfg.ConnectTimeout)
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		dial:    dial,
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
		delay:   cfg.BackoffFloor,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers a passive observer for every message and state
// transition.
func (m *Manager) Observe(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Connect ensures the connection is open, sharing any in-flight attempt with
// concurrent callers. It is a no-op when already connected or connecting.
func (m *Manager) Connect(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.manualClose {
			m.mu.Unlock()
			return &ConnectionLostError{Reason: "session manager closed"}
		}
		switch m.state {
		case StateOpen:
			m.mu.Unlock()
			return nil
		case StateDisconnected:
			m.startConnectLocked()
			m.mu.Unlock()
		case StateConnecting:
			ch := m.connectCh
			m.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			m.mu.Lock()
			state, err := m.state, m.connectErr
			m.mu.Unlock()
			if state == StateOpen {
				return nil
			}
			if err != nil {
				return err
			}
			// Attempt superseded; try again.
		case StateClosing:
			m.mu.Unlock()
			return &ConnectionLostError{Reason: "session manager closed"}
		}
	}
}

// Call sends one message and awaits its response. Correlation uses the
// message id when present; otherwise the first inbound message of ExpectKind
// (or of the error kind, whichever comes first) resolves the call. The call
// is never retried: if the connection drops, the caller decides whether to
// resubmit.
func (m *Manager) Call(ctx context.Context, msg Message, opts CallOptions) (*Message, error) {
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CallTimeout
	}

	pc := &pendingCall{id: msg.ID, kind: opts.ExpectKind, done: make(chan callResult, 1)}

	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return nil, &ConnectionLostError{Reason: "connection closed before send"}
	}
	conn := m.conn
	m.seq++
	pc.seq = m.seq
	pc.timer = time.AfterFunc(timeout, func() { m.expire(pc, timeout) })
	if pc.id != "" {
		m.pending[pc.id] = pc
	} else {
		m.waiters = append(m.waiters, pc)
	}
	m.mu.Unlock()

	raw, err := json.Marshal(&msg)
	if err != nil {
		m.drop(pc)
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if err := m.write(conn, raw); err != nil {
		m.drop(pc)
		return nil, fmt.Errorf("send %s: %w", msg.Type, err)
	}
	m.emit(Event{Type: EventOutbound, Message: &msg})

	select {
	case res := <-pc.done:
		return res.msg, res.err
	case <-ctx.Done():
		m.drop(pc)
		return nil, ctx.Err()
	}
}

// Close tears the manager down: auto-reconnect is suppressed and every
// pending call fails with ConnectionLostError.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.manualClose {
		m.mu.Unlock()
		return nil
	}
	m.manualClose = true
	m.state = StateClosing
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	if m.connectCh != nil {
		m.connectErr = &ConnectionLostError{Reason: "session manager closed"}
		close(m.connectCh)
		m.connectCh = nil
	}
	failed := m.takeAllLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	for _, pc := range failed {
		pc.done <- callResult{err: &ConnectionLostError{Reason: "session manager closed"}}
	}

	if conn != nil {
		data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		m.wmu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, data)
		m.wmu.Unlock()
		_ = conn.Close()
	}

	m.emit(Event{Type: EventClosed, Code: websocket.CloseNormalClosure, Reason: "closed by client", Clean: true})
	return nil
}

func (m *Manager) startConnectLocked() {
	m.state = StateConnecting
	m.gen++
	m.connectCh = make(chan struct{})
	m.connectErr = nil
	go m.runConnect(m.gen)
}

func (m *Manager) runConnect(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dial(ctx, m.cfg.URL)

	m.mu.Lock()
	if gen != m.gen || m.manualClose {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		m.state = StateDisconnected
		m.connectErr = fmt.Errorf("connect %s: %w", m.cfg.URL, err)
		close(m.connectCh)
		m.connectCh = nil
		delay := m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.logger.Printf("duplex: connect failed: %v", err)
		m.emit(Event{Type: EventConnectFailed, Reason: err.Error()})
		if delay > 0 {
			m.emit(Event{Type: EventReconnectScheduled, Delay: delay})
		}
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.delay = m.cfg.BackoffFloor
	m.lastInbound = time.Now()
	close(m.connectCh)
	m.connectCh = nil
	m.mu.Unlock()

	m.logger.Printf("duplex: connected to %s", m.cfg.URL)
	m.emit(Event{Type: EventOpen})

	go m.readLoop(conn, gen)
	go m.keepAlive(gen)
	go m.watchdog(gen)
}

// readLoop is the single dispatch point: correlation and listener
// notification for one inbound message complete before the next is read.
func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastInbound = time.Now()
		m.mu.Unlock()

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			m.logger.Printf("duplex: dropping unparseable message (%d bytes)", len(raw))
			continue
		}
		m.dispatch(&msg)
	}
}

func (m *Manager) dispatch(msg *Message) {
	if pc := m.match(msg); pc != nil {
		if msg.Type == KindError {
			pc.done <- callResult{err: backendError(msg)}
		} else {
			pc.done <- callResult{msg: msg}
		}
	}
	m.emit(Event{Type: EventInbound, Message: msg})
}

// match removes and returns the pending call this message resolves, if any.
// An explicit id matches exclusively. Otherwise an error envelope resolves the
// oldest outstanding call, and any other kind its oldest expecting waiter.
// Two concurrent id-less calls expecting the same kind therefore race; prefer
// explicit ids when the backend echoes them.
func (m *Manager) match(msg *Message) *pendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID != "" {
		if pc, ok := m.pending[msg.ID]; ok {
			delete(m.pending, msg.ID)
			pc.timer.Stop()
			return pc
		}
		return nil
	}

	if msg.Type == KindError {
		// Backends do not reliably echo ids on error envelopes, so an
		// id-less error resolves the oldest outstanding call of any kind.
		var oldest *pendingCall
		if len(m.waiters) > 0 {
			oldest = m.waiters[0]
		}
		for _, pc := range m.pending {
			if oldest == nil || pc.seq < oldest.seq {
				oldest = pc
			}
		}
		if oldest == nil {
			return nil
		}
		if oldest.id != "" {
			delete(m.pending, oldest.id)
		} else {
			m.waiters = m.waiters[1:]
		}
		oldest.timer.Stop()
		return oldest
	}

	for i, pc := range m.waiters {
		if pc.kind == msg.Type {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			pc.timer.Stop()
			return pc
		}
	}
	return nil
}

// expire fires from the per-call timer.
func (m *Manager) expire(pc *pendingCall, wait time.Duration) {
	if m.take(pc) {
		pc.done <- callResult{err: &TimeoutError{Kind: pc.kind, Wait: wait}}
	}
}

// drop removes a call without resolving it (send failure, caller gone).
func (m *Manager) drop(pc *pendingCall) {
	if m.take(pc) {
		pc.timer.Stop()
	}
}

// take removes pc from the pending table if still registered. Every
// resolution path funnels through here, so a call resolves at most once.
func (m *Manager) take(pc *pendingCall) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pc.id != "" {
		if cur, ok := m.pending[pc.id]; ok && cur == pc {
			delete(m.pending, pc.id)
			return true
		}
		return false
	}
	for i, w := range m.waiters {
		if w == pc {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) takeAllLocked() []*pendingCall {
	failed := make([]*pendingCall, 0, len(m.pending)+len(m.waiters))
	for id, pc := range m.pending {
		delete(m.pending, id)
		pc.timer.Stop()
		failed = append(failed, pc)
	}
	for _, pc := range m.waiters {
		pc.timer.Stop()
		failed = append(failed, pc)
	}
	m.waiters = nil
	return failed
}

// connectionLost handles any close/error on the active connection.
func (m *Manager) connectionLost(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	failed := m.takeAllLocked()
	var delay time.Duration
	if !m.manualClose {
		delay = m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	for _, pc := range failed {
		pc.done <- callResult{err: &ConnectionLostError{Reason: cause.Error()}}
	}

	code, reason, clean := closeDetails(cause)
	m.logger.Printf("duplex: connection lost (code=%d clean=%v): %v", code, clean, cause)
	m.emit(Event{Type: EventClosed, Code: code, Reason: reason, Clean: clean})
	if delay > 0 {
		m.emit(Event{Type: EventReconnectScheduled, Delay: delay})
	}
}

func closeDetails(cause error) (code int, reason string, clean bool) {
	if ce, ok := cause.(*websocket.CloseError); ok {
		return ce.Code, ce.Text, ce.Code == websocket.CloseNormalClosure
	}
	return websocket.CloseAbnormalClosure, cause.Error(), false
}

// scheduleReconnectLocked arms the reconnect timer and returns the chosen
// delay, or zero when a timer is already armed. Delay doubles with ±20%
// jitter, clamped to [floor, cap]; it resets to the floor on every
// successful open.
func (m *Manager) scheduleReconnectLocked() time.Duration {
	if m.reconnect != nil {
		return 0
	}
	m.delay = nextBackoff(m.delay, m.cfg.BackoffFloor, m.cfg.BackoffCap)
	m.logger.Printf("duplex: reconnecting in %s", m.delay)
	m.reconnect = time.AfterFunc(m.delay, m.reconnectNow)
	return m.delay
}

func (m *Manager) reconnectNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnect = nil
	if m.manualClose || m.state != StateDisconnected {
		return
	}
	m.startConnectLocked()
}

func nextBackoff(prev, floor, cap time.Duration) time.Duration {
	jitter := 0.8 + rand.Float64()*0.4
	d := time.Duration(float64(prev) * 2 * jitter)
	if d < floor {
		d = floor
	}
	if d > cap {
		d = cap
	}
	return d
}

// keepAlive emits a best-effort ping while the connection is open. Send
// failures are swallowed; the close handler observes and recovers.
func (m *Manager) keepAlive(gen int) {
	t := time.NewTicker(m.cfg.KeepAliveInterval)
	defer t.Stop()

	for range t.C {
		m.mu.Lock()
		if gen != m.gen || m.state != StateOpen {
			m.mu.Unlock()
			return
		}
		conn := m.conn
		m.mu.Unlock()

		msg := Message{
			Type: KindPing,
			Data: json.RawMessage(fmt.Sprintf(`{"t":%d}`, time.Now().UnixMilli())),
		}
		raw, _ := json.Marshal(&msg)
		if err := m.write(conn, raw); err != nil {
			m.logger.Printf("duplex: keep-alive send failed: %v", err)
			continue
		}
		m.emit(Event{Type: EventOutbound, Message: &msg})
	}
}

// watchdog force-closes a connection that looks open but has gone silent for
// longer than the idle threshold. The close surfaces through the read loop as
// an unexpected close, so the normal recovery path runs.
func (m *Manager) watchdog(gen int) {
	t := time.NewTicker(m.cfg.WatchdogInterval)
	defer t.Stop()

	for range t.C {
		m.mu.Lock()
		if gen != m.gen || m.state != StateOpen {
			m.mu.Unlock()
			return
		}
		idle := time.Since(m.lastInbound)
		conn := m.conn
		m.mu.Unlock()

		if idle > m.cfg.IdleTimeout {
			m.logger.Printf("duplex: no inbound traffic for %s, force-closing silent connection", idle.Round(time.Second))
			m.emit(Event{Type: EventWatchdogFired, Reason: "no inbound traffic", Idle: idle})
			_ = conn.Close()
			return
		}
	}
}

func (m *Manager) write(conn Conn, data []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) emit(ev Event) {
	m.obsMu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("duplex: observer panic: %v", r)
				}
			}()
			fn(ev)
		}()
	}
}
