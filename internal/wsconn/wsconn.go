// Package wsconn implements the connection manager of spec §4.9: accept,
// authenticate, register, and tear down client connections; a bounded
// per-connection send queue with the market-data-before-control-frame
// shedding policy; and the concurrent broadcast fan-out. Read/write pumps
// are grounded on the teacher's pump_read.go/pump_write.go, generalized
// from a fixed Client struct to a Connection keyed by an arbitrary
// client_id and decoupled from JSON encoding, which belongs to C11.
package wsconn

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrMaxConnections = errors.New("wsconn: max connections reached")
	ErrAuth           = errors.New("wsconn: authentication rejected")
	ErrNotConnected   = errors.New("wsconn: unknown client_id")
)

// Status is the connection state machine of spec §4.9. Transitions are
// one-way; a closed connection is never reopened, the client reconnects
// under a fresh Connection.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const defaultSendQueueSize = 32

// queuedFrame is one entry in a connection's bounded send queue.
type queuedFrame struct {
	payload  []byte
	opCode   ws.OpCode
	critical bool
}

// sendQueue is a bounded, mutex-guarded FIFO with selective eviction: when
// full, the oldest non-critical frame is dropped to make room; control
// frames are shed only as a last resort, per spec §4.9's backpressure
// policy.
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queuedFrame
	max    int
	closed bool
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = defaultSendQueueSize
	}
	q := &sendQueue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues f, shedding the oldest non-critical frame first if the
// queue is full. Returns false if f itself had to be dropped.
func (q *sendQueue) push(f queuedFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.max {
		evicted := false
		for i, it := range q.items {
			if !it.critical {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !f.critical {
				return false
			}
			// Queue is saturated with control frames; drop the oldest one
			// rather than lose the newest, which carries fresher state.
			q.items = q.items[1:]
		}
	}
	q.items = append(q.items, f)
	q.cond.Signal()
	return true
}

func (q *sendQueue) pop() (queuedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queuedFrame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *sendQueue) drain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Connection is spec §3's Connection record. bytes_in/out, msg_count, and
// last_seen are updated from the read/write pumps without a lock.
type Connection struct {
	ID       string
	conn     net.Conn
	queue    *sendQueue
	openedAt time.Time

	lastSeenNano atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	msgCount     atomic.Int64
	status       atomic.Int32

	subMu sync.Mutex
	subs  map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, conn net.Conn, queueSize int) *Connection {
	c := &Connection{
		ID:       id,
		conn:     conn,
		queue:    newSendQueue(queueSize),
		openedAt: time.Now(),
		subs:     make(map[string]struct{}),
		closed:   make(chan struct{}),
	}
	c.lastSeenNano.Store(time.Now().UnixNano())
	c.status.Store(int32(StatusConnecting))
	return c
}

// LastSeen returns the last time any inbound frame was observed.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeenNano.Load()) }

// Status reports the connection's current lifecycle state.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// Stats is the read-only snapshot exposed to C15/HTTP admin endpoints.
type Stats struct {
	ClientID  string
	OpenedAt  time.Time
	LastSeen  time.Time
	BytesIn   int64
	BytesOut  int64
	MsgCount  int64
	Status    Status
	QueueLen  int
}

// Stats snapshots this connection's counters.
func (c *Connection) Stats() Stats {
	c.queue.mu.Lock()
	queueLen := len(c.queue.items)
	c.queue.mu.Unlock()
	return Stats{
		ClientID: c.ID,
		OpenedAt: c.openedAt,
		LastSeen: c.LastSeen(),
		BytesIn:  c.bytesIn.Load(),
		BytesOut: c.bytesOut.Load(),
		MsgCount: c.msgCount.Load(),
		Status:   c.Status(),
		QueueLen: queueLen,
	}
}

func (c *Connection) touch(n int) {
	c.lastSeenNano.Store(time.Now().UnixNano())
	c.bytesIn.Add(int64(n))
	c.msgCount.Add(1)
}

// Dispatcher receives decoded inbound frames; implemented by internal/wsproto
// (C11). HandleOversized is called instead of HandleFrame when a frame
// exceeds MaxMessageSize, since C10 must not parse the oversized payload.
type Dispatcher interface {
	HandleFrame(clientID string, opCode ws.OpCode, payload []byte)
	HandleOversized(clientID string, size int)
}

// SubscriptionRevoker is implemented by internal/subscription (C9).
type SubscriptionRevoker interface {
	UnsubscribeAll(clientID string) int
}

// DisconnectListener is implemented by internal/heartbeat (C13) to learn of
// connections torn down by means other than its own reaper.
type DisconnectListener interface {
	OnDisconnect(clientID string)
}

// AuthFunc validates an optional auth payload for a connecting client_id.
type AuthFunc func(clientID string, authInfo any) error

// Config holds the manager's tunables from spec §6's env surface.
type Config struct {
	MaxConnections  int
	SendQueueSize   int
	MaxMessageSize  int
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		SendQueueSize:  defaultSendQueueSize,
		MaxMessageSize: 1 << 20,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    90 * time.Second,
	}
}

// Manager is the connection manager of spec §4.9.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher
	revoker    SubscriptionRevoker
	listener   DisconnectListener
	authFn     AuthFunc

	mu    sync.Mutex
	conns map[string]*Connection
}

// New builds a Manager. dispatcher/revoker/listener may be nil in tests
// that only exercise the send-queue shedding policy.
func New(cfg Config, dispatcher Dispatcher, revoker SubscriptionRevoker, listener DisconnectListener, authFn AuthFunc) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		revoker:    revoker,
		listener:   listener,
		authFn:     authFn,
		conns:      make(map[string]*Connection),
	}
}

// SetDispatcher, SetRevoker, and SetListener wire collaborators that
// themselves depend on the Manager (internal/wsproto.Router and
// internal/heartbeat.Supervisor both take a Manager reference at
// construction), breaking the resulting cycle: main wiring constructs the
// Manager with nil collaborators first, builds the Router/Supervisor
// against it, then patches them in here before accepting connections.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

func (m *Manager) SetRevoker(r SubscriptionRevoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoker = r
}

func (m *Manager) SetListener(l DisconnectListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Connect implements spec §4.9: capacity check, forced close of any prior
// connection under the same client_id, optional auth callback, registration,
// and launch of the read/write pumps. welcome, if non-nil, is enqueued as
// the connection's first outbound frame (already encoded by C11).
func (m *Manager) Connect(ctx context.Context, clientID string, conn net.Conn, authInfo any, welcome []byte) (*Connection, error) {
	m.mu.Lock()
	if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return nil, ErrMaxConnections
	}
	prior, exists := m.conns[clientID]
	m.mu.Unlock()
	if exists {
		m.Disconnect(prior.ID)
	}

	if m.authFn != nil {
		if err := m.authFn(clientID, authInfo); err != nil {
			return nil, ErrAuth
		}
	}

	c := newConnection(clientID, conn, m.cfg.SendQueueSize)
	c.status.Store(int32(StatusConnected))

	m.mu.Lock()
	m.conns[clientID] = c
	m.mu.Unlock()

	go m.writeLoop(c)
	go m.readLoop(c)

	if welcome != nil {
		c.queue.push(queuedFrame{payload: welcome, opCode: ws.OpText, critical: true})
	}
	return c, nil
}

// Disconnect implements spec §4.9: close the transport, deregister, revoke
// subscriptions, and notify the heartbeat supervisor.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	if ok {
		delete(m.conns, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.closeOnce.Do(func() {
		c.status.Store(int32(StatusClosing))
		c.queue.close()
		_ = c.conn.Close()
		c.status.Store(int32(StatusClosed))
		close(c.closed)
	})
	if m.revoker != nil {
		m.revoker.UnsubscribeAll(clientID)
	}
	if m.listener != nil {
		m.listener.OnDisconnect(clientID)
	}
}

// Send implements spec §4.9: enqueue payload to client_id's bounded send
// queue, applying the shedding policy on overflow. Returns false if the
// client is unknown or the frame itself had to be dropped.
func (m *Manager) Send(clientID string, payload []byte, opCode ws.OpCode, critical bool) bool {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return c.queue.push(queuedFrame{payload: payload, opCode: opCode, critical: critical})
}

// BroadcastResult reports per-target outcome counts for Broadcast.
type BroadcastResult struct {
	Succeeded int
	Failed    int
}

// Broadcast implements spec §4.9's concurrent fan-out. targets defaults to
// every registered connection when nil.
func (m *Manager) Broadcast(payload []byte, opCode ws.OpCode, critical bool, targets []string) BroadcastResult {
	if targets == nil {
		m.mu.Lock()
		targets = make([]string, 0, len(m.conns))
		for id := range m.conns {
			targets = append(targets, id)
		}
		m.mu.Unlock()
	}

	var wg sync.WaitGroup
	var succeeded, failed atomic.Int64
	for _, id := range targets {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Send(id, payload, opCode, critical) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	return BroadcastResult{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
}

// LastSeenFor implements heartbeat.LastSeenSource.
func (m *Manager) LastSeenFor(clientID string) (time.Time, bool) {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return c.LastSeen(), true
}

// Ping implements heartbeat.LastSeenSource: enqueues a control-priority
// WebSocket ping frame for clientID.
func (m *Manager) Ping(clientID string) bool {
	return m.Send(clientID, nil, ws.OpPing, true)
}

// Get returns the registered connection for client_id, if any.
func (m *Manager) Get(clientID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[clientID]
	return c, ok
}

// Count returns the number of currently registered connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Snapshot returns a Stats slice for every registered connection, used by
// the /ws/connections admin route.
func (m *Manager) Snapshot() []Stats {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	out := make([]Stats, len(conns))
	for i, c := range conns {
		out[i] = c.Stats()
	}
	return out
}

// DrainAll blocks until every connection's send queue is empty or the
// deadline elapses, used during graceful shutdown (spec §5).
func (m *Manager) DrainAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		conns := make([]*Connection, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		allDrained := true
		for _, c := range conns {
			if !c.queue.drain() {
				allDrained = false
				break
			}
		}
		if allDrained {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// CloseAll force-closes every registered connection, the final step of
// graceful shutdown after DrainAll's grace period elapses.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Manager) writeLoop(c *Connection) {
	for {
		f, ok := c.queue.pop()
		if !ok {
			return
		}
		if m.cfg.WriteTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		}
		if err := wsutil.WriteServerMessage(c.conn, f.opCode, f.payload); err != nil {
			if cur, ok := m.Get(c.ID); ok && cur == c {
				m.Disconnect(c.ID)
			}
			return
		}
		c.bytesOut.Add(int64(len(f.payload)))
	}
}

func (m *Manager) readLoop(c *Connection) {
	// A connection replaced by a newer one under the same client_id must
	// not tear down its successor when its own loop exits.
	defer func() {
		if cur, ok := m.Get(c.ID); ok && cur == c {
			m.Disconnect(c.ID)
		}
	}()
	for {
		if m.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}
		payload, opCode, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		if opCode == ws.OpClose {
			return
		}
		if len(payload) > m.cfg.MaxMessageSize {
			if m.dispatcher != nil {
				m.dispatcher.HandleOversized(c.ID, len(payload))
			}
			continue
		}
		c.touch(len(payload))
		if m.dispatcher != nil {
			m.dispatcher.HandleFrame(c.ID, opCode, payload)
		}
	}
}
