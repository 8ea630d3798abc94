package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

const defaultWriteTimeout = 5 * time.Second

// ErrConnectionClosed is returned when sending on a pruned connection.
var ErrConnectionClosed = errors.New("connection closed")

// Sender writes one text frame to an observer. Implementations must honor the
// context deadline.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Recorder receives connection lifecycle counts; the metrics aggregator
// implements it.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	MessagesSent(n int)
	SubscriptionsChanged(total int)
}

// Config controls the Broadcaster.
//   - WriteTimeout: upper bound for a single frame write (default 5s).
//   - Clock: timestamps outbound frames (defaults to time.Now).
//   - Recorder: optional metrics hooks.
//   - Logger: optional structured logger.
type Config struct {
	WriteTimeout time.Duration
	Clock        pipeline.Clock
	Recorder     Recorder
	Logger       *zap.Logger
}

// Connection is the broadcaster's handle for one observer.
type Connection struct {
	id     string
	sender Sender
	dead   atomic.Bool
}

// ID returns the opaque connection identity.
func (c *Connection) ID() string { return c.id }

// Alive reports whether the connection is still registered.
func (c *Connection) Alive() bool { return !c.dead.Load() }

// Broadcaster owns the connection registry and per-entity subscriber sets.
// All registry mutations happen under mu; frame writes happen outside it.
type Broadcaster struct {
	mu      sync.Mutex
	conns   map[string]*Connection
	subs    map[string]map[string]*Connection
	byConn  map[string]map[string]struct{}
	subSize int

	writeTimeout time.Duration
	clock        pipeline.Clock
	recorder     Recorder
	logger       *zap.Logger
}

// New constructs an empty Broadcaster.
func New(cfg Config) *Broadcaster {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		conns:        make(map[string]*Connection),
		subs:         make(map[string]map[string]*Connection),
		byConn:       make(map[string]map[string]struct{}),
		writeTimeout: cfg.WriteTimeout,
		clock:        cfg.Clock,
		recorder:     cfg.Recorder,
		logger:       logger,
	}
}

// Connect registers a new observer and returns its handle.
func (b *Broadcaster) Connect(sender Sender) *Connection {
	conn := &Connection{
		id:     uuid.NewString(),
		sender: sender,
	}
	b.mu.Lock()
	b.conns[conn.id] = conn
	b.mu.Unlock()
	if b.recorder != nil {
		b.recorder.ConnectionOpened()
	}
	b.logger.Debug("observer connected", zap.String("conn_id", conn.id))
	return conn
}

// Disconnect removes the connection from every subscription and closes its
// sender. Calling it more than once is harmless.
func (b *Broadcaster) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	if !b.remove(conn) {
		return
	}
	if err := conn.sender.Close(); err != nil {
		b.logger.Debug("observer close failed", zap.String("conn_id", conn.id), zap.Error(err))
	}
	b.logger.Debug("observer disconnected", zap.String("conn_id", conn.id))
}

// Subscribe adds conn to the subscriber set of entityID. Repeated calls are
// no-ops. It returns false when conn is no longer registered.
func (b *Broadcaster) Subscribe(conn *Connection, entityID string) bool {
	if conn == nil || entityID == "" {
		return false
	}
	b.mu.Lock()
	if _, ok := b.conns[conn.id]; !ok {
		b.mu.Unlock()
		return false
	}
	set, ok := b.subs[entityID]
	if !ok {
		set = make(map[string]*Connection)
		b.subs[entityID] = set
	}
	if _, exists := set[conn.id]; !exists {
		set[conn.id] = conn
		entities, ok := b.byConn[conn.id]
		if !ok {
			entities = make(map[string]struct{})
			b.byConn[conn.id] = entities
		}
		entities[entityID] = struct{}{}
		b.subSize++
	}
	total := b.subSize
	b.mu.Unlock()
	if b.recorder != nil {
		b.recorder.SubscriptionsChanged(total)
	}
	return true
}

// Unsubscribe removes conn from entityID, pruning the set when it empties.
func (b *Broadcaster) Unsubscribe(conn *Connection, entityID string) {
	if conn == nil {
		return
	}
	b.mu.Lock()
	changed := b.unsubscribeLocked(conn.id, entityID)
	total := b.subSize
	b.mu.Unlock()
	if changed && b.recorder != nil {
		b.recorder.SubscriptionsChanged(total)
	}
}

// Publish delivers evt to every live connection subscribed to entityID and
// returns the number of successful deliveries. Publishing to an entity with
// no subscribers returns zero without error.
func (b *Broadcaster) Publish(ctx context.Context, entityID string, evt Event) (int, error) {
	b.mu.Lock()
	targets := snapshot(b.subs[entityID])
	b.mu.Unlock()
	if len(targets) == 0 {
		return 0, nil
	}
	frame, err := Encode(evt, b.now())
	if err != nil {
		return 0, err
	}
	return b.deliver(ctx, targets, frame), nil
}

// BroadcastAll delivers evt to every live connection regardless of
// subscriptions.
func (b *Broadcaster) BroadcastAll(ctx context.Context, evt Event) (int, error) {
	b.mu.Lock()
	targets := snapshot(b.conns)
	b.mu.Unlock()
	if len(targets) == 0 {
		return 0, nil
	}
	frame, err := Encode(evt, b.now())
	if err != nil {
		return 0, err
	}
	return b.deliver(ctx, targets, frame), nil
}

// SendTo writes evt to a single connection, pruning it on failure.
func (b *Broadcaster) SendTo(ctx context.Context, conn *Connection, evt Event) error {
	if conn == nil || !conn.Alive() {
		return ErrConnectionClosed
	}
	frame, err := Encode(evt, b.now())
	if err != nil {
		return err
	}
	if b.deliver(ctx, []*Connection{conn}, frame) == 0 {
		return ErrConnectionClosed
	}
	return nil
}

// Subscribers returns the number of connections subscribed to entityID.
func (b *Broadcaster) Subscribers(entityID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[entityID])
}

// Connections returns the number of registered connections.
func (b *Broadcaster) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Entities returns the number of entities with at least one subscriber.
func (b *Broadcaster) Entities() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	targets := snapshot(b.conns)
	b.mu.Unlock()
	for _, conn := range targets {
		b.Disconnect(conn)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, targets []*Connection, frame []byte) int {
	if ctx == nil {
		ctx = context.Background()
	}
	delivered := 0
	for _, conn := range targets {
		if !conn.Alive() {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
		err := conn.sender.Send(writeCtx, frame)
		cancel()
		if err != nil {
			b.logger.Warn("observer write failed; pruning connection",
				zap.String("conn_id", conn.id),
				zap.Error(err),
			)
			b.Disconnect(conn)
			continue
		}
		delivered++
	}
	if delivered > 0 && b.recorder != nil {
		b.recorder.MessagesSent(delivered)
	}
	return delivered
}

// remove drops conn from the registry and all subscriber sets. It returns
// false if another caller already removed it.
func (b *Broadcaster) remove(conn *Connection) bool {
	b.mu.Lock()
	if _, ok := b.conns[conn.id]; !ok {
		b.mu.Unlock()
		return false
	}
	conn.dead.Store(true)
	delete(b.conns, conn.id)
	for entityID := range b.byConn[conn.id] {
		b.unsubscribeLocked(conn.id, entityID)
	}
	delete(b.byConn, conn.id)
	total := b.subSize
	b.mu.Unlock()
	if b.recorder != nil {
		b.recorder.ConnectionClosed()
		b.recorder.SubscriptionsChanged(total)
	}
	return true
}

func (b *Broadcaster) unsubscribeLocked(connID, entityID string) bool {
	set, ok := b.subs[entityID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	b.subSize--
	if len(set) == 0 {
		delete(b.subs, entityID)
	}
	if entities, ok := b.byConn[connID]; ok {
		delete(entities, entityID)
	}
	return true
}

func (b *Broadcaster) now() time.Time {
	if b.clock != nil {
		return b.clock.Now()
	}
	return time.Now()
}

func snapshot(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}
