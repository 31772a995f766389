package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wa-gateway/backend/internal/metrics"
	"github.com/wa-gateway/backend/internal/model"
)

// ErrTooManyConnections is returned by AddClient when the observer limit is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// SnapshotSource supplies the state a newly attached observer starts from.
type SnapshotSource interface {
	Snapshot() model.Snapshot
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.b.RemoveClient(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.b.RemoveClient(c)
				return
			}
		}
	}
}

// Broadcaster fans typed events out to every attached observer. Each observer
// has its own queue and write pump; one that falls behind is dropped.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   SnapshotSource
	maxConns int
	stopped  bool
	seq      atomic.Uint64
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewBroadcaster returns a broadcaster admitting at most maxConns observers;
// zero means unlimited.
func NewBroadcaster(maxConns int, log zerolog.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		log:      log.With().Str("component", "broadcaster").Logger(),
		metrics:  m,
	}
}

// SetSource configures where initialData snapshots come from. Must be called
// before the first AddClient.
func (b *Broadcaster) SetSource(src SnapshotSource) {
	b.mu.Lock()
	b.source = src
	b.mu.Unlock()
}

// AddClient registers conn and queues one initialData frame for it. The
// snapshot is taken under the registry lock, so every event published after
// it reaches the observer too.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, errors.New("broadcaster stopped")
	}
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}

	c := &client{conn: conn, b: b, send: make(chan []byte, sendBuffer)}
	b.clients[c] = true
	n := len(b.clients)

	if b.source != nil {
		if data, err := b.encode(model.EventInitialData, b.source.Snapshot()); err == nil {
			c.send <- data
		} else {
			b.log.Error().Err(err).Msg("encode initial data")
		}
	}
	b.mu.Unlock()

	b.metrics.SetObservers(n)
	go c.writePump()
	return c, nil
}

// RemoveClient detaches c. Safe to call more than once.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		b.metrics.SetObservers(n)
	}
}

// Publish delivers one event to every attached observer without waiting on
// any of them.
func (b *Broadcaster) Publish(kind model.EventKind, payload any) {
	data, err := b.encode(kind, payload)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(kind)).Msg("broadcast marshal error")
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn().Msg("ws client too slow, disconnecting")
		b.metrics.SlowObserver()
		b.RemoveClient(c)
	}
}

// sendTo queues an event for a single observer. Returns false if the
// observer is gone or its queue is full.
func (b *Broadcaster) sendTo(c *client, kind model.EventKind, payload any) bool {
	data, err := b.encode(kind, payload)
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) encode(kind model.EventKind, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{Type: kind, Seq: b.seq.Add(1), Payload: payload})
}

// Stop detaches every observer and rejects new ones.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	b.stopped = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	b.metrics.SetObservers(0)
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
