package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tokenwatch/backend/internal/session"
)

// SnapshotSource supplies the full current state for new connections and
// the periodic full-snapshot broadcast.
type SnapshotSource interface {
	Snapshots() []session.Snapshot
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans tracking output out to websocket clients. Updates are
// throttled into delta batches; a full snapshot goes out periodically and
// to every new connection.
type Broadcaster struct {
	log    zerolog.Logger
	source SnapshotSource

	mu      sync.RWMutex
	clients map[*client]bool

	throttle       time.Duration
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingUpdates []session.Snapshot
	pendingRemoved []string
	flushTimer     *time.Timer
}

func NewBroadcaster(source SnapshotSource, throttle, snapshotInterval time.Duration, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		log:      log,
		source:   source,
		clients:  make(map[*client]bool),
		throttle: throttle,
		done:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	snapshot := WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions: b.source.Snapshots(),
		},
	}
	data, _ := json.Marshal(snapshot)

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// PublishSessions queues updated session snapshots for the next delta.
func (b *Broadcaster) PublishSessions(snaps []session.Snapshot) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates = append(b.pendingUpdates, snaps...)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// PublishRemovals queues evicted session ids for the next delta.
func (b *Broadcaster) PublishRemovals(ids []string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingRemoved = append(b.pendingRemoved, ids...)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// PublishCompact notifies clients immediately that a session's log was
// rewritten and its counters rebuilt.
func (b *Broadcaster) PublishCompact(id string) {
	b.broadcast(WSMessage{
		Type:    MsgCompact,
		Payload: CompactPayload{SessionID: id},
	})
}

// PublishError forwards a per-session failure to clients immediately.
func (b *Broadcaster) PublishError(ev session.ErrorEvent) {
	b.broadcast(WSMessage{
		Type:    MsgError,
		Payload: ev,
	})
}

// Stop halts the periodic snapshot loop and disconnects all clients.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.done)

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pendingUpdates
	removed := b.pendingRemoved
	b.pendingUpdates = nil
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}

	b.broadcast(WSMessage{
		Type: MsgDelta,
		Payload: DeltaPayload{
			Updates: updates,
			Removed: removed,
		},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(WSMessage{
				Type: MsgSnapshot,
				Payload: SnapshotPayload{
					Sessions: b.source.Snapshots(),
				},
			})
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Msg("broadcast marshal error")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			b.log.Warn().Msg("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
