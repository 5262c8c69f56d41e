// Package fanout broadcasts readings and transactions to live subscribers.
package fanout

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"palletsync/go-mqtt-server/internal/model"
)

// Envelope types pushed to subscribers.
const (
	TypeSnapshot    = "snapshot"
	TypeReading     = "reading"
	TypeTransaction = "transaction"
	TypeSession     = "session"
)

// Envelope is the JSON frame delivered to every subscriber.
type Envelope struct {
	Type            string    `json:"type"`
	DeviceID        string    `json:"deviceId,omitempty"`
	Data            any       `json:"data"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// Snapshot is the state replayed to a subscriber when it connects.
type Snapshot struct {
	Readings     []model.SensorReading `json:"readings"`
	Transactions []model.Transaction   `json:"transactions"`
}

// SessionEvent is the payload of a session envelope.
type SessionEvent struct {
	Kind      string                `json:"kind"`
	Previous  *model.VehicleSession `json:"previous,omitempty"`
	Current   *model.VehicleSession `json:"current,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Subscriber receives the snapshot taken when it connected, then live
// envelopes through a bounded queue. When the queue is full the oldest live
// envelope is dropped; the snapshot is held outside the queue and is never
// dropped.
type Subscriber struct {
	id       uint64
	snapshot Envelope
	queue    chan Envelope
	done     chan struct{}
	dropped  atomic.Uint64
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() uint64 { return s.id }

// Snapshot returns the snapshot envelope taken at subscribe time. Every
// envelope on C was published after it.
func (s *Subscriber) Snapshot() Envelope { return s.snapshot }

// C yields live envelopes. It is closed once the subscriber is removed.
func (s *Subscriber) C() <-chan Envelope { return s.queue }

// Done is closed once the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped counts envelopes discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) push(env Envelope) {
	for {
		select {
		case s.queue <- env:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

// Hub owns the subscriber registry, the latest reading of each device and a
// bounded history of recent transactions.
type Hub struct {
	logger    *slog.Logger
	bufferLen int
	replayLen int
	now       func() time.Time

	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]*Subscriber
	latest      map[string]model.SensorReading
	history     []model.Transaction // oldest first
}

// NewHub returns a hub with per-subscriber queues of bufferLen envelopes that
// replays up to replayLen transactions on connect.
func NewHub(logger *slog.Logger, bufferLen, replayLen int) *Hub {
	if bufferLen <= 0 {
		bufferLen = 1
	}
	if replayLen < 0 {
		replayLen = 0
	}
	return &Hub{
		logger:      logger,
		bufferLen:   bufferLen,
		replayLen:   replayLen,
		now:         time.Now,
		subscribers: make(map[uint64]*Subscriber),
		latest:      make(map[string]model.SensorReading),
	}
}

// Seed loads transactions, newest first, into the replay history.
func (h *Hub) Seed(txs []model.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(txs) - 1; i >= 0; i-- {
		h.appendHistory(txs[i])
	}
}

// Subscribe registers a subscriber. Its snapshot of the latest readings and
// recent transactions is taken under the same lock as publishing, so no
// envelope is missed or duplicated between the snapshot and C.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id: h.nextID,
		snapshot: Envelope{
			Type:            TypeSnapshot,
			Data:            h.snapshotLocked(),
			ServerTimestamp: h.now().UTC(),
		},
		queue: make(chan Envelope, h.bufferLen),
		done:  make(chan struct{}),
	}
	h.subscribers[sub.id] = sub

	h.logger.Debug("subscriber connected", "subscriber", sub.id, "subscribers", len(h.subscribers))
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once and from any goroutine.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.id]; !ok {
		return
	}
	delete(h.subscribers, sub.id)
	close(sub.done)
	close(sub.queue)

	h.logger.Debug("subscriber disconnected", "subscriber", sub.id, "dropped", sub.Dropped(), "subscribers", len(h.subscribers))
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Snapshot returns the state a newly connected subscriber would receive.
func (h *Hub) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// PublishReading records r as its device's latest reading and broadcasts it.
func (h *Hub) PublishReading(r model.SensorReading) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest[r.DeviceID] = r
	h.broadcastLocked(TypeReading, r.DeviceID, r)
}

// PublishTransaction appends tx to the replay history and broadcasts it.
func (h *Hub) PublishTransaction(tx model.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.appendHistory(tx)
	h.broadcastLocked(TypeTransaction, tx.DeviceID, tx)
}

// PublishSession broadcasts a vehicle session transition.
func (h *Hub) PublishSession(deviceID string, ev SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.broadcastLocked(TypeSession, deviceID, ev)
}

func (h *Hub) broadcastLocked(kind, deviceID string, data any) {
	env := Envelope{Type: kind, DeviceID: deviceID, Data: data, ServerTimestamp: h.now().UTC()}
	for _, sub := range h.subscribers {
		sub.push(env)
	}
}

func (h *Hub) appendHistory(tx model.Transaction) {
	if h.replayLen == 0 {
		return
	}
	h.history = append(h.history, tx)
	if over := len(h.history) - h.replayLen; over > 0 {
		h.history = append(h.history[:0], h.history[over:]...)
	}
}

func (h *Hub) snapshotLocked() Snapshot {
	snap := Snapshot{
		Readings:     make([]model.SensorReading, 0, len(h.latest)),
		Transactions: make([]model.Transaction, 0, len(h.history)),
	}
	for _, r := range h.latest {
		snap.Readings = append(snap.Readings, r)
	}
	sort.Slice(snap.Readings, func(i, j int) bool { return snap.Readings[i].DeviceID < snap.Readings[j].DeviceID })

	for i := len(h.history) - 1; i >= 0; i-- {
		snap.Transactions = append(snap.Transactions, h.history[i])
	}
	sort.SliceStable(snap.Transactions, func(i, j int) bool {
		a, b := snap.Transactions[i], snap.Transactions[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		return a.Sequence > b.Sequence
	})
	return snap
}
