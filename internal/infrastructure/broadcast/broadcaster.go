package broadcast

import (
	"sync"
	"time"

	"coderoom/internal/core/domain"
	"coderoom/internal/core/ports"
	"coderoom/internal/protocol"

	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

// Config carries the throttle windows and request limits. Zero values fall
// back to the reference intervals.
type Config struct {
	// FullStateInterval throttles full-snapshot broadcasts per room.
	FullStateInterval time.Duration
	// CodeChangeInterval gates document broadcasts per (room, file).
	CodeChangeInterval time.Duration
	// RoomStateConnInterval allows one request-room-state per
	// (connection, room) per interval.
	RoomStateConnInterval time.Duration
	// RoomStatePerMinute is the per-room request-room-state budget.
	RoomStatePerMinute int
}

func (c Config) withDefaults() Config {
	if c.FullStateInterval <= 0 {
		c.FullStateInterval = 500 * time.Millisecond
	}
	if c.CodeChangeInterval <= 0 {
		c.CodeChangeInterval = 100 * time.Millisecond
	}
	if c.RoomStateConnInterval <= 0 {
		c.RoomStateConnInterval = 10 * time.Second
	}
	if c.RoomStatePerMinute <= 0 {
		c.RoomStatePerMinute = 5
	}
	return c
}

// keySep joins scoped throttle keys. Room ids are validated to never
// contain it.
const keySep = "\x00"

// Broadcaster fans room mutations out to connected clients. Full-state
// snapshots are coalesced per room; document changes are gated per
// (room, file) on an independent, faster window so live typing is never
// delayed behind the snapshot path.
type Broadcaster struct {
	cfg     Config
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	senders map[domain.ConnID]ports.Sender

	stateGates     *gateStore
	codeGates      *gateStore
	connRoomLimits *limiterStore
	roomBudgets    *limiterStore
}

func NewBroadcaster(cfg Config, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Broadcaster {
	cfg = cfg.withDefaults()
	perMinute := rate.Limit(float64(cfg.RoomStatePerMinute) / 60.0)
	return &Broadcaster{
		cfg:            cfg,
		metrics:        metrics,
		logger:         logger,
		senders:        make(map[domain.ConnID]ports.Sender),
		stateGates:     newGateStore(cfg.FullStateInterval),
		codeGates:      newGateStore(cfg.CodeChangeInterval),
		connRoomLimits: newLimiterStore(rate.Every(cfg.RoomStateConnInterval), 1),
		roomBudgets:    newLimiterStore(perMinute, cfg.RoomStatePerMinute),
	}
}

var _ ports.Broadcaster = (*Broadcaster)(nil)

func (b *Broadcaster) Register(connID domain.ConnID, sender ports.Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[connID] = sender
}

func (b *Broadcaster) Unregister(connID domain.ConnID) {
	b.mu.Lock()
	delete(b.senders, connID)
	b.mu.Unlock()

	b.connRoomLimits.forgetPrefix(string(connID) + keySep)
}

func (b *Broadcaster) Send(connID domain.ConnID, event string, payload interface{}) {
	b.mu.RLock()
	sender, exists := b.senders[connID]
	b.mu.RUnlock()

	if !exists {
		return
	}
	if err := sender.Send(event, payload); err != nil {
		b.logger.Infow("failed to send event", "conn_id", connID, "event", event, "error", err)
	}
}

func (b *Broadcaster) SendAll(conns []domain.ConnID, event string, payload interface{}) {
	for _, connID := range conns {
		b.Send(connID, event, payload)
	}
}

func (b *Broadcaster) SendAllExcept(conns []domain.ConnID, except domain.ConnID, event string, payload interface{}) {
	for _, connID := range conns {
		if connID == except {
			continue
		}
		b.Send(connID, event, payload)
	}
}

func (b *Broadcaster) BroadcastState(roomID domain.RoomID, conns []domain.ConnID, envelope protocol.StateEnvelope) {
	gate := b.stateGates.get(string(roomID))
	immediate := gate.Emit(func() {
		b.SendAll(conns, protocol.EvtRoomStateUpdate, envelope)
		b.metrics.RecordBroadcast(protocol.EvtRoomStateUpdate)
	})
	if !immediate {
		b.metrics.RecordSuppressedBroadcast()
	}
}

func (b *Broadcaster) BroadcastCode(roomID domain.RoomID, fileID domain.FileID, conns []domain.ConnID, author domain.ConnID, change protocol.CodeChangeEvent) {
	gate := b.codeGates.get(string(roomID) + keySep + string(fileID))
	immediate := gate.Emit(func() {
		b.SendAllExcept(conns, author, protocol.EvtCodeChange, change)
		b.SendAllExcept(conns, author, protocol.EvtCodeUpdate, protocol.CodeUpdateEvent{
			Code:   change.Code,
			FileID: change.FileID,
		})
		b.metrics.RecordBroadcast(protocol.EvtCodeChange)
	})
	if !immediate {
		b.metrics.RecordSuppressedBroadcast()
	}
}

func (b *Broadcaster) AllowRoomState(connID domain.ConnID, roomID domain.RoomID) bool {
	if !b.connRoomLimits.allow(string(connID) + keySep + string(roomID)) {
		return false
	}
	return b.roomBudgets.allow(string(roomID))
}

// Forget releases every gate and limiter scoped to the room. Called by the
// coordinator when empty-room GC deletes the room; skipping it would leak
// one gate set per room ever created.
func (b *Broadcaster) Forget(roomID domain.RoomID) {
	b.stateGates.forget(string(roomID))
	b.codeGates.forgetPrefix(string(roomID) + keySep)
	b.roomBudgets.forget(string(roomID))
	b.connRoomLimits.forgetSuffix(keySep + string(roomID))
}
