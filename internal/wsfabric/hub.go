package wsfabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/cache"
)

// Invariants from spec.md §3 "WebSocket state": a socket joins at most
// maxRoomsPerSocket rooms; presence TTL (internal/cache's fixed 60s) must
// exceed the ping interval by at least 3x; metaTTL must exceed roomTTL.
const (
	maxRoomsPerSocket = 16
	pingInterval      = 15 * time.Second
	pongTimeout       = 45 * time.Second
	reaperInterval    = 20 * time.Second
	roomTTL           = 5 * time.Minute
	metaTTL           = 10 * time.Minute
	sendBufferSize    = 32

	roomStore = "ws:room"
	metaStore = "ws:meta"

	// broadcastChannel is the shared cross-node routing topic every node
	// subscribes to (spec.md §4.10 "Cross-node routing").
	broadcastChannel = "ws:broadcast"
)

func roomKey(tenantID, roomID string) string { return "room:" + tenantID + ":" + roomID }
func metaKey(socketID string) string         { return "ws:meta:" + socketID }

// Hub is the WebSocket service: it owns every socket connected to this
// node, routes room/direct/broadcast traffic across nodes via the shared
// cache.Service pub/sub channel, and runs the ping/reap hysteresis.
type Hub struct {
	cache  *cache.Service
	nodeID string
	logger *slog.Logger

	mu          sync.RWMutex
	sockets     map[string]*Socket
	tenantIndex map[string]map[string]struct{}

	stop chan struct{}
}

// NewHub constructs a Hub bound to nodeID (this process's identity in the
// cross-node envelope) and the shared cache.Service.
func NewHub(c *cache.Service, nodeID string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cache:       c,
		nodeID:      nodeID,
		logger:      logger,
		sockets:     make(map[string]*Socket),
		tenantIndex: make(map[string]map[string]struct{}),
		stop:        make(chan struct{}),
	}
}

// Start subscribes to the cross-node broadcast channel and launches the
// reaper loop; it returns once both are running.
func (h *Hub) Start(ctx context.Context) error {
	sub, err := h.cache.Subscribe(ctx, broadcastChannel)
	if err != nil {
		return err
	}
	go h.consumeBroadcast(sub)
	go h.reaperLoop()
	return nil
}

// Stop halts the reaper loop; in-flight sockets are left connected.
func (h *Hub) Stop() { close(h.stop) }

// Register creates and tracks a new Socket for an accepted connection,
// recording presence for userID/socketID under tenantID.
func (h *Hub) Register(ctx context.Context, tenantID, userID string) *Socket {
	socket := newSocket(uuid.New().String(), userID, tenantID, sendBufferSize)

	h.mu.Lock()
	h.sockets[socket.ID] = socket
	if h.tenantIndex[tenantID] == nil {
		h.tenantIndex[tenantID] = make(map[string]struct{})
	}
	h.tenantIndex[tenantID][socket.ID] = struct{}{}
	h.mu.Unlock()

	_ = h.cache.SetPresence(ctx, tenantID, socket.ID, map[string]any{
		"userId":      userID,
		"connectedAt": socket.ConnectedAt,
	})
	return socket
}

// Unregister removes socket from every room it belongs to, clears its
// presence entry, and forgets it.
func (h *Hub) Unregister(ctx context.Context, socket *Socket) {
	h.mu.Lock()
	delete(h.sockets, socket.ID)
	if set, ok := h.tenantIndex[socket.TenantID]; ok {
		delete(set, socket.ID)
		if len(set) == 0 {
			delete(h.tenantIndex, socket.TenantID)
		}
	}
	h.mu.Unlock()

	for _, roomID := range h.socketRooms(socket) {
		_ = h.cache.Remove(ctx, roomStore, roomKey(socket.TenantID, roomID), socket.ID)
	}
	_ = h.cache.RemovePresence(ctx, socket.TenantID, socket.ID)
	_ = h.cache.Del(ctx, metaStore, metaKey(socket.ID))
	socket.Close()
}

func (h *Hub) socketRooms(socket *Socket) []string {
	socket.mu.Lock()
	defer socket.mu.Unlock()
	out := make([]string, 0, len(socket.rooms))
	for r := range socket.rooms {
		out = append(out, r)
	}
	return out
}

// Join adds socket to roomID's membership, failing with room_limit once
// maxRoomsPerSocket is reached (spec.md §4.10 state machine step 3).
func (h *Hub) Join(ctx context.Context, socket *Socket, roomID string) error {
	if socket.RoomCount() >= maxRoomsPerSocket {
		return NewWsError(ReasonRoomLimit, socket.ID, nil)
	}
	key := roomKey(socket.TenantID, roomID)
	if err := h.cache.Add(ctx, roomStore, key, socket.ID); err != nil {
		return NewWsError(ReasonSendFailed, socket.ID, err)
	}
	_ = h.cache.TouchSet(ctx, key, roomTTL)
	socket.addRoom(roomID)
	return nil
}

// Leave removes socket from roomID, failing with not_in_room when the
// socket's local record shows no membership (step 4).
func (h *Hub) Leave(ctx context.Context, socket *Socket, roomID string) error {
	if !socket.removeRoom(roomID) {
		return NewWsError(ReasonNotInRoom, socket.ID, nil)
	}
	_ = h.cache.Remove(ctx, roomStore, roomKey(socket.TenantID, roomID), socket.ID)
	return nil
}

// SendRoom publishes data to roomID; the caller must already be a member
// (step 5).
func (h *Hub) SendRoom(ctx context.Context, socket *Socket, roomID string, data json.RawMessage) error {
	if !socket.HasRoom(roomID) {
		return NewWsError(ReasonNotInRoom, socket.ID, nil)
	}
	return h.publish(ctx, Envelope{
		Tag:          EnvelopeRoom,
		TenantID:     socket.TenantID,
		NodeID:       h.nodeID,
		RoomID:       roomID,
		FromSocketID: socket.ID,
		Data:         data,
	})
}

// Direct publishes data to a single target socket id, wherever it is
// connected (step 6).
func (h *Hub) Direct(ctx context.Context, socket *Socket, target string, data json.RawMessage) error {
	return h.publish(ctx, Envelope{
		Tag:          EnvelopeDirect,
		TenantID:     socket.TenantID,
		NodeID:       h.nodeID,
		Target:       target,
		FromSocketID: socket.ID,
		Data:         data,
	})
}

// Broadcast publishes data to every socket of socket's tenant.
func (h *Hub) Broadcast(ctx context.Context, socket *Socket, data json.RawMessage) error {
	return h.publish(ctx, Envelope{
		Tag:          EnvelopeBroadcast,
		TenantID:     socket.TenantID,
		NodeID:       h.nodeID,
		FromSocketID: socket.ID,
		Data:         data,
	})
}

func (h *Hub) publish(ctx context.Context, env Envelope) error {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return NewWsError(ReasonSendFailed, env.FromSocketID, err)
	}
	// Deliver locally first — a node always sees its own publication via
	// the shared channel too, but local sockets get it without the
	// pub/sub round-trip.
	h.deliverLocal(env)
	if err := h.cache.Publish(ctx, broadcastChannel, raw); err != nil {
		return NewWsError(ReasonSendFailed, env.FromSocketID, err)
	}
	return nil
}

// MetaGet reads the per-socket metadata entry for key (step 7).
func (h *Hub) MetaGet(ctx context.Context, socket *Socket, key string) (json.RawMessage, error) {
	var store map[string]json.RawMessage
	if !h.cache.Get(ctx, metaStore, metaKey(socket.ID), &store) {
		return nil, nil
	}
	return store[key], nil
}

// MetaSet writes the per-socket metadata entry for key (step 7).
func (h *Hub) MetaSet(ctx context.Context, socket *Socket, key string, value json.RawMessage) error {
	var store map[string]json.RawMessage
	h.cache.Get(ctx, metaStore, metaKey(socket.ID), &store)
	if store == nil {
		store = make(map[string]json.RawMessage)
	}
	store[key] = value
	if err := h.cache.Set(ctx, metaStore, metaKey(socket.ID), store, metaTTL); err != nil {
		return NewWsError(ReasonSendFailed, socket.ID, err)
	}
	return nil
}

func (h *Hub) consumeBroadcast(sub <-chan []byte) {
	for raw := range sub {
		env, err := DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if env.NodeID == h.nodeID {
			// Already delivered locally by publish(); skip the echo.
			continue
		}
		h.deliverLocal(env)
	}
}

// deliverLocal applies the cross-node routing rules of spec.md §4.10:
// Room -> every local socket in room membership for that tenant; Direct
// -> the local socket with the target id, if present; Broadcast -> every
// local socket of the tenant.
func (h *Hub) deliverLocal(env Envelope) {
	switch env.Tag {
	case EnvelopeDirect:
		h.mu.RLock()
		socket, ok := h.sockets[env.Target]
		h.mu.RUnlock()
		if !ok {
			return
		}
		payload, err := EncodeOutbound(Outbound{
			Tag:          OutboundDirectMessage,
			FromSocketID: env.FromSocketID,
			Data:         env.Data,
		})
		if err == nil {
			_ = socket.enqueue(payload)
		}

	case EnvelopeRoom:
		for _, socket := range h.tenantSockets(env.TenantID) {
			if !socket.HasRoom(env.RoomID) {
				continue
			}
			payload, err := EncodeOutbound(Outbound{
				Tag:          OutboundRoomMessage,
				RoomID:       env.RoomID,
				FromSocketID: env.FromSocketID,
				Data:         env.Data,
			})
			if err == nil {
				_ = socket.enqueue(payload)
			}
		}

	case EnvelopeBroadcast:
		for _, socket := range h.tenantSockets(env.TenantID) {
			payload, err := EncodeOutbound(Outbound{
				Tag:          OutboundRoomMessage,
				FromSocketID: env.FromSocketID,
				Data:         env.Data,
			})
			if err == nil {
				_ = socket.enqueue(payload)
			}
		}
	}
}

func (h *Hub) tenantSockets(tenantID string) []*Socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.tenantIndex[tenantID]
	out := make([]*Socket, 0, len(ids))
	for id := range ids {
		if socket, ok := h.sockets[id]; ok {
			out = append(out, socket)
		}
	}
	return out
}

// reaperLoop closes sockets whose lastPongAt exceeds pongTimeout, every
// reaperInterval (step 9).
func (h *Hub) reaperLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.reap()
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) reap() {
	now := time.Now()
	h.mu.RLock()
	stale := make([]*Socket, 0)
	for _, socket := range h.sockets {
		if now.Sub(socket.PongAt()) > pongTimeout {
			stale = append(stale, socket)
		}
	}
	h.mu.RUnlock()

	for _, socket := range stale {
		h.Unregister(context.Background(), socket)
	}
}
