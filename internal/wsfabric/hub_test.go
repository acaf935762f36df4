package wsfabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wisbric/platform/internal/cache"
	"github.com/wisbric/platform/internal/collab"
)

func newTestHub(t *testing.T, redis *collab.FakeRedis, nodeID string) *Hub {
	t.Helper()
	c, err := cache.New(context.Background(), redis, cache.Options{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return NewHub(c, nodeID, nil)
}

func drain(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(time.Second):
		t.Fatal("expected a message, got none")
		return nil
	}
}

func TestJoinRejectsOverRoomLimit(t *testing.T) {
	hub := newTestHub(t, collab.NewFakeRedis(), "node-1")
	ctx := context.Background()
	socket := hub.Register(ctx, "tenant-a", "user-1")

	for i := 0; i < maxRoomsPerSocket; i++ {
		if err := hub.Join(ctx, socket, "room-"+string(rune('a'+i))); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	err := hub.Join(ctx, socket, "room-overflow")
	var wsErr *WsError
	if !asErr(err, &wsErr) || wsErr.Reason != ReasonRoomLimit {
		t.Fatalf("expected room_limit, got %v", err)
	}
}

func asErr(err error, target **WsError) bool {
	we, ok := err.(*WsError)
	if ok {
		*target = we
	}
	return ok
}

func TestLeaveNotAMemberFails(t *testing.T) {
	hub := newTestHub(t, collab.NewFakeRedis(), "node-1")
	ctx := context.Background()
	socket := hub.Register(ctx, "tenant-a", "user-1")

	err := hub.Leave(ctx, socket, "room-x")
	var wsErr *WsError
	if !asErr(err, &wsErr) || wsErr.Reason != ReasonNotInRoom {
		t.Fatalf("expected not_in_room, got %v", err)
	}
}

func TestSendRoomRequiresMembership(t *testing.T) {
	hub := newTestHub(t, collab.NewFakeRedis(), "node-1")
	ctx := context.Background()
	socket := hub.Register(ctx, "tenant-a", "user-1")

	err := hub.SendRoom(ctx, socket, "room-x", json.RawMessage(`{}`))
	var wsErr *WsError
	if !asErr(err, &wsErr) || wsErr.Reason != ReasonNotInRoom {
		t.Fatalf("expected not_in_room, got %v", err)
	}
}

func TestMetaSetThenGetRoundTrips(t *testing.T) {
	hub := newTestHub(t, collab.NewFakeRedis(), "node-1")
	ctx := context.Background()
	socket := hub.Register(ctx, "tenant-a", "user-1")

	if err := hub.MetaSet(ctx, socket, "nickname", json.RawMessage(`"frank"`)); err != nil {
		t.Fatalf("MetaSet: %v", err)
	}
	value, err := hub.MetaGet(ctx, socket, "nickname")
	if err != nil {
		t.Fatalf("MetaGet: %v", err)
	}
	if string(value) != `"frank"` {
		t.Fatalf("expected round-tripped value, got %q", value)
	}
}

func TestSameNodeRoomDeliveryToOtherMember(t *testing.T) {
	redis := collab.NewFakeRedis()
	hub := newTestHub(t, redis, "node-1")
	ctx := context.Background()

	sender := hub.Register(ctx, "tenant-a", "user-1")
	receiver := hub.Register(ctx, "tenant-a", "user-2")
	if err := hub.Join(ctx, sender, "lobby"); err != nil {
		t.Fatalf("sender join: %v", err)
	}
	if err := hub.Join(ctx, receiver, "lobby"); err != nil {
		t.Fatalf("receiver join: %v", err)
	}

	if err := hub.SendRoom(ctx, sender, "lobby", json.RawMessage(`{"hi":true}`)); err != nil {
		t.Fatalf("SendRoom: %v", err)
	}

	payload := drain(t, receiver.send)
	var out Outbound
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tag != OutboundRoomMessage || out.RoomID != "lobby" {
		t.Fatalf("unexpected outbound message: %+v", out)
	}
}

func TestCrossNodeRoomDelivery(t *testing.T) {
	redis := collab.NewFakeRedis()
	hub1 := newTestHub(t, redis, "node-1")
	hub2 := newTestHub(t, redis, "node-2")
	ctx := context.Background()

	if err := hub1.Start(ctx); err != nil {
		t.Fatalf("hub1 start: %v", err)
	}
	if err := hub2.Start(ctx); err != nil {
		t.Fatalf("hub2 start: %v", err)
	}

	local := hub1.Register(ctx, "tenant-a", "user-1")
	remote := hub2.Register(ctx, "tenant-a", "user-2")
	if err := hub1.Join(ctx, local, "lobby"); err != nil {
		t.Fatalf("local join: %v", err)
	}
	if err := hub2.Join(ctx, remote, "lobby"); err != nil {
		t.Fatalf("remote join: %v", err)
	}

	if err := hub1.SendRoom(ctx, local, "lobby", json.RawMessage(`{"hi":true}`)); err != nil {
		t.Fatalf("SendRoom: %v", err)
	}

	payload := drain(t, remote.send)
	var out Outbound
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tag != OutboundRoomMessage || out.RoomID != "lobby" {
		t.Fatalf("unexpected outbound message: %+v", out)
	}
}

func TestDirectDeliversOnlyToTarget(t *testing.T) {
	redis := collab.NewFakeRedis()
	hub := newTestHub(t, redis, "node-1")
	ctx := context.Background()

	sender := hub.Register(ctx, "tenant-a", "user-1")
	target := hub.Register(ctx, "tenant-a", "user-2")
	other := hub.Register(ctx, "tenant-a", "user-3")

	if err := hub.Direct(ctx, sender, target.ID, json.RawMessage(`{"m":1}`)); err != nil {
		t.Fatalf("Direct: %v", err)
	}

	payload := drain(t, target.send)
	var out Outbound
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tag != OutboundDirectMessage {
		t.Fatalf("unexpected tag: %+v", out)
	}

	select {
	case p := <-other.send:
		t.Fatalf("expected no delivery to uninvolved socket, got %s", p)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnregisterRemovesRoomMembership(t *testing.T) {
	redis := collab.NewFakeRedis()
	hub := newTestHub(t, redis, "node-1")
	ctx := context.Background()

	socket := hub.Register(ctx, "tenant-a", "user-1")
	if err := hub.Join(ctx, socket, "lobby"); err != nil {
		t.Fatalf("join: %v", err)
	}
	hub.Unregister(ctx, socket)

	members := hub.cache.Members(ctx, roomKey("tenant-a", "lobby"))
	for _, m := range members {
		if m == socket.ID {
			t.Fatal("expected socket removed from room membership on unregister")
		}
	}

	select {
	case <-socket.Done():
	default:
		t.Fatal("expected socket closed on unregister")
	}
}
