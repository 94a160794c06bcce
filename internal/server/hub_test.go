package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/presence"
	"github.com/fleetrelay/fleetrelay/internal/protocol"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

func newTestHub(t *testing.T) (*Hub, statestore.Store) {
	t.Helper()
	db, err := statestore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := statestore.New(zerolog.Nop(), db)
	hub := NewHub(zerolog.Nop(), store)
	hub.tracker = presence.New(zerolog.Nop(), store, hub)
	go hub.Run()
	return hub, store
}

func newObserver(hub *Hub) *Client {
	return &Client{
		clientType: "observer",
		clientID:   "obs-test",
		send:       make(chan []byte, 64),
		hub:        hub,
	}
}

func newDevice(hub *Hub) *Client {
	return &Client{
		clientType: "device",
		send:       make(chan []byte, 64),
		hub:        hub,
	}
}

// nextOfType reads messages from the client until one of the wanted type
// arrives, skipping everything else.
func nextOfType(t *testing.T, c *Client, msgType string) *protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %q", msgType)
			}
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("bad message: %v", err)
			}
			if msg.Type == msgType {
				return &msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

func registerDevice(t *testing.T, hub *Hub, client *Client, id string) {
	t.Helper()
	hub.register <- client
	msg, err := protocol.NewMessage(protocol.TypeRegisterDevice, protocol.RegisterDevicePayload{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	hub.deviceMessages <- &deviceMessage{client: client, message: msg}
}

func TestObserverReceivesCachedSnapshot(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	if err := store.Set(ctx, "devices/A1", map[string]any{"model": "pixel"}); err != nil {
		t.Fatal(err)
	}
	hub.RefreshDevices("seed")

	obs := newObserver(hub)
	hub.register <- obs

	msg := nextOfType(t, obs, protocol.TypeDevicesLive)
	var payload protocol.DevicesLivePayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Success || payload.Count != 1 {
		t.Errorf("unexpected snapshot payload: %+v", payload)
	}
}

func TestObserverReceivesEmptySnapshotBeforeFirstRefresh(t *testing.T) {
	hub, _ := newTestHub(t)

	obs := newObserver(hub)
	hub.register <- obs

	msg := nextOfType(t, obs, protocol.TypeDevicesLive)
	var payload protocol.DevicesLivePayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Count != 0 {
		t.Errorf("expected empty snapshot, got %+v", payload)
	}
}

func TestRefreshBroadcastsReasonAndCount(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	obs := newObserver(hub)
	hub.register <- obs
	nextOfType(t, obs, protocol.TypeDevicesLive) // initial snapshot

	if err := store.Set(ctx, "devices/A1", map[string]any{"model": "pixel"}); err != nil {
		t.Fatal(err)
	}
	hub.RefreshDevices("registered_added")

	msg := nextOfType(t, obs, protocol.TypeDevicesLive)
	var payload protocol.DevicesLivePayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Reason != "registered_added" || payload.Count != 1 {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestDeviceRegistrationMarksOnline(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	obs := newObserver(hub)
	hub.register <- obs
	nextOfType(t, obs, protocol.TypeDevicesLive)

	dev := newDevice(hub)
	registerDevice(t, hub, dev, " a1 ")

	// Device gets the ack with its normalized id.
	ack := nextOfType(t, dev, protocol.TypeRegistered)
	var reg protocol.RegisteredPayload
	if err := ack.ParsePayload(&reg); err != nil {
		t.Fatal(err)
	}
	if reg.ID != "A1" {
		t.Errorf("expected normalized id A1, got %q", reg.ID)
	}

	// Observers see the transition.
	status := nextOfType(t, obs, protocol.TypeDeviceStatus)
	var st protocol.DeviceStatusPayload
	if err := status.ParsePayload(&st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "A1" || st.Connectivity != presence.Online {
		t.Errorf("unexpected status: %+v", st)
	}

	raw, err := store.Get(ctx, "presence/A1")
	if err != nil || raw == nil {
		t.Fatalf("expected presence record, got raw=%s err=%v", raw, err)
	}
}

func TestDuplicateDeviceReplaced(t *testing.T) {
	hub, _ := newTestHub(t)

	first := newDevice(hub)
	registerDevice(t, hub, first, "A1")
	nextOfType(t, first, protocol.TypeRegistered)

	second := newDevice(hub)
	registerDevice(t, hub, second, "A1")
	nextOfType(t, second, protocol.TypeRegistered)

	// The first session's send channel is closed on replacement.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-first.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("first session was not closed after replacement")
		}
	}
}

func TestUnregisterMarksOffline(t *testing.T) {
	hub, _ := newTestHub(t)

	obs := newObserver(hub)
	hub.register <- obs
	nextOfType(t, obs, protocol.TypeDevicesLive)

	dev := newDevice(hub)
	registerDevice(t, hub, dev, "A1")
	nextOfType(t, dev, protocol.TypeRegistered)
	nextOfType(t, obs, protocol.TypeDeviceStatus) // Online

	hub.unregister <- dev

	status := nextOfType(t, obs, protocol.TypeDeviceStatus)
	var st protocol.DeviceStatusPayload
	if err := status.ParsePayload(&st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "A1" || st.Connectivity != presence.Offline {
		t.Errorf("expected Offline for A1, got %+v", st)
	}
}

func TestStaleUnregisterDoesNotTouchNewSession(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	first := newDevice(hub)
	registerDevice(t, hub, first, "A1")
	nextOfType(t, first, protocol.TypeRegistered)

	second := newDevice(hub)
	registerDevice(t, hub, second, "A1")
	nextOfType(t, second, protocol.TypeRegistered)

	// The replaced session disconnects; the new session still owns the
	// device, so presence must stay Online.
	hub.unregister <- first

	waitPresence(t, store, ctx, "A1", presence.Online)
	if hub.GetDevice("A1") != second {
		t.Error("new session must remain registered")
	}
}

func waitPresence(t *testing.T, store statestore.Store, ctx context.Context, id, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := store.Get(ctx, "presence/"+id)
		if err == nil && raw != nil {
			var rec presence.Record
			if json.Unmarshal(raw, &rec) == nil && rec.Connectivity == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("presence for %s never became %s", id, want)
}

func TestWatchReplyBroadcastsOnce(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	obs := newObserver(hub)
	hub.register <- obs
	nextOfType(t, obs, protocol.TypeDevicesLive)

	// Installing the watch twice must not double the events.
	hub.WatchReply("a1")
	hub.WatchReply("A1")

	if err := store.Set(ctx, "checkOnline/A1", map[string]any{"battery": "80"}); err != nil {
		t.Fatal(err)
	}

	msg := nextOfType(t, obs, protocol.TypeBrosReplyUpdate)
	var payload protocol.BrosReplyUpdatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.UID != "A1" || !payload.Success {
		t.Errorf("unexpected payload: %+v", payload)
	}
	data, ok := payload.Data.(map[string]any)
	if !ok || data["battery"] != "80" || data["uid"] != "A1" {
		t.Errorf("unexpected reply data: %v", payload.Data)
	}

	// No duplicate from the replaced first watch.
	select {
	case raw := <-obs.send:
		var extra protocol.Message
		_ = json.Unmarshal(raw, &extra)
		if extra.Type == protocol.TypeBrosReplyUpdate {
			t.Error("received duplicate reply broadcast")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartWatchesRefreshOnRegistryChange(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	hub.StartWatches()
	defer hub.StopWatches()

	obs := newObserver(hub)
	hub.register <- obs
	nextOfType(t, obs, protocol.TypeDevicesLive)

	if err := store.Set(ctx, "devices/A1", map[string]any{"model": "pixel"}); err != nil {
		t.Fatal(err)
	}

	msg := nextOfType(t, obs, protocol.TypeDevicesLive)
	var payload protocol.DevicesLivePayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Reason != "registered_added" {
		t.Errorf("expected registered_added, got %q", payload.Reason)
	}
}

func TestStartWatchesMarkAliveOnReply(t *testing.T) {
	hub, store := newTestHub(t)
	ctx := context.Background()

	hub.StartWatches()
	defer hub.StopWatches()

	if err := store.Set(ctx, "checkOnline/A1", map[string]any{"battery": "80"}); err != nil {
		t.Fatal(err)
	}

	waitPresence(t, store, ctx, "A1", presence.Online)
}
