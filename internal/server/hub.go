package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/presence"
	"github.com/fleetrelay/fleetrelay/internal/protocol"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024
)

// Client represents a WebSocket connection (device or observer).
type Client struct {
	conn       *websocket.Conn
	clientType string // "device" or "observer"
	clientID   string // device id after registration, session id for observers
	send       chan []byte
	hub        *Hub
}

// Hub maintains active connections, tracks device sessions, and fans out
// live snapshots to observers.
type Hub struct {
	log     zerolog.Logger
	store   statestore.Store
	tracker *presence.Tracker // set during server wiring

	// Registered clients
	clients map[*Client]bool

	// Device connections by normalized id
	devices map[string]*Client

	// Observer connections
	observers map[*Client]bool

	// Channels for registration/unregistration
	register   chan *Client
	unregister chan *Client

	// Channel for messages from device clients
	deviceMessages chan *deviceMessage

	mu sync.RWMutex

	// Last computed snapshot, served immediately to new observers.
	snapMu       sync.RWMutex
	lastSnapshot []map[string]any

	// Active per-device reply watches; at most one per device id.
	watchMu      sync.Mutex
	replyWatches map[string]statestore.Subscription
	storeSubs    []statestore.Subscription
}

type deviceMessage struct {
	client  *Client
	message *protocol.Message
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger, store statestore.Store) *Hub {
	return &Hub{
		log:            log.With().Str("component", "hub").Logger(),
		store:          store,
		clients:        make(map[*Client]bool),
		devices:        make(map[string]*Client),
		observers:      make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		deviceMessages: make(chan *deviceMessage, 256),
		replyWatches:   make(map[string]statestore.Subscription),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.clientType == "observer" {
				h.observers[client] = true
			}
			h.mu.Unlock()
			if client.clientType == "observer" {
				h.sendSnapshotTo(client)
			}
			h.log.Debug().
				Str("type", client.clientType).
				Str("id", client.clientID).
				Msg("client registered")

		case client := <-h.unregister:
			var goneDevice string
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.observers, client)
				if client.clientType == "device" && client.clientID != "" {
					if h.devices[client.clientID] == client {
						delete(h.devices, client.clientID)
						goneDevice = client.clientID
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			if goneDevice != "" {
				h.tracker.Disconnect(context.Background(), goneDevice)
			}
			h.log.Debug().
				Str("type", client.clientType).
				Str("id", client.clientID).
				Msg("client unregistered")

		case msg := <-h.deviceMessages:
			h.handleDeviceMessage(msg)
		}
	}
}

// handleDeviceMessage processes messages from device clients.
func (h *Hub) handleDeviceMessage(msg *deviceMessage) {
	switch msg.message.Type {
	case protocol.TypeRegisterDevice:
		var payload protocol.RegisterDevicePayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse registerDevice payload")
			return
		}

		id := h.tracker.Connect(context.Background(), payload.ID)
		if id == "" {
			return
		}

		h.mu.Lock()
		// Check for duplicate device id
		if existing, ok := h.devices[id]; ok && existing != msg.client {
			close(existing.send)
			delete(h.clients, existing)
			h.log.Warn().Str("device", id).Msg("replaced duplicate device session")
		}
		msg.client.clientID = id
		h.devices[id] = msg.client
		h.mu.Unlock()

		resp, _ := protocol.NewMessage(protocol.TypeRegistered, protocol.RegisteredPayload{ID: id})
		respData, _ := json.Marshal(resp)
		select {
		case msg.client.send <- respData:
		default:
		}

		h.log.Info().Str("device", id).Msg("device registered")
	}
}

// DeviceStatusChanged broadcasts a single presence transition to observers.
func (h *Hub) DeviceStatusChanged(id, connectivity string) {
	h.broadcastToObservers(protocol.TypeDeviceStatus, protocol.DeviceStatusPayload{
		ID:           id,
		Connectivity: connectivity,
	})
}

// RefreshDevices recomputes the full snapshot and pushes it to every
// observer. The snapshot is cached for newly connecting observers.
func (h *Hub) RefreshDevices(reason string) {
	list, err := h.tracker.CurrentList(context.Background())
	if err != nil {
		h.log.Error().Err(err).Str("reason", reason).Msg("failed to build devices snapshot")
		return
	}

	h.snapMu.Lock()
	h.lastSnapshot = list
	h.snapMu.Unlock()

	h.broadcastToObservers(protocol.TypeDevicesLive, protocol.DevicesLivePayload{
		Success: true,
		Reason:  reason,
		Count:   len(list),
		Data:    list,
	})

	h.log.Info().Str("reason", reason).Int("count", len(list)).Msg("devicesLive pushed")
}

// sendSnapshotTo delivers the cached snapshot to one observer.
func (h *Hub) sendSnapshotTo(client *Client) {
	h.snapMu.RLock()
	list := h.lastSnapshot
	h.snapMu.RUnlock()
	if list == nil {
		list = []map[string]any{}
	}

	msg, err := protocol.NewMessage(protocol.TypeDevicesLive, protocol.DevicesLivePayload{
		Success: true,
		Count:   len(list),
		Data:    list,
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case client.send <- data:
	default:
	}
}

// broadcastToObservers sends a typed message to all connected observers.
func (h *Hub) broadcastToObservers(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	observers := make([]*Client, 0, len(h.observers))
	for client := range h.observers {
		observers = append(observers, client)
	}
	h.mu.RUnlock()

	for _, client := range observers {
		select {
		case client.send <- data:
		default:
			// Client send buffer full, skip
		}
	}
}

// WatchReply installs the live reply watch for a device. Any prior watch
// for the same device is released first, so there is never more than one.
func (h *Hub) WatchReply(rawID string) {
	uid := presence.NormalizeID(rawID)
	if uid == "" {
		return
	}

	h.watchMu.Lock()
	defer h.watchMu.Unlock()

	if old, ok := h.replyWatches[uid]; ok {
		old.Close()
		delete(h.replyWatches, uid)
	}

	sub := h.store.Watch("checkOnline/"+uid, func(ev statestore.Event) {
		var data any
		if ev.Type != statestore.EventRemoved && ev.Value != nil {
			m := make(map[string]any)
			if err := json.Unmarshal(ev.Value, &m); err == nil {
				m["uid"] = uid
				data = m
			}
		}
		h.broadcastToObservers(protocol.TypeBrosReplyUpdate, protocol.BrosReplyUpdatePayload{
			UID:     uid,
			Success: true,
			Data:    data,
		})
	})
	h.replyWatches[uid] = sub
}

// StartWatches installs the store-driven refresh triggers: device registry
// changes re-broadcast the snapshot, ping replies refresh presence.
func (h *Hub) StartWatches() {
	devSub := h.store.Watch("devices", func(ev statestore.Event) {
		switch ev.Type {
		case statestore.EventAdded:
			h.RefreshDevices("registered_added")
		case statestore.EventChanged:
			h.RefreshDevices("registered_changed")
		case statestore.EventRemoved:
			h.RefreshDevices("registered_removed")
		}
	})

	checkSub := h.store.Watch("checkOnline", func(ev statestore.Event) {
		if ev.Type == statestore.EventRemoved || ev.Key == "" {
			return
		}
		h.tracker.MarkAlive(context.Background(), ev.Key)
		h.RefreshDevices("checkOnline:" + ev.Key)
	})

	h.watchMu.Lock()
	h.storeSubs = append(h.storeSubs, devSub, checkSub)
	h.watchMu.Unlock()
}

// StopWatches releases every store subscription held by the hub.
func (h *Hub) StopWatches() {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	for _, sub := range h.storeSubs {
		sub.Close()
	}
	h.storeSubs = nil
	for uid, sub := range h.replyWatches {
		sub.Close()
		delete(h.replyWatches, uid)
	}
}

// DeviceCount returns the number of live device connections.
func (h *Hub) DeviceCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// GetDevice returns the live connection for a device id, if any.
func (h *Hub) GetDevice(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.devices[id]
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.clientType == "device" {
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.hub.log.Warn().Err(err).Msg("failed to parse message")
				continue
			}
			c.hub.deviceMessages <- &deviceMessage{client: c, message: &msg}
		} else {
			c.handleObserverMessage(data)
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleObserverMessage processes messages from observer clients.
func (c *Client) handleObserverMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "watchReply":
		// Observer subscribing to a device's live reply stream
		var payload struct {
			ID string `json:"id"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		c.hub.WatchReply(payload.ID)
	}
}
