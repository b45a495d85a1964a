package signaling

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"github.com/adityaadpandey/ephemeral-relay/internals/utils"
	"go.uber.org/zap"
)

const (
	inboxSize     = 4096
	lookupTimeout = 3 * time.Second
	messageIDSize = 6
)

// Bridge carries room broadcasts to hubs in other processes.
type Bridge interface {
	Publish(roomID string, frame []byte, exclude string)
	Subscribe(roomID string)
	Unsubscribe(roomID string)
}

type eventKind int

const (
	eventRegister eventKind = iota
	eventUnregister
	eventClient
	eventExpired
	eventRemote
)

// event is one unit of work for the hub loop. Client events are decoded and,
// for joins, resolved against the store before they are queued, so the loop
// itself never waits on the network.
type event struct {
	kind    eventKind
	client  *Client
	msgType MessageType
	roomID  string

	settings *state.RoomSettings
	found    bool
	data     json.RawMessage
	msgKind  string
	isTyping bool

	frame   []byte
	exclude string
}

// Hub owns the room registry and is the single dispatch point for every
// room-scoped broadcast in this process, which keeps per-room delivery order
// identical for all members.
type Hub struct {
	store  state.Store
	bridge Bridge

	clients map[string]*Client
	rooms   map[string]map[string]*Client
	mu      sync.RWMutex

	// expiry holds one timer per room channel, firing at the room's
	// createdAt + ttl. Owned by the loop.
	expiry map[string]*time.Timer

	// OnPanic, when set, is called after a panic in the loop, a client pump
	// or the pub/sub bridge has been recovered. Set it before Run.
	OnPanic func(err error)

	inbox   chan event
	started atomic.Bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	logger *zap.Logger
	now    func() time.Time
}

func NewHub(store state.Store, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:   store,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		expiry:  make(map[string]*time.Timer),
		inbox:   make(chan event, inboxSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		now:     time.Now,
	}
}

// SetBridge must be called before Run.
func (h *Hub) SetBridge(b Bridge) {
	h.bridge = b
}

func (h *Hub) Run() {
	h.started.Store(true)
	defer close(h.done)
	defer func() {
		if rec := recover(); rec != nil {
			h.panicked("hub", rec)
			h.cancel()
			h.shutdown()
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return
		case ev := <-h.inbox:
			h.process(ev)
		}
	}
}

// Stop closes every connection and waits for the loop to exit.
func (h *Hub) Stop() {
	h.cancel()
	if h.started.Load() {
		<-h.done
	}
}

// recoverPanic reports a panic in one of the hub's helper goroutines. It
// must be deferred directly.
func (h *Hub) recoverPanic(component string) {
	if rec := recover(); rec != nil {
		h.panicked(component, rec)
	}
}

func (h *Hub) panicked(component string, rec interface{}) {
	err := utils.PanicError(rec)
	h.logger.Error("Recovered panic",
		zap.String("component", component),
		zap.Error(err),
		zap.Stack("stack"),
	)
	if h.OnPanic != nil {
		h.OnPanic(err)
	}
}

func (h *Hub) enqueue(ev event) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case h.inbox <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Register returns false once the hub is stopping.
func (h *Hub) Register(c *Client) bool {
	return h.enqueue(event{kind: eventRegister, client: c})
}

func (h *Hub) Unregister(c *Client) {
	h.enqueue(event{kind: eventUnregister, client: c})
}

// RoomExpired tells local members that roomID has reached its TTL.
func (h *Hub) RoomExpired(roomID string) {
	h.enqueue(event{kind: eventExpired, roomID: roomID})
}

// DeliverRemote fans a frame published by another instance out to local members.
func (h *Hub) DeliverRemote(roomID string, frame []byte, exclude string) {
	h.enqueue(event{kind: eventRemote, roomID: roomID, frame: frame, exclude: exclude})
}

// HandleMessage validates a client frame and queues it for the loop. Events
// missing required fields are dropped without a reply.
func (h *Hub) HandleMessage(c *Client, message Message) {
	if message.Type.inbound() {
		appmetrics.RecordEvent(string(message.Type))
	} else {
		appmetrics.RecordEvent("unknown")
	}

	ev := event{kind: eventClient, client: c, msgType: message.Type}

	switch message.Type {
	case MessageTypeJoinRoom:
		var p JoinRoomMessage
		if err := json.Unmarshal(message.Data, &p); err != nil || p.RoomID == "" {
			appmetrics.RecordDrop("malformed_event")
			return
		}
		ev.roomID = p.RoomID

		ctx, cancel := context.WithTimeout(h.ctx, lookupTimeout)
		settings, err := h.store.Get(ctx, p.RoomID)
		cancel()
		switch {
		case err == nil:
			ev.settings = settings
			ev.found = true
		case errors.Is(err, state.ErrRoomNotFound):
		default:
			h.logger.Warn("Room lookup failed on join",
				zap.String("roomId", p.RoomID),
				zap.String("sessionId", c.ID),
				zap.Error(err),
			)
			appmetrics.RecordDrop("store_error")
			return
		}

	case MessageTypeLeaveRoom:
		var p JoinRoomMessage
		if err := json.Unmarshal(message.Data, &p); err != nil || p.RoomID == "" {
			appmetrics.RecordDrop("malformed_event")
			return
		}
		ev.roomID = p.RoomID

	case MessageTypeSendMessage:
		var p SendMessageMessage
		if err := json.Unmarshal(message.Data, &p); err != nil || p.RoomID == "" || !utils.Truthy(p.Message) {
			appmetrics.RecordDrop("malformed_event")
			return
		}
		ev.roomID = p.RoomID
		ev.data = p.Message
		ev.msgKind = messageKind(p.Message)

	case MessageTypeTyping:
		var p TypingMessage
		if err := json.Unmarshal(message.Data, &p); err != nil || p.RoomID == "" {
			appmetrics.RecordDrop("malformed_event")
			return
		}
		ev.roomID = p.RoomID
		ev.isTyping = utils.Truthy(p.IsTyping)

	case MessageTypeMessageBurned:
		var p MessageBurnedMessage
		if err := json.Unmarshal(message.Data, &p); err != nil || p.RoomID == "" || !utils.Truthy(p.ID) {
			appmetrics.RecordDrop("malformed_event")
			return
		}
		ev.roomID = p.RoomID
		ev.data = p.ID

	default:
		appmetrics.RecordDrop("unknown_event")
		return
	}

	h.enqueue(ev)
}

func (h *Hub) process(ev event) {
	switch ev.kind {
	case eventRegister:
		h.register(ev.client)
	case eventUnregister:
		h.disconnect(ev.client)
	case eventExpired:
		h.expire(ev.roomID)
	case eventRemote:
		appmetrics.PubSubReceivedTotal.Inc()
		h.deliverLocal(ev.roomID, ev.frame, ev.exclude)
	case eventClient:
		if !h.isRegistered(ev.client) {
			return
		}
		h.handleClientEvent(ev)
	}
}

func (h *Hub) handleClientEvent(ev event) {
	c := ev.client

	switch ev.msgType {
	case MessageTypeJoinRoom:
		h.join(c, ev.roomID, ev.settings, ev.found)

	case MessageTypeLeaveRoom:
		if c.room == ev.roomID {
			h.leave(c)
		}

	case MessageTypeSendMessage:
		id, err := newMessageID()
		if err != nil {
			h.logger.Error("Failed to generate message id", zap.Error(err))
			return
		}
		// The payload is encrypted client-side and is never logged.
		h.broadcast(ev.roomID, MessageTypeNewMessage, NewMessageEvent{
			RoomID:  ev.roomID,
			Message: ev.data,
			ID:      id,
			TS:      h.now().UnixMilli(),
			From:    c.ID,
		}, "")
		appmetrics.RecordMessage(ev.msgKind)

	case MessageTypeTyping:
		h.broadcast(ev.roomID, MessageTypeTypingStatus, TypingStatusEvent{
			SessionID: c.ID,
			IsTyping:  ev.isTyping,
		}, c.ID)

	case MessageTypeMessageBurned:
		h.broadcast(ev.roomID, MessageTypeMessageBurned, MessageBurnedEvent{
			ID: ev.data,
			By: c.ID,
		}, "")
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	appmetrics.ActiveConnections.Inc()
	appmetrics.ConnectionsTotal.Inc()
	h.logger.Debug("Client registered", zap.String("sessionId", c.ID))

	h.send(c, MessageTypeConnected, ConnectedEvent{SessionID: c.ID})
}

func (h *Hub) isRegistered(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[c.ID] == c
}

// disconnect removes c from its room, notifies the remaining members and
// closes its send channel. Safe to call more than once.
func (h *Hub) disconnect(c *Client) {
	if !h.isRegistered(c) {
		return
	}

	h.leave(c)

	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()

	c.closeSend()
	appmetrics.ActiveConnections.Dec()
	h.logger.Debug("Client unregistered", zap.String("sessionId", c.ID))
}

func (h *Hub) join(c *Client, roomID string, settings *state.RoomSettings, found bool) {
	if !found {
		h.send(c, MessageTypeRoomNotFound, RoomNotFoundEvent{RoomID: roomID})
		return
	}

	if c.room != "" && c.room != roomID {
		h.leave(c)
	}

	count, err := h.store.AddParticipant(h.ctx, roomID, c.ID)
	if err != nil {
		// The room expired between lookup and join.
		if errors.Is(err, state.ErrRoomNotFound) {
			h.send(c, MessageTypeRoomNotFound, RoomNotFoundEvent{RoomID: roomID})
			return
		}
		h.logger.Error("Failed to register participant",
			zap.String("roomId", roomID),
			zap.String("sessionId", c.ID),
			zap.Error(err),
		)
		return
	}

	h.subscribe(c, roomID, settings)

	tracked := h.store.TracksParticipants()
	joined := RoomJoinedEvent{RoomID: roomID, Settings: settings}
	if tracked {
		joined.Participants = &count
	}
	h.send(c, MessageTypeRoomJoined, joined)

	if tracked {
		h.broadcast(roomID, MessageTypeParticipantCount, ParticipantCountEvent{Count: count}, c.ID)
	}
	h.broadcast(roomID, MessageTypeUserJoined, UserJoinedEvent{SessionID: c.ID}, "")

	h.logger.Debug("Client joined room",
		zap.String("roomId", roomID),
		zap.String("sessionId", c.ID),
	)
}

// leave takes c out of its current room and tells the members left behind.
func (h *Hub) leave(c *Client) {
	roomID := c.room
	if roomID == "" {
		return
	}
	h.unsubscribe(c)

	count, err := h.store.RemoveParticipant(h.ctx, roomID, c.ID)
	if err == nil && h.store.TracksParticipants() {
		h.broadcast(roomID, MessageTypeParticipantCount, ParticipantCountEvent{Count: count}, c.ID)
	}
	h.broadcast(roomID, MessageTypeUserLeft, UserLeftEvent{SessionID: c.ID}, c.ID)
}

func (h *Hub) subscribe(c *Client, roomID string, settings *state.RoomSettings) {
	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
	}
	members[c.ID] = c
	c.room = roomID
	h.mu.Unlock()

	if !ok {
		appmetrics.RoomChannels.Inc()
		h.scheduleExpiry(roomID, settings)
		if h.bridge != nil {
			h.bridge.Subscribe(roomID)
		}
	}
}

// scheduleExpiry arms the channel's expiry timer. Stores that expire rooms
// silently, like Redis, rely on it to stop relaying once the TTL has passed.
func (h *Hub) scheduleExpiry(roomID string, settings *state.RoomSettings) {
	if settings == nil {
		return
	}
	expiresAt, ok := settings.ExpiresAt()
	if !ok {
		return
	}
	delay := time.UnixMilli(expiresAt).Sub(h.now())
	h.expiry[roomID] = time.AfterFunc(delay, func() {
		h.RoomExpired(roomID)
	})
}

func (h *Hub) cancelExpiry(roomID string) {
	if t, ok := h.expiry[roomID]; ok {
		t.Stop()
		delete(h.expiry, roomID)
	}
}

func (h *Hub) unsubscribe(c *Client) {
	roomID := c.room

	h.mu.Lock()
	members := h.rooms[roomID]
	delete(members, c.ID)
	empty := members != nil && len(members) == 0
	if empty {
		delete(h.rooms, roomID)
	}
	c.room = ""
	h.mu.Unlock()

	if empty {
		appmetrics.RoomChannels.Dec()
		h.cancelExpiry(roomID)
		if h.bridge != nil {
			h.bridge.Unsubscribe(roomID)
		}
	}
}

// expire notifies local members that the room is gone and drops its channel.
func (h *Hub) expire(roomID string) {
	h.cancelExpiry(roomID)

	frame, err := encodeFrame(MessageTypeRoomExpired, RoomExpiredEvent{RoomID: roomID})
	if err != nil {
		return
	}
	h.deliverLocal(roomID, frame, "")

	h.mu.Lock()
	members, ok := h.rooms[roomID]
	for _, c := range members {
		c.room = ""
	}
	delete(h.rooms, roomID)
	h.mu.Unlock()

	if ok {
		appmetrics.RoomChannels.Dec()
		if h.bridge != nil {
			h.bridge.Unsubscribe(roomID)
		}
	}
}

func (h *Hub) send(c *Client, msgType MessageType, data interface{}) {
	frame, err := encodeFrame(msgType, data)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	if !c.queue(frame) {
		h.dropSlow([]*Client{c})
	}
}

// broadcast sends to every member of roomID except exclude, here and, via
// the bridge, on other instances.
func (h *Hub) broadcast(roomID string, msgType MessageType, data interface{}, exclude string) {
	frame, err := encodeFrame(msgType, data)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.String("type", string(msgType)), zap.Error(err))
		return
	}

	h.deliverLocal(roomID, frame, exclude)
	if h.bridge != nil {
		h.bridge.Publish(roomID, frame, exclude)
	}
}

func (h *Hub) deliverLocal(roomID string, frame []byte, exclude string) {
	h.mu.RLock()
	var slow []*Client
	for id, c := range h.rooms[roomID] {
		if id == exclude {
			continue
		}
		if !c.queue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// dropSlow disconnects clients whose send buffer is full so one stalled
// reader cannot hold up the room.
func (h *Hub) dropSlow(clients []*Client) {
	for _, c := range clients {
		appmetrics.RecordDrop("slow_consumer")
		h.logger.Warn("Client send buffer full, disconnecting", zap.String("sessionId", c.ID))
		h.disconnect(c)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for roomID := range h.expiry {
		h.cancelExpiry(roomID)
	}

	for _, c := range clients {
		c.closeSend()
	}
	appmetrics.ActiveConnections.Sub(float64(len(clients)))
	appmetrics.RoomChannels.Set(0)
	h.logger.Info("Signaling hub stopped", zap.Int("clients", len(clients)))
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomMembers returns the session ids subscribed to roomID in this process.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	return ids
}

func newMessageID() (string, error) {
	b := make([]byte, messageIDSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// messageKind reads the only field of an encrypted message the relay looks at.
func messageKind(raw json.RawMessage) string {
	var m struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.Kind
}
