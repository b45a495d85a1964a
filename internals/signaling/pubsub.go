package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishQueueSize = 1024

// PubSubMessage wraps a room frame with its origin so instances can skip
// their own publications.
type PubSubMessage struct {
	InstanceID string          `json:"instance_id"`
	RoomID     string          `json:"room_id"`
	Exclude    string          `json:"exclude,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

type publishRequest struct {
	roomID string
	data   []byte
}

// PubSubManager relays room broadcasts between instances that share a Redis
// backend. Publications go through a single queue so their order matches
// the hub's dispatch order.
type PubSubManager struct {
	redis      *redis.Client
	hub        *Hub
	instanceID string
	logger     *zap.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub // roomID -> subscription

	publish chan publishRequest
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPubSubManager creates the bridge and starts its publisher. The caller
// still has to install it with hub.SetBridge.
func NewPubSubManager(redisClient *redis.Client, hub *Hub, instanceID string, logger *zap.Logger) *PubSubManager {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &PubSubManager{
		redis:      redisClient,
		hub:        hub,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]*redis.PubSub),
		publish:    make(chan publishRequest, publishQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	pm.wg.Add(1)
	go pm.publishLoop()

	logger.Info("PubSub manager initialized",
		zap.String("instance_id", instanceID),
	)

	return pm
}

// Publish queues frame for other instances. It never blocks the hub: when
// the queue is full the frame is dropped for remote members only.
func (p *PubSubManager) Publish(roomID string, frame []byte, exclude string) {
	data, err := json.Marshal(PubSubMessage{
		InstanceID: p.instanceID,
		RoomID:     roomID,
		Exclude:    exclude,
		Frame:      frame,
	})
	if err != nil {
		p.logger.Error("Failed to marshal pub/sub message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	select {
	case p.publish <- publishRequest{roomID: roomID, data: data}:
	case <-p.ctx.Done():
	default:
		appmetrics.RecordDrop("pubsub_queue_full")
	}
}

func (p *PubSubManager) publishLoop() {
	defer p.wg.Done()
	defer p.hub.recoverPanic("pubsub_publish")

	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.publish:
			channel := state.RoomChannel(req.roomID)
			start := time.Now()
			err := p.redis.Publish(p.ctx, channel, req.data).Err()
			appmetrics.ObserveRedis(start, err, false)
			if err != nil {
				p.logger.Error("Failed to publish to Redis",
					zap.String("room_id", req.roomID),
					zap.String("channel", channel),
					zap.Error(err),
				)
				continue
			}
			appmetrics.PubSubPublishedTotal.Inc()
		}
	}
}

// Subscribe starts listening to a room's Redis channel. Messages from other
// instances are delivered to local hub clients.
func (p *PubSubManager) Subscribe(roomID string) {
	p.mu.Lock()
	if _, exists := p.subs[roomID]; exists {
		p.mu.Unlock()
		return
	}

	channel := state.RoomChannel(roomID)
	sub := p.redis.Subscribe(p.ctx, channel)
	p.subs[roomID] = sub
	p.mu.Unlock()

	p.logger.Debug("Subscribed to room channel",
		zap.String("room_id", roomID),
		zap.String("channel", channel),
	)

	go p.listenToChannel(roomID, sub)
}

// Unsubscribe stops listening once the last local member has left.
func (p *PubSubManager) Unsubscribe(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subs[roomID]
	if !exists {
		return
	}

	if err := sub.Close(); err != nil {
		p.logger.Warn("Error closing subscription",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}

	delete(p.subs, roomID)

	p.logger.Debug("Unsubscribed from room channel",
		zap.String("room_id", roomID),
	)
}

func (p *PubSubManager) listenToChannel(roomID string, sub *redis.PubSub) {
	defer p.hub.recoverPanic("pubsub_listen")

	ch := sub.Channel()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.handlePubSubMessage(roomID, msg)
		}
	}
}

func (p *PubSubManager) handlePubSubMessage(roomID string, redisMsg *redis.Message) {
	var pubMsg PubSubMessage
	if err := json.Unmarshal([]byte(redisMsg.Payload), &pubMsg); err != nil {
		p.logger.Warn("Failed to unmarshal pub/sub message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	// Already delivered locally by the hub that published it.
	if pubMsg.InstanceID == p.instanceID {
		return
	}

	p.hub.DeliverRemote(roomID, pubMsg.Frame, pubMsg.Exclude)
}

// GetInstanceID returns this instance's unique identifier
func (p *PubSubManager) GetInstanceID() string {
	return p.instanceID
}

// Close shuts down all subscriptions and the publisher.
func (p *PubSubManager) Close() error {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for roomID, sub := range p.subs {
		if err := sub.Close(); err != nil {
			p.logger.Warn("Error closing subscription during shutdown",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
		}
	}

	p.subs = make(map[string]*redis.PubSub)
	p.logger.Info("PubSub manager closed")

	return nil
}
