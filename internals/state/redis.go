package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisRoom is the value stored under RoomKey.
type redisRoom struct {
	Settings *RoomSettings `json:"settings"`
}

// RedisStore keeps room settings in Redis with a server-side expiry.
// Membership is not persisted: counts are always 0 and TracksParticipants
// reports false, so callers can surface that to clients.
type RedisStore struct {
	redis     *redis.Client
	logger    *zap.Logger
	opTimeout time.Duration
}

// NewRedisStore connects to url and verifies the connection with a PING.
func NewRedisStore(ctx context.Context, url string, dialTimeout, opTimeout time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	logger.Info("Redis connection established",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
	)

	return &RedisStore{
		redis:     client,
		logger:    logger,
		opTimeout: opTimeout,
	}, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Put writes the room with SET NX EX so an id collision is reported instead
// of silently overwriting a live room.
func (s *RedisStore) Put(ctx context.Context, roomID string, settings RoomSettings) error {
	data, err := json.Marshal(redisRoom{Settings: &settings})
	if err != nil {
		return fmt.Errorf("marshal room settings: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	ok, err := s.redis.SetNX(ctx, RoomKey(roomID), data, time.Duration(settings.TTL)*time.Second).Result()
	appmetrics.ObserveRedis(start, err, false)
	if err != nil {
		s.logger.Error("Failed to persist room to Redis",
			zap.String("roomId", roomID),
			zap.Error(err),
		)
		return fmt.Errorf("store room %s: %w", roomID, err)
	}
	if !ok {
		return ErrRoomExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, roomID string) (*RoomSettings, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	data, err := s.redis.Get(ctx, RoomKey(roomID)).Bytes()
	appmetrics.ObserveRedis(start, err, errors.Is(err, redis.Nil))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var stored redisRoom
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	if stored.Settings == nil {
		return &RoomSettings{}, nil
	}
	return stored.Settings, nil
}

func (s *RedisStore) AddParticipant(ctx context.Context, roomID, sessionID string) (int, error) {
	return 0, nil
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, roomID, sessionID string) (int, error) {
	return 0, nil
}

func (s *RedisStore) ParticipantCount(ctx context.Context, roomID string) (int, error) {
	return 0, nil
}

func (s *RedisStore) TracksParticipants() bool {
	return false
}

func (s *RedisStore) Expire(ctx context.Context, roomID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.redis.Del(ctx, RoomKey(roomID)).Err()
	appmetrics.ObserveRedis(start, err, false)
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) Backend() string {
	return BackendRedis
}

// Ping checks Redis connection health
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.redis.Ping(ctx).Err()
}

// RedisClient returns the underlying client for pub/sub.
func (s *RedisStore) RedisClient() *redis.Client {
	return s.redis
}

func (s *RedisStore) Close() error {
	if err := s.redis.Close(); err != nil {
		s.logger.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}

	s.logger.Info("Redis room store closed")
	return nil
}
