package room

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"github.com/adityaadpandey/ephemeral-relay/internals/utils"
	"go.uber.org/zap"
)

const (
	// idBytes gives 72 bits of entropy, 12 base64url characters.
	idBytes = 9

	maxIDAttempts = 5
)

// Manager creates rooms and reads them back from the configured store.
type Manager struct {
	store  state.Store
	logger *zap.Logger

	now   func() time.Time
	newID func() (string, error)
}

func NewManager(store state.Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  GenerateID,
	}
}

// GenerateID returns a random URL-safe room identifier.
func GenerateID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (m *Manager) CreateRoom(ctx context.Context, req CreateRequest) (*Room, error) {
	settings := state.RoomSettings{
		TTL:              TTLToSeconds(req.TTL),
		BurnAfterReading: utils.Truthy(req.BurnAfterReading),
		MaxParticipants:  ClampParticipants(req.MaxParticipants),
		CreatedAt:        m.now().UnixMilli(),
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := m.newID()
		if err != nil {
			return nil, err
		}

		err = m.store.Put(ctx, id, settings)
		if errors.Is(err, state.ErrRoomExists) {
			m.logger.Warn("Room id collision, regenerating", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}

		appmetrics.RoomsCreatedTotal.Inc()
		m.logger.Info("Room created",
			zap.String("roomId", id),
			zap.Int("ttl", settings.TTL),
			zap.Int("maxParticipants", settings.MaxParticipants),
			zap.String("backend", m.store.Backend()),
		)
		return &Room{ID: id, Settings: settings}, nil
	}

	return nil, fmt.Errorf("create room: no free id after %d attempts", maxIDAttempts)
}

// GetRoom returns state.ErrRoomNotFound for unknown or expired rooms.
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*Info, error) {
	settings, err := m.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	info := &Info{
		ID:                  roomID,
		Settings:            *settings,
		ParticipantsTracked: m.store.TracksParticipants(),
	}
	if expiresAt, ok := settings.ExpiresAt(); ok {
		info.ExpiresAt = &expiresAt
	}

	if info.ParticipantsTracked {
		count, err := m.store.ParticipantCount(ctx, roomID)
		if err != nil {
			return nil, err
		}
		info.Participants = count
	}

	return info, nil
}

// DeleteRoom removes a room before its TTL and cancels its expiry task.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := m.store.Get(ctx, roomID); err != nil {
		return err
	}
	return m.store.Expire(ctx, roomID)
}
