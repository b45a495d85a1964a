package state

import (
	"context"
	"errors"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

var (
	// ErrRoomNotFound is returned when a room is absent or has expired.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned by Put when the room id is already live.
	ErrRoomExists = errors.New("room already exists")
	// ErrBackendUnavailable wraps connection failures against the durable backend.
	ErrBackendUnavailable = errors.New("room store backend unavailable")
)

// RoomSettings are fixed at creation. TTL is in seconds and CreatedAt in
// Unix milliseconds, matching what browser clients expect.
type RoomSettings struct {
	TTL              int   `json:"ttl"`
	BurnAfterReading bool  `json:"burnAfterReading"`
	MaxParticipants  int   `json:"maxParticipants"`
	CreatedAt        int64 `json:"createdAt"`
}

// ExpiresAt returns createdAt + ttl in Unix milliseconds. ok is false when
// either field is missing, which happens for entries written by other tools.
func (s RoomSettings) ExpiresAt() (int64, bool) {
	if s.CreatedAt <= 0 || s.TTL <= 0 {
		return 0, false
	}
	return s.CreatedAt + int64(s.TTL)*1000, true
}

// Store keeps room settings and, where supported, live membership. Every
// entry disappears on its own once its TTL elapses.
type Store interface {
	// Put stores settings under roomID with an expiry of settings.TTL seconds.
	Put(ctx context.Context, roomID string, settings RoomSettings) error
	// Get returns ErrRoomNotFound for unknown or expired rooms.
	Get(ctx context.Context, roomID string) (*RoomSettings, error)
	// AddParticipant registers sessionID and returns the resulting count.
	AddParticipant(ctx context.Context, roomID, sessionID string) (int, error)
	// RemoveParticipant deregisters sessionID and returns the remaining count.
	RemoveParticipant(ctx context.Context, roomID, sessionID string) (int, error)
	// ParticipantCount returns the live count, or 0 when membership is not tracked.
	ParticipantCount(ctx context.Context, roomID string) (int, error)
	// TracksParticipants reports whether counts returned by this store are meaningful.
	TracksParticipants() bool
	// Expire removes the room immediately.
	Expire(ctx context.Context, roomID string) error
	Backend() string
	Close() error
}
