package state

import (
	"context"
	"sync"
	"time"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"go.uber.org/zap"
)

// memoryRoom owns its expiry task so an early Expire can cancel it.
type memoryRoom struct {
	settings     RoomSettings
	participants map[string]struct{}
	expiry       *time.Timer
}

// MemoryStore keeps rooms in process memory. Membership is tracked here,
// but it is local to this process and lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	closed bool
	logger *zap.Logger

	// OnExpire, when set, is called after a room is removed by its TTL timer.
	OnExpire func(roomID string)
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[string]*memoryRoom),
		logger: logger,
	}
}

func (s *MemoryStore) Put(ctx context.Context, roomID string, settings RoomSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[roomID]; exists {
		return ErrRoomExists
	}

	rm := &memoryRoom{
		settings:     settings,
		participants: make(map[string]struct{}),
	}
	rm.expiry = time.AfterFunc(time.Duration(settings.TTL)*time.Second, func() {
		s.expire(roomID, rm)
	})
	s.rooms[roomID] = rm
	appmetrics.ActiveRooms.Inc()

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, roomID string) (*RoomSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	settings := rm.settings
	return &settings, nil
}

func (s *MemoryStore) AddParticipant(ctx context.Context, roomID, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	rm.participants[sessionID] = struct{}{}
	return len(rm.participants), nil
}

func (s *MemoryStore) RemoveParticipant(ctx context.Context, roomID, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	delete(rm.participants, sessionID)
	return len(rm.participants), nil
}

func (s *MemoryStore) ParticipantCount(ctx context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	return len(rm.participants), nil
}

func (s *MemoryStore) TracksParticipants() bool {
	return true
}

func (s *MemoryStore) Expire(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	rm.expiry.Stop()
	delete(s.rooms, roomID)
	appmetrics.ActiveRooms.Dec()
	return nil
}

// expire runs on the room's timer goroutine. The pointer check keeps a late
// timer from removing a room that was expired and recreated under the same id.
func (s *MemoryStore) expire(roomID string, rm *memoryRoom) {
	s.mu.Lock()
	current, ok := s.rooms[roomID]
	if !ok || current != rm || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, roomID)
	onExpire := s.OnExpire
	s.mu.Unlock()

	appmetrics.ActiveRooms.Dec()
	appmetrics.RoomsExpiredTotal.Inc()
	s.logger.Debug("Room expired", zap.String("roomId", roomID))

	if onExpire != nil {
		onExpire(roomID)
	}
}

func (s *MemoryStore) Backend() string {
	return BackendMemory
}

// Len returns the number of live rooms.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Close stops every pending expiry timer.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rm := range s.rooms {
		rm.expiry.Stop()
	}
	appmetrics.ActiveRooms.Sub(float64(len(s.rooms)))
	s.rooms = make(map[string]*memoryRoom)
	s.closed = true

	s.logger.Info("Memory room store closed")
	return nil
}
