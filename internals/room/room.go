package room

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"github.com/adityaadpandey/ephemeral-relay/internals/utils"
)

const (
	DefaultTTL             = "30min"
	FallbackTTLSeconds     = 900
	DefaultMaxParticipants = 2
	MinParticipants        = 1
	MaxParticipants        = 50

	// maxTTLSeconds keeps time.Duration arithmetic from overflowing on
	// absurd numeric inputs.
	maxTTLSeconds = math.MaxInt32
)

var ttlTable = map[string]int{
	"5min":  300,
	"15min": 900,
	"30min": 1800,
	"1h":    3600,
	"6h":    21600,
	"24h":   86400,
	"5m":    300,
	"15m":   900,
	"30m":   1800,
}

// CreateRequest is the POST /api/room body. Fields are kept raw because
// clients send loosely typed values that are coerced, never rejected.
type CreateRequest struct {
	TTL              json.RawMessage `json:"ttl,omitempty"`
	BurnAfterReading json.RawMessage `json:"burnAfterReading,omitempty"`
	MaxParticipants  json.RawMessage `json:"maxParticipants,omitempty"`
}

type Room struct {
	ID       string             `json:"roomId"`
	Settings state.RoomSettings `json:"settings"`
}

// Info is a room as seen by GET /api/room/{roomId}. Participants is only
// meaningful when ParticipantsTracked is true; the Redis backend does not
// keep membership.
type Info struct {
	ID                  string             `json:"roomId"`
	Settings            state.RoomSettings `json:"settings"`
	Participants        int                `json:"participants"`
	ParticipantsTracked bool               `json:"participantsTracked"`
	ExpiresAt           *int64             `json:"expiresAt,omitempty"`
}

// TTLToSeconds normalizes a ttl value. Numbers pass through (rounded up to
// whole seconds); known symbolic durations map through the table; anything
// else, including an explicit null or empty string, becomes 900. A missing
// value means DefaultTTL.
func TTLToSeconds(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ttlTable[DefaultTTL]
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return FallbackTTLSeconds
	}

	switch ttl := v.(type) {
	case float64:
		if ttl <= 0 || math.IsNaN(ttl) {
			return FallbackTTLSeconds
		}
		if ttl > maxTTLSeconds {
			return maxTTLSeconds
		}
		return int(math.Ceil(ttl))
	case string:
		if seconds, ok := ttlTable[ttl]; ok {
			return seconds
		}
	}
	return FallbackTTLSeconds
}

// ClampParticipants coerces maxParticipants to a number and clamps it to
// [MinParticipants, MaxParticipants]. Missing, zero and non-numeric values
// become DefaultMaxParticipants.
func ClampParticipants(raw json.RawMessage) int {
	n := utils.Number(raw)
	if math.IsNaN(n) || n == 0 {
		return DefaultMaxParticipants
	}
	if n > MaxParticipants {
		return MaxParticipants
	}
	if n < MinParticipants {
		return MinParticipants
	}
	return int(n)
}
