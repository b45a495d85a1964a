package relay

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adityaadpandey/ephemeral-relay/internals/config"
	"github.com/adityaadpandey/ephemeral-relay/internals/room"
	"github.com/adityaadpandey/ephemeral-relay/internals/signaling"
	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			Environment:     "development",
			CORSOrigin:      "http://localhost:3000",
			TrustProxy:      false,
			WSPath:          "/ws",
			InstanceID:      "test-instance",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: time.Second,
		},
		Redis: config.RedisConfig{
			DialTimeout: time.Second,
			OpTimeout:   500 * time.Millisecond,
		},
		Limits: config.LimitsConfig{
			RateLimitWindow: 10 * time.Second,
			RateLimitMax:    100,
			APIBodyLimit:    64 * 1024,
			WSReadLimit:     10 * 1024 * 1024,
			WSWriteTimeout:  time.Second,
			WSPongTimeout:   10 * time.Second,
			WSPingInterval:  5 * time.Second,
			SendBufferSize:  64,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: config.LoggingConfig{
			Level:  "debug",
			Format: "console",
		},
	}
}

func newTestRelay(t *testing.T, cfg *config.Config) *Relay {
	t.Helper()
	r, err := NewRelay(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeRoom(t *testing.T, rec *httptest.ResponseRecorder) room.Room {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rm room.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rm))
	return rm
}

func TestNewRelay_InvalidRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.RateLimitMax = 0

	_, err := NewRelay(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestCreateRoom(t *testing.T) {
	tcases := []struct {
		name     string
		body     string
		expected state.RoomSettings
	}{
		{
			name:     "empty body uses defaults",
			body:     "",
			expected: state.RoomSettings{TTL: 1800, MaxParticipants: 2},
		},
		{
			name:     "symbolic ttl and clamped participants",
			body:     `{"ttl":"5min","burnAfterReading":true,"maxParticipants":100}`,
			expected: state.RoomSettings{TTL: 300, BurnAfterReading: true, MaxParticipants: 50},
		},
		{
			name:     "numeric ttl",
			body:     `{"ttl":42.2,"maxParticipants":"7"}`,
			expected: state.RoomSettings{TTL: 43, MaxParticipants: 7},
		},
		{
			name:     "unknown ttl falls back",
			body:     `{"ttl":"forever","maxParticipants":0}`,
			expected: state.RoomSettings{TTL: 900, MaxParticipants: 2},
		},
		{
			name:     "malformed body uses defaults",
			body:     `{"ttl":`,
			expected: state.RoomSettings{TTL: 1800, MaxParticipants: 2},
		},
		{
			name:     "non-object body uses defaults",
			body:     `[1,2,3]`,
			expected: state.RoomSettings{TTL: 1800, MaxParticipants: 2},
		},
	}

	r := newTestRelay(t, testConfig())

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			before := time.Now().UnixMilli()
			rm := decodeRoom(t, do(t, r.Handler(), http.MethodPost, "/api/room", tc.body))

			assert.Len(t, rm.ID, 12)
			assert.Equal(t, tc.expected.TTL, rm.Settings.TTL)
			assert.Equal(t, tc.expected.BurnAfterReading, rm.Settings.BurnAfterReading)
			assert.Equal(t, tc.expected.MaxParticipants, rm.Settings.MaxParticipants)
			assert.GreaterOrEqual(t, rm.Settings.CreatedAt, before)
		})
	}
}

func TestCreateRoom_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.APIBodyLimit = 64
	r := newTestRelay(t, cfg)

	body := `{"ttl":"5min","padding":"` + strings.Repeat("x", 128) + `"}`
	rec := do(t, r.Handler(), http.MethodPost, "/api/room", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"payload_too_large"}`, rec.Body.String())
}

func TestGetRoom(t *testing.T) {
	r := newTestRelay(t, testConfig())

	created := decodeRoom(t, do(t, r.Handler(), http.MethodPost, "/api/room", `{"ttl":"1h"}`))

	rec := do(t, r.Handler(), http.MethodGet, "/api/room/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info room.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, created.ID, info.ID)
	assert.Equal(t, created.Settings, info.Settings)
	assert.Equal(t, 0, info.Participants)
	assert.True(t, info.ParticipantsTracked)
	require.NotNil(t, info.ExpiresAt)
	assert.Equal(t, created.Settings.CreatedAt+3600*1000, *info.ExpiresAt)
}

func TestGetRoom_NotFound(t *testing.T) {
	r := newTestRelay(t, testConfig())

	rec := do(t, r.Handler(), http.MethodGet, "/api/room/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not_found"}`, rec.Body.String())
}

func TestGetRoom_BackendError(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	r := newTestRelay(t, cfg)
	require.Equal(t, state.BackendRedis, r.Store().Backend())

	mr.SetError("ERR backend exploded")

	rec := do(t, r.Handler(), http.MethodGet, "/api/room/abc", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"server_error"}`, rec.Body.String(), "expected no backend detail in the response")
}

func TestRedisBackend_RoomInfo(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	r := newTestRelay(t, cfg)

	created := decodeRoom(t, do(t, r.Handler(), http.MethodPost, "/api/room", `{"ttl":"15m"}`))
	assert.Equal(t, 900*time.Second, mr.TTL(state.RoomKey(created.ID)))

	rec := do(t, r.Handler(), http.MethodGet, "/api/room/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info room.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.False(t, info.ParticipantsTracked)
	assert.Equal(t, 0, info.Participants)
}

func TestRedisUnavailableFallsBackToMemory(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.URL = "redis://127.0.0.1:1"
	cfg.Redis.DialTimeout = 200 * time.Millisecond
	r := newTestRelay(t, cfg)

	assert.Equal(t, state.BackendMemory, r.Store().Backend())
	decodeRoom(t, do(t, r.Handler(), http.MethodPost, "/api/room", ""))
}

func TestHealth(t *testing.T) {
	r := newTestRelay(t, testConfig())

	rec := do(t, r.Handler(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, state.BackendMemory, body["backend"])
}

func TestHealth_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()
	r := newTestRelay(t, cfg)

	rec := do(t, r.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"backend":"redis","instanceId":"test-instance"}`, rec.Body.String())

	mr.SetError("ERR backend exploded")

	rec = do(t, r.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"ok":false,"backend":"redis","instanceId":"test-instance","redis":"unreachable"}`, rec.Body.String())
}

func TestCompression(t *testing.T) {
	r := newTestRelay(t, testConfig())
	created := decodeRoom(t, do(t, r.Handler(), http.MethodPost, "/api/room", ""))

	req := httptest.NewRequest(http.MethodGet, "/api/room/"+created.ID, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var info room.Info
	require.NoError(t, json.NewDecoder(zr).Decode(&info))
	assert.Equal(t, created.ID, info.ID)

	rec = do(t, r.Handler(), http.MethodGet, "/api/room/"+created.ID, "")
	assert.Empty(t, rec.Header().Get("Content-Encoding"), "expected plain responses without Accept-Encoding")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.RateLimitMax = 2
	r := newTestRelay(t, cfg)

	for i := 0; i < 2; i++ {
		rec := do(t, r.Handler(), http.MethodGet, "/api/room/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
	}

	rec := do(t, r.Handler(), http.MethodPost, "/api/room", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))

	rec = do(t, r.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "expected health checks to bypass the API limiter")
}

func TestSecurityHeaders(t *testing.T) {
	tcases := []struct {
		name        string
		environment string
		expectCSP   bool
	}{
		{name: "development", environment: "development", expectCSP: false},
		{name: "production", environment: "production", expectCSP: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.Environment = tc.environment
			r := newTestRelay(t, cfg)

			rec := do(t, r.Handler(), http.MethodGet, "/health", "")

			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
			assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
			assert.Equal(t, tc.expectCSP, rec.Header().Get("Content-Security-Policy") != "")
		})
	}
}

func TestCORS(t *testing.T) {
	tcases := []struct {
		name        string
		environment string
		origin      string
		expected    string
	}{
		{name: "development reflects any origin", environment: "development", origin: "http://anything.test", expected: "http://anything.test"},
		{name: "production allows configured origin", environment: "production", origin: "http://localhost:3000", expected: "http://localhost:3000"},
		{name: "production rejects other origins", environment: "production", origin: "http://evil.test", expected: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.Environment = tc.environment
			r := newTestRelay(t, cfg)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			r.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tc.expected, rec.Header().Get("Access-Control-Allow-Origin"))
			if tc.expected != "" {
				assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRelay(t, testConfig())
	decodeRoom(t, do(t, r.Handler(), http.MethodPost, "/api/room", ""))

	rec := do(t, r.Handler(), http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_rooms_created_total")
}

func TestRecoverer(t *testing.T) {
	r := newTestRelay(t, testConfig())

	h := r.recoverer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"server_error"}`, rec.Body.String())
}

func readWSFrame(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg signaling.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_JoinAndRelay(t *testing.T) {
	r := newTestRelay(t, testConfig())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	rec := do(t, r.Handler(), http.MethodPost, "/api/room", `{"ttl":"5m"}`)
	created := decodeRoom(t, rec)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	dial := func() (*websocket.Conn, string) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		msg := readWSFrame(t, conn)
		require.Equal(t, signaling.MessageTypeConnected, msg.Type)
		var ev signaling.ConnectedEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		return conn, ev.SessionID
	}

	alice, aliceID := dial()
	bob, bobID := dial()

	join := signaling.Message{Type: signaling.MessageTypeJoinRoom, Data: json.RawMessage(`{"roomId":"` + created.ID + `"}`)}

	require.NoError(t, alice.WriteJSON(join))
	assert.Equal(t, signaling.MessageTypeRoomJoined, readWSFrame(t, alice).Type)
	assert.Equal(t, signaling.MessageTypeUserJoined, readWSFrame(t, alice).Type)

	require.NoError(t, bob.WriteJSON(join))
	msg := readWSFrame(t, bob)
	require.Equal(t, signaling.MessageTypeRoomJoined, msg.Type)
	var joined signaling.RoomJoinedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &joined))
	require.NotNil(t, joined.Participants)
	assert.Equal(t, 2, *joined.Participants)
	assert.Equal(t, signaling.MessageTypeUserJoined, readWSFrame(t, bob).Type)

	assert.Equal(t, signaling.MessageTypeParticipantCount, readWSFrame(t, alice).Type)
	msg = readWSFrame(t, alice)
	require.Equal(t, signaling.MessageTypeUserJoined, msg.Type)
	var userJoined signaling.UserJoinedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &userJoined))
	assert.Equal(t, bobID, userJoined.SessionID)

	getRec := do(t, r.Handler(), http.MethodGet, "/api/room/"+created.ID, "")
	var info room.Info
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &info))
	assert.Equal(t, 2, info.Participants)

	payload := `{"kind":"text","payload":{"iv":"aXY=","ciphertext":"Y3Q="}}`
	require.NoError(t, bob.WriteJSON(signaling.Message{
		Type: signaling.MessageTypeSendMessage,
		Data: json.RawMessage(`{"roomId":"` + created.ID + `","message":` + payload + `}`),
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readWSFrame(t, conn)
		require.Equal(t, signaling.MessageTypeNewMessage, msg.Type)
		var ev signaling.NewMessageEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, bobID, ev.From)
		assert.JSONEq(t, payload, string(ev.Message))
	}

	require.NoError(t, bob.Close())

	assert.Equal(t, signaling.MessageTypeParticipantCount, readWSFrame(t, alice).Type)
	msg = readWSFrame(t, alice)
	require.Equal(t, signaling.MessageTypeUserLeft, msg.Type)
	var left signaling.UserLeftEvent
	require.NoError(t, json.Unmarshal(msg.Data, &left))
	assert.Equal(t, bobID, left.SessionID)
	assert.NotEqual(t, aliceID, bobID)
}

func TestWebSocket_MalformedFrameKeepsConnection(t *testing.T) {
	r := newTestRelay(t, testConfig())
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, signaling.MessageTypeConnected, readWSFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(signaling.Message{
		Type: signaling.MessageTypeJoinRoom,
		Data: json.RawMessage(`{"roomId":"missing"}`),
	}))

	msg := readWSFrame(t, conn)
	assert.Equal(t, signaling.MessageTypeRoomNotFound, msg.Type)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Environment = "production"
	r := newTestRelay(t, cfg)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", cfg.Server.CORSOrigin)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	conn.Close()
}

func TestStopIsIdempotent(t *testing.T) {
	r, err := NewRelay(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, r.Stop(context.Background()))
	assert.NoError(t, r.Stop(context.Background()))
	assert.False(t, r.Hub().Register(signaling.NewClient(r.Hub(), nil, signaling.DefaultLimits())))
}

func TestStartThenStop(t *testing.T) {
	r := newTestRelay(t, testConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start() }()

	require.NoError(t, r.Stop(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: Start did not return after Stop")
	}
}

func TestStartAfterStop(t *testing.T) {
	r := newTestRelay(t, testConfig())
	require.NoError(t, r.Stop(context.Background()))

	assert.NoError(t, r.Start(), "expected Start to return at once on a stopped relay")
}

func TestFatal(t *testing.T) {
	r := newTestRelay(t, testConfig())

	r.fail(errors.New("first"))
	r.fail(errors.New("second"))

	select {
	case err := <-r.Fatal():
		assert.EqualError(t, err, "first")
	case <-time.After(time.Second):
		t.Fatal("timeout: no fatal error")
	}
	select {
	case err := <-r.Fatal():
		t.Fatalf("expected only the first error, got %v", err)
	default:
	}
}
