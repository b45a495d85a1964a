package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/adityaadpandey/ephemeral-relay/internals/config"
	"github.com/adityaadpandey/ephemeral-relay/internals/ratelimit"
	"github.com/adityaadpandey/ephemeral-relay/internals/room"
	"github.com/adityaadpandey/ephemeral-relay/internals/signaling"
	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisBacked is implemented by stores that can carry room broadcasts
// between instances.
type redisBacked interface {
	RedisClient() *redis.Client
}

// Relay wires the room store, the realtime hub and the HTTP API into one
// server.
type Relay struct {
	config *config.Config
	logger *zap.Logger

	store         state.Store
	rooms         *room.Manager
	signalingHub  *signaling.Hub
	pubsubManager *signaling.PubSubManager // nil unless the store is Redis
	limiter       *ratelimit.FixedWindow
	upgrader      *websocket.Upgrader
	wsLimits      signaling.Limits

	handler    http.Handler
	httpServer *http.Server
	fatal      chan error
	stopOnce   sync.Once
	stopErr    error
}

// NewRelay selects the room store and starts the hub. Redis being
// unreachable is not an error: the relay runs on the in-memory store.
func NewRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Relay, error) {
	if cfg.Limits.RateLimitWindow <= 0 || cfg.Limits.RateLimitMax <= 0 {
		return nil, fmt.Errorf("invalid rate limit: window %s, max %d", cfg.Limits.RateLimitWindow, cfg.Limits.RateLimitMax)
	}

	store := state.Open(ctx, cfg.Redis, logger)
	hub := signaling.NewHub(store, logger)

	r := &Relay{
		config:       cfg,
		logger:       logger,
		store:        store,
		rooms:        room.NewManager(store, logger),
		signalingHub: hub,
		limiter:      ratelimit.NewFixedWindow(cfg.Limits.RateLimitWindow, cfg.Limits.RateLimitMax),
		fatal:        make(chan error, 1),
		wsLimits: signaling.Limits{
			ReadLimit:      cfg.Limits.WSReadLimit,
			WriteTimeout:   cfg.Limits.WSWriteTimeout,
			PongTimeout:    cfg.Limits.WSPongTimeout,
			PingInterval:   cfg.Limits.WSPingInterval,
			SendBufferSize: cfg.Limits.SendBufferSize,
		},
	}
	r.upgrader = signaling.NewUpgrader(r.allowOrigin)

	if ms, ok := store.(*state.MemoryStore); ok {
		ms.OnExpire = hub.RoomExpired
	}
	if rb, ok := store.(redisBacked); ok {
		r.pubsubManager = signaling.NewPubSubManager(rb.RedisClient(), hub, cfg.Server.InstanceID, logger)
		hub.SetBridge(r.pubsubManager)
	}

	hub.OnPanic = r.fail
	go hub.Run()

	r.handler = r.routes()
	r.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Relay initialized",
		zap.String("backend", store.Backend()),
		zap.String("environment", cfg.Server.Environment),
		zap.String("instance_id", cfg.Server.InstanceID),
	)

	return r, nil
}

func (r *Relay) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/room", r.createRoom)
	api.HandleFunc("GET /api/room/{roomId}", r.getRoom)

	limited := ratelimit.Middleware(r.limiter, r.config.Server.TrustProxy, r.logger)(api)

	mux := http.NewServeMux()
	mux.Handle("/api/", handlers.CompressHandler(limited))
	mux.Handle("GET /health", handlers.CompressHandler(http.HandlerFunc(r.handleHealth)))
	mux.HandleFunc("GET "+r.config.Server.WSPath, r.handleWebSocket)

	if r.config.Metrics.Enabled {
		mux.Handle("GET "+r.config.Metrics.Path, promhttp.Handler())
	}

	var h http.Handler = mux
	h = r.corsHandler()(h)
	h = r.securityHeaders(h)
	h = r.recoverer(h)
	return h
}

// Handler returns the relay's HTTP handler with all middleware applied.
func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Hub exposes the realtime hub, mainly for inspection in tests.
func (r *Relay) Hub() *signaling.Hub {
	return r.signalingHub
}

// Store returns the room store selected at startup.
func (r *Relay) Store() state.Store {
	return r.store
}

// Fatal delivers the first panic recovered in a background goroutine. The
// relay keeps serving HTTP, but realtime delivery may be gone, so callers
// should stop it.
func (r *Relay) Fatal() <-chan error {
	return r.fatal
}

func (r *Relay) fail(err error) {
	select {
	case r.fatal <- err:
	default:
	}
}

// Start serves HTTP until Stop is called. It returns nil after a clean
// shutdown, including when Stop ran first.
func (r *Relay) Start() error {
	r.logger.Info("Starting relay server",
		zap.String("host", r.config.Server.Host),
		zap.Int("port", r.config.Server.Port),
		zap.String("ws_path", r.config.Server.WSPath),
	)

	if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting HTTP, closes every socket, then releases the store.
// Later calls return the first call's result.
func (r *Relay) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping relay server")

		var errs []error
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		r.signalingHub.Stop()

		if r.pubsubManager != nil {
			if err := r.pubsubManager.Close(); err != nil {
				errs = append(errs, fmt.Errorf("pubsub close: %w", err))
			}
		}

		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}

		r.stopErr = errors.Join(errs...)
	})
	return r.stopErr
}

// allowOrigin applies the CORS policy to websocket upgrades.
func (r *Relay) allowOrigin(origin string) bool {
	if r.config.IsDevelopment() {
		return true
	}
	return origin == r.config.Server.CORSOrigin
}
