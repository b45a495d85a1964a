package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/adityaadpandey/ephemeral-relay/internals/room"
	"github.com/adityaadpandey/ephemeral-relay/internals/signaling"
	"github.com/adityaadpandey/ephemeral-relay/internals/state"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// createRoom never rejects a body for its content: anything that does not
// decode to an object is treated as an empty request.
func (r *Relay) createRoom(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.config.Limits.APIBodyLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		r.logger.Debug("Failed to read request body", zap.Error(err))
		body = nil
	}

	var createReq room.CreateRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &createReq); err != nil {
			createReq = room.CreateRequest{}
		}
	}

	rm, err := r.rooms.CreateRoom(req.Context(), createReq)
	if err != nil {
		r.logger.Error("Failed to create room", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, rm)
}

func (r *Relay) getRoom(w http.ResponseWriter, req *http.Request) {
	roomID := req.PathValue("roomId")

	info, err := r.rooms.GetRoom(req.Context(), roomID)
	if err != nil {
		if errors.Is(err, state.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		r.logger.Error("Failed to load room",
			zap.String("roomId", roomID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// pinger is implemented by stores backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth reports 503 when the Redis backend stops answering.
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	instanceID := r.config.Server.InstanceID
	if r.pubsubManager != nil {
		instanceID = r.pubsubManager.GetInstanceID()
	}
	body := map[string]interface{}{
		"ok":         true,
		"backend":    r.store.Backend(),
		"instanceId": instanceID,
	}

	if p, ok := r.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			r.logger.Warn("Health check failed", zap.Error(err))
			body["ok"] = false
			body["redis"] = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	signaling.HandleWebSocket(r.signalingHub, r.upgrader, r.wsLimits, w, req)
}
