package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

// Stream frame types.
const (
	frameSnapshot = "session.snapshot"
	frameUpdated  = "session.updated"
	frameError    = "session.error"
)

type streamFrame struct {
	Type    string           `json:"type"`
	Event   domain.EventType `json:"event,omitempty"`
	Version int64            `json:"version"`
	Payload any              `json:"payload"`
}

type streamPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func (p *streamPeer) writeFrame(frame streamFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// stream sends the current snapshot, then every newer committed snapshot,
// until the client disconnects or falls behind.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snapshot, sub, err := h.svc.Subscribe(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	websocket.Handler(func(conn *websocket.Conn) {
		defer func() {
			_ = conn.Close()
		}()

		peer := &streamPeer{encoder: json.NewEncoder(conn)}
		if err := peer.writeFrame(streamFrame{Type: frameSnapshot, Version: snapshot.Version, Payload: snapshot}); err != nil {
			return
		}

		// Clients do not send frames; reading only detects disconnects.
		gone := make(chan struct{})
		go func() {
			_, _ = io.Copy(io.Discard, conn)
			close(gone)
		}()

		last := snapshot.Version
		for {
			select {
			case <-gone:
				return
			case evt, ok := <-sub.Events():
				if !ok {
					if sub.Dropped() {
						_ = peer.writeFrame(streamFrame{Type: frameError, Version: last, Payload: map[string]string{
							"code":    "SLOW_CONSUMER",
							"message": "subscriber fell behind; reconnect to resume",
						}})
					}
					return
				}
				if evt.Version <= last {
					continue
				}
				last = evt.Version
				if err := peer.writeFrame(streamFrame{Type: frameUpdated, Event: evt.Type, Version: evt.Version, Payload: evt.Payload}); err != nil {
					h.logger.Debug("stream write", zap.String("session_id", sessionID), zap.Error(err))
					return
				}
			}
		}
	}).ServeHTTP(w, r)
}
