package watch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

// feedParams reads the watched key and optional start timestamp ("from")
// from the query string.
func feedParams(r *http.Request) (string, int64, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return "", 0, fmt.Errorf("missing key")
	}
	start := core.StartNow
	if from := r.URL.Query().Get("from"); from != "" {
		v, err := strconv.ParseInt(from, 10, 64)
		if err != nil || v < 0 {
			return "", 0, fmt.Errorf("invalid from")
		}
		start = v
	}
	return key, start, nil
}

// SSEHandler streams a key's change feed over Server-Sent Events. Each
// event is named after the change type and carries the payload as data.
func SSEHandler(svc core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, start, err := feedParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := Feed(ctx, svc, key, start)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for n := range ch {
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.Timestamp, n.Type, n.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{}

type wsMessage struct {
	Type      core.ChangeType `json:"type"`
	Timestamp int64           `json:"timestamp"`
	KeyPath   string          `json:"key_path"`
	Payload   []byte          `json:"payload"`
}

// WebSocketHandler streams a key's change feed over WebSocket as JSON
// messages.
func WebSocketHandler(svc core.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, start, err := feedParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// Reader loop notices the peer going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
		ch, err := Feed(ctx, svc, key, start)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		for n := range ch {
			msg := wsMessage{Type: n.Type, Timestamp: n.Timestamp, KeyPath: n.KeyPath, Payload: n.Payload}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
