package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// subscription resolves the "key" or "prefix" query parameter of r into a
// watch on bus. name is what Unwatch expects.
func subscription(ctx context.Context, bus WatchBus, r *http.Request) (name string, ch chan []byte, status int, err error) {
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		ch, err = bus.Watch(ctx, key)
		name = key
	} else if prefix := q.Get("prefix"); prefix != "" {
		ch, err = bus.SubscribePrefix(ctx, prefix)
		name = prefix
	} else {
		return "", nil, http.StatusBadRequest, fmt.Errorf("missing key or prefix")
	}
	if err != nil {
		return "", nil, http.StatusInternalServerError, err
	}
	return name, ch, http.StatusOK, nil
}

// SSEHandler streams lock events over Server-Sent Events. The watched key is
// taken from the "key" query parameter, or every key under the "prefix"
// query parameter.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		name, ch, status, err := subscription(ctx, bus, r)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		defer func() {
			_ = bus.Unwatch(context.Background(), name, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events over WebSocket, one text message per
// event. Query parameters are the same as SSEHandler's.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") == "" && q.Get("prefix") == "" {
			http.Error(w, "missing key or prefix", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		name, ch, _, err := subscription(ctx, bus, r)
		if err != nil {
			return
		}
		defer func() {
			_ = bus.Unwatch(context.Background(), name, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
