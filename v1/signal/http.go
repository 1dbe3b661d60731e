package signal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// ChangeEvent is the payload written to remote observers for each change.
const ChangeEvent = "changed"

func subscribeRequest(bus Bus, r *http.Request) (context.Context, context.CancelFunc, chan struct{}, error) {
	ctx, cancel := context.WithCancel(r.Context())
	// changes made by the observer itself are filtered out
	ch, err := bus.Subscribe(ctx, r.URL.Query().Get("origin"))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, ch, nil
}

// SSEHandler streams change signals over Server-Sent Events. The optional
// "origin" query parameter names the observer so its own changes are not
// echoed back.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel, ch, err := subscribeRequest(bus, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", ChangeEvent); err != nil {
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

// WebSocketHandler streams change signals over WebSocket, one text message
// per change.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel, ch, err := subscribeRequest(bus, r)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), ch)
		}()
		// drain client frames so close handshakes are noticed
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(ChangeEvent)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
