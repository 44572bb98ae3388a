package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// Commands and heartbeats are small JSON frames; a client sending
	// more than this is misbehaving and gets disconnected.
	maxFrameSize = 64 * 1024
	// Read deadline covers two heartbeat intervals at the low-battery
	// cadence, so a silent peer is detected without racing the app-level
	// staleness sweep.
	readWait = 150 * time.Second
)

// WebSocket wraps a gorilla connection with deadlines suited to the
// signal traffic and a context that ends with the connection.
type WebSocket struct {
	*websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWebSocket(parent context.Context, conn *websocket.Conn) *WebSocket {
	ctx, cancel := context.WithCancel(parent)
	return &WebSocket{Conn: conn, ctx: ctx, cancel: cancel}
}

func (w *WebSocket) WriteMessage(data []byte) error {
	w.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.Conn.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop pumps inbound frames to onMsg until the peer goes away.
// Any application command counts as liveness and pushes the read
// deadline forward.
func (w *WebSocket) ReadLoop(onMsg func([]byte)) {
	defer w.Close()

	w.Conn.SetReadLimit(maxFrameSize)
	w.Conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := w.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "error", err)
			}
			return
		}
		w.Conn.SetReadDeadline(time.Now().Add(readWait))

		if len(data) > 0 {
			onMsg(data)
		}
	}
}

func (w *WebSocket) Close() {
	w.cancel()
	_ = w.Conn.Close()
}
