package stage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crptk/audiolyze/internal/logging"
)

// wsConnection is the transport surface a User needs; satisfied by
// *websocket.Conn and by a fake in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Serve drives one accepted connection end to end: registers the user,
// sends the initial connected envelope, then runs the read/write pumps
// until the connection closes, at which point it runs the full disconnect
// cleanup sequence.
func Serve(ctx context.Context, hub *Hub, dispatcher *Dispatcher, conn wsConnection) {
	user := hub.RegisterConnection(conn)
	ctx = logging.WithUser(ctx, user.ID)

	sendTo(user, out(OutConnected, map[string]any{
		"userId":      user.ID,
		"publicRooms": hub.registry.PublicRooms(),
	}))

	done := make(chan struct{})
	go writePump(ctx, user, done)
	readPump(ctx, user, dispatcher)
	close(done)

	hub.HandleDisconnect(ctx, user)
	_ = conn.Close()
}

// readPump is the sole reader of this connection; it serializes all inbound
// processing for the user (no interleaving within one connection). A panic
// while handling an envelope is logged and ends this connection only.
func readPump(ctx context.Context, user *User, dispatcher *Dispatcher) {
	conn := user.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logging.Debug(ctx, "dropping malformed envelope", zap.Error(err))
			continue
		}
		panicked := func() (panicked bool) {
			defer func() {
				if r := recover(); r != nil {
					logging.Error(ctx, "dispatcher panic, closing connection", zap.Any("panic", r))
					panicked = true
				}
			}()
			dispatcher.Handle(ctx, user, env)
			return false
		}()
		if panicked {
			return
		}
	}
}

// writePump owns the only writer goroutine for this connection, draining
// User.send and interleaving periodic pings.
func writePump(ctx context.Context, user *User, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	conn := user.conn

	for {
		select {
		case raw, ok := <-user.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
