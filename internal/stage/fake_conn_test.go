package stage

import (
	"encoding/json"
	"sync"
	"time"
)

// fakeConn is a minimal wsConnection double that records every outbound
// frame instead of touching a real socket.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {}
}
func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.frames = append(f.frames, cp)
	return nil
}
func (f *fakeConn) Close() error                             { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error         { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)        {}

func (f *fakeConn) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(f.frames[len(f.frames)-1], &m)
	return m
}

// lastOfType returns the most recent recorded frame whose type is typ, or
// nil if none was recorded.
func (f *fakeConn) lastOfType(typ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		var m map[string]any
		if json.Unmarshal(f.frames[i], &m) == nil && m["type"] == typ {
			return m
		}
	}
	return nil
}

// drain synchronously drains a User's send channel into its fakeConn,
// standing in for writePump in tests that never start the real pump.
func drain(u *User) {
	for {
		select {
		case raw := <-u.send:
			_ = u.conn.WriteMessage(0, raw)
		default:
			return
		}
	}
}

func newTestUser(h *Hub, name string) *User {
	u := h.RegisterConnection(&fakeConn{})
	u.setName(name)
	return u
}
